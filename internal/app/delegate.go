package app

import (
	"context"
	"log/slog"

	lkerrors "licensekit/internal/errors"
	"licensekit/internal/presentation"
	"licensekit/internal/product"
	api "licensekit/pkg/contracts/api/v1"
)

// publisher is the part of the event hub the delegate needs
type publisher interface {
	Publish(ctx context.Context, event api.Event)
}

// eventDelegate forwards dismissals and engine errors to the event stream.
// Every UI is allowed and shown in a window.
type eventDelegate struct {
	presentation.DefaultDelegate
	events publisher
	logger *slog.Logger
}

func newEventDelegate(events publisher, logger *slog.Logger) *eventDelegate {
	return &eventDelegate{events: events, logger: logger.With(slog.String("component", "delegate"))}
}

func (d *eventDelegate) DidDismiss(ctx context.Context, kind presentation.UIKind, triggered presentation.Triggered, p *product.Product) {
	ev := api.Event{
		Type: api.EventDismissed,
		Data: api.DismissedEvent{UI: kind.String(), Triggered: triggered.String()},
	}
	if p != nil {
		ev.ProductID = p.ID
	}
	d.events.Publish(ctx, ev)
}

func (d *eventDelegate) DidError(ctx context.Context, err lkerrors.ErrorRecord) {
	d.logger.ErrorContext(ctx, "engine error",
		slog.String("domain", err.Domain),
		slog.String("code", string(err.Code)),
		slog.String("error", err.Error()))

	d.events.Publish(ctx, api.Event{
		Type: api.EventError,
		Data: api.ErrorEvent{Domain: err.Domain, Code: string(err.Code), Message: err.Message},
	})
}
