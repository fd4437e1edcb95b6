package presentation

import (
	"context"
	"log/slog"
	"sync"

	"licensekit/internal/dispatch"
	lkerrors "licensekit/internal/errors"
	"licensekit/internal/product"
)

// Gateway routes every Delegate and Renderer call through the dispatch
// queue. Blocking helpers wait for the renderer's reply, never the queue.
type Gateway struct {
	queue    *dispatch.Queue
	delegate Delegate
	renderer Renderer
	logger   *slog.Logger
}

// NewGateway wires a gateway. Nil collaborators fall back to DefaultDelegate
// and NopRenderer.
func NewGateway(q *dispatch.Queue, d Delegate, r Renderer, logger *slog.Logger) *Gateway {
	if d == nil {
		d = DefaultDelegate{}
	}
	if r == nil {
		r = NopRenderer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		queue:    q,
		delegate: d,
		renderer: r,
		logger:   logger.With(slog.String("component", "presentation")),
	}
}

// Queue returns the dispatch queue the gateway runs on
func (g *Gateway) Queue() *dispatch.Queue {
	return g.queue
}

// Dispatch runs fn on the queue, inline when ctx is already on it
func (g *Gateway) Dispatch(ctx context.Context, fn func(context.Context)) {
	if err := g.queue.Dispatch(ctx, fn); err != nil {
		g.logger.WarnContext(ctx, "dropping work submitted after shutdown", slog.String("error", err.Error()))
	}
}

// Decide asks the delegate whether and how to show a UI
func (g *Gateway) Decide(ctx context.Context, kind UIKind, p *product.Product) (Decision, error) {
	return dispatch.Call(ctx, g.queue, func(qctx context.Context) Decision {
		return g.delegate.WillShow(qctx, kind, p)
	})
}

// Dismissed notifies the delegate that a UI went away
func (g *Gateway) Dismissed(ctx context.Context, kind UIKind, triggered Triggered, p *product.Product) {
	g.Dispatch(ctx, func(qctx context.Context) {
		g.logger.DebugContext(qctx, "ui dismissed",
			slog.String("ui", kind.String()),
			slog.String("triggered", triggered.String()),
		)
		g.delegate.DidDismiss(qctx, kind, triggered, p)
	})
}

// ReportError hands an error to the delegate's error channel
func (g *Gateway) ReportError(ctx context.Context, rec lkerrors.ErrorRecord) {
	g.Dispatch(ctx, func(qctx context.Context) {
		g.delegate.DidError(qctx, rec)
	})
}

// Alert shows an alert unless the delegate declines it
func (g *Gateway) Alert(ctx context.Context, alert Alert) {
	g.Dispatch(ctx, func(qctx context.Context) {
		if g.delegate.WillShowAlert(qctx, alert) {
			g.renderer.ShowAlert(qctx, alert)
		}
	})
}

// ShowProductAccess displays the product access dialog and waits for a choice
func (g *Gateway) ShowProductAccess(ctx context.Context, view ProductAccessView) (ProductAccessChoice, error) {
	type result struct{ choice ProductAccessChoice }
	r, err := await(ctx, g, func(qctx context.Context, done func(result)) {
		g.renderer.ShowProductAccess(qctx, view, func(c ProductAccessChoice) { done(result{c}) })
	})
	return r.choice, err
}

// CollectActivation prompts for an email and license code. ErrDismissed
// is returned when the user closes the dialog.
func (g *Gateway) CollectActivation(ctx context.Context, prompt ActivationPrompt) (ActivationInput, error) {
	type result struct {
		in  ActivationInput
		err error
	}
	r, err := await(ctx, g, func(qctx context.Context, done func(result)) {
		g.renderer.CollectActivation(qctx, prompt, func(in ActivationInput, err error) { done(result{in, err}) })
	})
	if err != nil {
		return ActivationInput{}, err
	}
	return r.in, r.err
}

// ConfirmDeactivation asks the user to confirm removing the license. The
// prompt counts as an alert, so ErrSuppressed is returned without rendering
// anything when the delegate declines it.
func (g *Gateway) ConfirmDeactivation(ctx context.Context, p *product.Product) (bool, error) {
	allowed, err := dispatch.Call(ctx, g.queue, func(qctx context.Context) bool {
		return g.delegate.WillShowAlert(qctx, Alert{
			Title:   "Deactivate license",
			Message: "Remove the license from this device?",
			Product: p,
		})
	})
	if err != nil {
		return false, err
	}
	if !allowed {
		return false, ErrSuppressed
	}
	return await(ctx, g, func(qctx context.Context, done func(bool)) {
		g.renderer.ConfirmDeactivation(qctx, p, done)
	})
}

// CollectRecoveryEmail prompts for the email a license was bought with
func (g *Gateway) CollectRecoveryEmail(ctx context.Context, prompt RecoveryPrompt) (string, error) {
	type result struct {
		email string
		err   error
	}
	r, err := await(ctx, g, func(qctx context.Context, done func(result)) {
		g.renderer.CollectRecoveryEmail(qctx, prompt, func(email string, err error) { done(result{email, err}) })
	})
	if err != nil {
		return "", err
	}
	return r.email, r.err
}

// ShowRecoveryResult tells the user whether the recovery email was sent
func (g *Gateway) ShowRecoveryResult(ctx context.Context, p *product.Product, sent bool, err error) {
	g.Dispatch(ctx, func(qctx context.Context) {
		g.renderer.ShowRecoveryResult(qctx, p, sent, err)
	})
}

// ShowCheckout displays a checkout page
func (g *Gateway) ShowCheckout(ctx context.Context, view CheckoutView) {
	g.Dispatch(ctx, func(qctx context.Context) {
		g.renderer.ShowCheckout(qctx, view)
	})
}

// CloseCheckout removes a checkout page
func (g *Gateway) CloseCheckout(ctx context.Context, sessionID string, triggered Triggered) {
	g.Dispatch(ctx, func(qctx context.Context) {
		g.renderer.CloseCheckout(qctx, sessionID, triggered)
	})
}

// await dispatches show onto the queue and blocks until the renderer replies
// or ctx ends. Only the first reply counts.
func await[T any](ctx context.Context, g *Gateway, show func(qctx context.Context, done func(T))) (T, error) {
	var zero T
	replies := make(chan T, 1)
	var once sync.Once
	done := func(v T) {
		once.Do(func() { replies <- v })
	}

	if err := g.queue.Dispatch(ctx, func(qctx context.Context) { show(qctx, done) }); err != nil {
		return zero, err
	}

	select {
	case v := <-replies:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
