package services

import (
	"context"
	"log/slog"
	"time"

	"licensekit/internal/activation"
	"licensekit/internal/checkout"
	"licensekit/internal/engine"
	lkerrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	"licensekit/internal/product"
	"licensekit/internal/vendor"
	api "licensekit/pkg/contracts/api/v1"
)

// LicenseService exposes the engine's callback operations as blocking calls
// for the HTTP bridge.
type LicenseService interface {
	Products(ctx context.Context) []api.ProductStatus
	Product(ctx context.Context, productID string) (api.ProductStatus, error)
	Activate(ctx context.Context, productID, email, licenseCode string) (api.ActivationResponse, error)
	Deactivate(ctx context.Context, productID string) (api.ActivationResponse, error)
	Validate(ctx context.Context, productID string) (api.ValidationResponse, error)
	Checkout(ctx context.Context, productID string, options vendor.CheckoutOptions) (checkout.Result, error)
	Recover(ctx context.Context, productID, email string) error
}

// EventPublisher receives the outcome of every bridge operation
type EventPublisher interface {
	Publish(ctx context.Context, event api.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, api.Event) {}

type engineLicenseService struct {
	engine *engine.Engine
	events EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// NewLicenseService wraps the engine for request/response callers. A nil
// publisher discards events.
func NewLicenseService(e *engine.Engine, events EventPublisher, logger *slog.Logger) LicenseService {
	if events == nil {
		events = nopPublisher{}
	}
	return &engineLicenseService{
		engine: e,
		events: events,
		logger: infrastructure.WithComponent(logger, "license_service"),
		now:    time.Now,
	}
}

func (s *engineLicenseService) Products(ctx context.Context) []api.ProductStatus {
	products := s.engine.AllProducts()
	out := make([]api.ProductStatus, 0, len(products))
	for _, p := range products {
		out = append(out, s.status(p))
	}
	return out
}

func (s *engineLicenseService) Product(ctx context.Context, productID string) (api.ProductStatus, error) {
	p, err := s.lookup(productID)
	if err != nil {
		return api.ProductStatus{}, err
	}
	return s.status(p), nil
}

func (s *engineLicenseService) Activate(ctx context.Context, productID, email, licenseCode string) (api.ActivationResponse, error) {
	p, err := s.lookup(productID)
	if err != nil {
		return api.ActivationResponse{}, err
	}

	type reply struct {
		outcome activation.Outcome
		err     error
	}
	ch := make(chan reply, 1)
	s.engine.ActivateProduct(ctx, productID, email, licenseCode, func(_ context.Context, outcome activation.Outcome, err error) {
		ch <- reply{outcome, err}
	})

	select {
	case r := <-ch:
		return s.finishActivation(ctx, api.EventActivation, p, r.outcome, r.err)
	case <-ctx.Done():
		s.engine.CancelActivation(context.WithoutCancel(ctx), productID)
		s.logger.WarnContext(ctx, "activation request ended before completion",
			slog.String("product_id", productID),
			slog.String("error", ctx.Err().Error()),
		)
		return api.ActivationResponse{}, ctx.Err()
	}
}

func (s *engineLicenseService) Deactivate(ctx context.Context, productID string) (api.ActivationResponse, error) {
	p, err := s.lookup(productID)
	if err != nil {
		return api.ActivationResponse{}, err
	}

	type reply struct {
		outcome activation.Outcome
		err     error
	}
	ch := make(chan reply, 1)
	s.engine.DeactivateProduct(ctx, productID, func(_ context.Context, outcome activation.Outcome, err error) {
		ch <- reply{outcome, err}
	})

	// Deactivation cannot be cancelled; the record stays consistent either way.
	select {
	case r := <-ch:
		return s.finishActivation(ctx, api.EventDeactivation, p, r.outcome, r.err)
	case <-ctx.Done():
		return api.ActivationResponse{}, ctx.Err()
	}
}

func (s *engineLicenseService) Validate(ctx context.Context, productID string) (api.ValidationResponse, error) {
	p, err := s.lookup(productID)
	if err != nil {
		return api.ValidationResponse{}, err
	}
	validity, err := s.engine.ValidateProduct(ctx, productID)
	if err != nil {
		return api.ValidationResponse{}, err
	}
	return api.ValidationResponse{Validity: validity.String(), Product: s.status(p)}, nil
}

func (s *engineLicenseService) Checkout(ctx context.Context, productID string, options vendor.CheckoutOptions) (checkout.Result, error) {
	if _, err := s.lookup(productID); err != nil {
		return checkout.Result{}, err
	}

	type reply struct {
		result checkout.Result
		err    error
	}
	ch := make(chan reply, 1)
	s.engine.Checkout(ctx, productID, options, func(_ context.Context, result checkout.Result, err error) {
		ch <- reply{result, err}
	})

	select {
	case r := <-ch:
		if r.err != nil {
			s.publishError(ctx, api.EventCheckout, productID, r.err)
		} else {
			s.events.Publish(ctx, api.Event{
				Type:      api.EventCheckout,
				ProductID: productID,
				Data:      map[string]interface{}{"state": r.result.State.String(), "session_id": r.result.SessionID},
			})
		}
		return r.result, r.err
	case <-ctx.Done():
		s.engine.CancelCheckout(productID)
		return checkout.Result{}, ctx.Err()
	}
}

func (s *engineLicenseService) Recover(ctx context.Context, productID, email string) error {
	if _, err := s.lookup(productID); err != nil {
		return err
	}

	ch := make(chan error, 1)
	s.engine.RecoverLicense(ctx, productID, email, func(_ context.Context, sent bool, err error) {
		if err == nil && !sent {
			err = lkerrors.New(lkerrors.DomainRecovery, lkerrors.KindServerRejected, "recovery email was not sent")
		}
		ch <- err
	})

	select {
	case err := <-ch:
		if err != nil {
			s.publishError(ctx, api.EventRecovery, productID, err)
		} else {
			s.events.Publish(ctx, api.Event{Type: api.EventRecovery, ProductID: productID, Data: map[string]bool{"sent": true}})
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *engineLicenseService) finishActivation(ctx context.Context, eventType string, p *product.Product, outcome activation.Outcome, err error) (api.ActivationResponse, error) {
	if err != nil {
		s.publishError(ctx, eventType, p.ID, err)
		return api.ActivationResponse{}, err
	}
	res := api.ActivationResponse{Outcome: outcome.String(), Product: s.status(p)}
	s.events.Publish(ctx, api.Event{Type: eventType, ProductID: p.ID, Data: res})
	return res, nil
}

func (s *engineLicenseService) publishError(ctx context.Context, eventType, productID string, err error) {
	rec := lkerrors.AsRecord(lkerrors.DomainEngine, err)
	s.events.Publish(ctx, api.Event{
		Type:      eventType,
		ProductID: productID,
		Data: map[string]interface{}{
			"error": api.ErrorEvent{Domain: rec.Domain, Code: string(rec.Code), Message: rec.Message},
		},
	})
}

// lookup refuses product IDs that were neither configured nor referenced
// before, so that the bridge cannot grow the registry.
func (s *engineLicenseService) lookup(productID string) (*product.Product, error) {
	p, ok := s.engine.LookupProduct(productID)
	if !ok {
		return nil, lkerrors.ErrProductNotFound
	}
	return p, nil
}

func (s *engineLicenseService) status(p *product.Product) api.ProductStatus {
	now := s.now()
	details := p.Details()
	ent := p.Entitlement()

	st := api.ProductStatus{
		ID:                 p.ID,
		Kind:               string(p.Kind),
		Name:               details.Name,
		Price:              details.Price,
		Currency:           details.Currency,
		Activated:          p.Activated(),
		State:              s.engine.ActivationState(p.ID).String(),
		CheckoutState:      s.engine.CheckoutState(p.ID).String(),
		TrialLengthDays:    details.TrialLength,
		TrialDaysRemaining: p.TrialDaysRemaining(now),
		TrialExpired:       p.TrialExpired(now),
	}
	if ent.LicenseCode != "" {
		st.LicenseCode = infrastructure.MaskLicenseCode(ent.LicenseCode)
	}
	if ent.ActivationEmail != "" {
		st.ActivationEmail = infrastructure.MaskEmail(ent.ActivationEmail)
	}
	if !ent.LastValidatedAt.IsZero() {
		t := ent.LastValidatedAt
		st.LastValidatedAt = &t
	}
	return st
}
