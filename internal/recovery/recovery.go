// Package recovery asks the vendor to email a buyer their license codes.
package recovery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"licensekit/internal/dispatch"
	lkerrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	"licensekit/internal/presentation"
	"licensekit/internal/product"
	"licensekit/internal/telemetry"
	"licensekit/internal/vendor"
)

// Completion receives whether the recovery email was sent, on the dispatch
// queue. A user dismissal reports sent=false with no error.
type Completion func(ctx context.Context, sent bool, err error)

// Options tunes the recovery flow
type Options struct {
	// MaxInputRetries bounds re-prompts after a rejected email
	MaxInputRetries int
}

// Deps are the collaborators of a Controller
type Deps struct {
	Products *product.Registry
	Vendor   vendor.Client
	Gateway  *presentation.Gateway
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Controller runs license recovery by email
type Controller struct {
	products *product.Registry
	vendor   vendor.Client
	gateway  *presentation.Gateway
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	opts     Options
	validate *validator.Validate
}

// New creates a recovery controller
func New(deps Deps, opts Options) *Controller {
	if opts.MaxInputRetries < 0 {
		opts.MaxInputRetries = 0
	}
	return &Controller{
		products: deps.Products,
		vendor:   deps.Vendor,
		gateway:  deps.Gateway,
		metrics:  deps.Metrics,
		logger:   infrastructure.WithComponent(deps.Logger, "recovery"),
		opts:     opts,
		validate: validator.New(),
	}
}

// Recover sends the recovery email for the given address without any UI
func (c *Controller) Recover(ctx context.Context, productID, email string, completion Completion) {
	p := c.products.Get(productID)
	finish := c.metrics.Begin(ctx, telemetry.OpRecover)

	if err := c.precheck(p, email); err != nil {
		c.resolve(ctx, finish, completion, false, err)
		return
	}

	go func(ctx context.Context) {
		err := c.vendor.RecoverByEmail(ctx, p.ID, email)
		c.logResult(ctx, p, email, err)
		c.resolve(ctx, finish, completion, err == nil, err)
	}(dispatch.Detach(ctx))
}

// ShowRecovery collects the email through the renderer, re-prompting after a
// rejected address.
func (c *Controller) ShowRecovery(ctx context.Context, productID string, completion Completion) {
	p := c.products.Get(productID)
	finish := c.metrics.Begin(ctx, telemetry.OpRecover)

	if p.Kind != product.KindSDK {
		c.resolve(ctx, finish, completion, false, unsupported(p))
		return
	}
	go c.runDialog(dispatch.Detach(ctx), p, finish, completion)
}

func (c *Controller) runDialog(ctx context.Context, p *product.Product, finish func(string), completion Completion) {
	decision, err := c.gateway.Decide(ctx, presentation.UILicense, p)
	if err != nil {
		c.resolve(ctx, finish, completion, false,
			lkerrors.Wrap(lkerrors.DomainRecovery, lkerrors.KindCancelled, "engine is shutting down", err))
		return
	}
	if decision.Suppressed {
		c.logger.InfoContext(ctx, "recovery dialog suppressed by delegate", slog.String("product_id", p.ID))
		c.resolve(ctx, finish, completion, false, nil)
		return
	}

	var email string
	var lastErr error
	for retry := 0; ; retry++ {
		email, err = c.gateway.CollectRecoveryEmail(ctx, presentation.RecoveryPrompt{
			Product: p,
			Mode:    decision.Mode,
			Email:   email,
			Attempt: retry,
			Err:     lastErr,
		})
		if err != nil {
			if errors.Is(err, presentation.ErrDismissed) || ctx.Err() != nil {
				c.gateway.Dismissed(ctx, presentation.UILicense, presentation.TriggeredCancel, p)
				c.resolve(ctx, finish, completion, false, nil)
				return
			}
			c.gateway.Dismissed(ctx, presentation.UILicense, presentation.TriggeredFinished, p)
			c.resolve(ctx, finish, completion, false, lkerrors.AsRecord(lkerrors.DomainRecovery, err))
			return
		}

		err = c.checkEmail(email)
		if err == nil {
			err = c.vendor.RecoverByEmail(ctx, p.ID, email)
		}
		if errors.Is(err, lkerrors.ErrInvalidInput) && retry < c.opts.MaxInputRetries {
			lastErr = err
			continue
		}

		c.logResult(ctx, p, email, err)
		c.gateway.ShowRecoveryResult(ctx, p, err == nil, err)
		c.gateway.Dismissed(ctx, presentation.UILicense, presentation.TriggeredFinished, p)
		c.resolve(ctx, finish, completion, err == nil, err)
		return
	}
}

func (c *Controller) precheck(p *product.Product, email string) error {
	if p.Kind != product.KindSDK {
		return unsupported(p)
	}
	return c.checkEmail(email)
}

func (c *Controller) checkEmail(email string) error {
	if err := c.validate.Var(email, "required,email"); err != nil {
		return lkerrors.InvalidInput(lkerrors.DomainRecovery, "email address is not valid")
	}
	return nil
}

func (c *Controller) logResult(ctx context.Context, p *product.Product, email string, err error) {
	logger := c.logger.With(
		slog.String("product_id", p.ID),
		slog.String("email", infrastructure.MaskEmail(email)),
	)
	if err != nil {
		logger.WarnContext(ctx, "license recovery failed", slog.String("error", err.Error()))
		return
	}
	logger.InfoContext(ctx, "license recovery email sent")
}

// resolve delivers the result on the dispatch queue. Without a completion,
// errors go to the delegate.
func (c *Controller) resolve(ctx context.Context, finish func(string), completion Completion, sent bool, err error) {
	switch {
	case sent:
		finish("sent")
	case err != nil:
		finish("failed")
	default:
		finish("abandoned")
	}

	var rec lkerrors.ErrorRecord
	if err != nil {
		rec = lkerrors.AsRecord(lkerrors.DomainRecovery, err)
	}
	c.gateway.Dispatch(ctx, func(qctx context.Context) {
		switch {
		case completion != nil && err != nil:
			completion(qctx, sent, rec)
		case completion != nil:
			completion(qctx, sent, nil)
		case err != nil:
			c.gateway.ReportError(qctx, rec)
		}
	})
}

func unsupported(p *product.Product) error {
	return lkerrors.Unsupported(lkerrors.DomainRecovery, "license recovery is only available for SDK products, not "+string(p.Kind))
}
