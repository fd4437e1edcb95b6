// Package engine is the public face of licensekit: one explicit instance
// that owns the product registry, the dispatch queue and the activation,
// checkout and recovery controllers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"licensekit/internal/activation"
	"licensekit/internal/checkout"
	"licensekit/internal/config"
	"licensekit/internal/dispatch"
	lkerrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	"licensekit/internal/presentation"
	"licensekit/internal/product"
	"licensekit/internal/recovery"
	"licensekit/internal/security"
	"licensekit/internal/store"
	"licensekit/internal/telemetry"
	"licensekit/internal/vendor"
)

const (
	revalidateConcurrency = 4
	defaultDrainTimeout   = 5 * time.Second
)

// Options configures an Engine
type Options struct {
	MaxInputRetries     int
	CheckoutLoadTimeout time.Duration
	OrderConfirmTimeout time.Duration
	OfflineGracePeriod  time.Duration
	QueueSize           int
	RevalidateOnStart   bool
	// ForceExit ends the process when the product access dialog is cancelled
	// after the trial expired.
	ForceExit bool
	Products  map[string]product.Config
	// DrainTimeout bounds how long Close waits for cancelled operations to
	// deliver their outcome. Defaults to 5s.
	DrainTimeout time.Duration
}

// OptionsFromConfig maps loaded configuration onto engine options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxInputRetries:     cfg.Engine.MaxInputRetries,
		CheckoutLoadTimeout: cfg.Engine.CheckoutLoadTimeout,
		OrderConfirmTimeout: cfg.Engine.OrderConfirmTimeout,
		OfflineGracePeriod:  cfg.Engine.OfflineGracePeriod,
		QueueSize:           cfg.Engine.QueueSize,
		RevalidateOnStart:   cfg.Engine.RevalidateOnStart,
		ForceExit:           cfg.ForceExit,
		Products:            cfg.Products,
		DrainTimeout:        cfg.Engine.DrainTimeout,
	}
}

// Deps are the engine's collaborators. Store, Vendor and Fingerprint are
// required; everything else has a default.
type Deps struct {
	Store       store.Store
	Vendor      vendor.Client
	Fingerprint security.Fingerprinter
	Delegate    presentation.Delegate
	Renderer    presentation.Renderer
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
	// Exit terminates the process. Defaults to os.Exit.
	Exit func(code int)
}

// AccessCompletion receives the user's choice in the product access dialog
type AccessCompletion func(ctx context.Context, choice presentation.ProductAccessChoice)

// Engine coordinates every licensing flow for the host application
type Engine struct {
	opts       Options
	queue      *dispatch.Queue
	gateway    *presentation.Gateway
	products   *product.Registry
	store      store.Store
	vendor     vendor.Client
	device     security.Fingerprinter
	activation *activation.Machine
	checkout   *checkout.Controller
	recovery   *recovery.Controller
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	validate   *validator.Validate
	exit       func(int)
	now        func() time.Time

	lifetime context.Context
	stop     context.CancelFunc
	opsMu    sync.Mutex
	ops      sync.WaitGroup
	closing  bool

	closeOnce sync.Once
	closeErr  error
}

// New wires an engine. Nothing touches the network until Start or an
// operation is called.
func New(opts Options, deps Deps) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: a license store is required")
	case deps.Vendor == nil:
		return nil, errors.New("engine: a vendor client is required")
	case deps.Fingerprint == nil:
		return nil, errors.New("engine: a device fingerprinter is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	exit := deps.Exit
	if exit == nil {
		exit = os.Exit
	}

	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}

	queue := dispatch.NewQueue(logger, opts.QueueSize)
	gateway := presentation.NewGateway(queue, deps.Delegate, deps.Renderer, logger)
	products := product.NewRegistry(opts.Products)
	for _, id := range products.Configured() {
		products.Get(id)
	}

	e := &Engine{
		opts:     opts,
		queue:    queue,
		gateway:  gateway,
		products: products,
		store:    deps.Store,
		vendor:   deps.Vendor,
		device:   deps.Fingerprint,
		metrics:  deps.Metrics,
		logger:   infrastructure.WithComponent(logger, "engine"),
		validate: validator.New(),
		exit:     exit,
		now:      time.Now,
	}
	e.lifetime, e.stop = context.WithCancel(context.Background())
	e.activation = activation.New(activation.Deps{
		Products:    products,
		Store:       deps.Store,
		Vendor:      deps.Vendor,
		Gateway:     gateway,
		Fingerprint: deps.Fingerprint,
		Metrics:     deps.Metrics,
		Logger:      logger,
	}, activation.Options{
		MaxInputRetries:    opts.MaxInputRetries,
		OfflineGracePeriod: opts.OfflineGracePeriod,
	})
	e.checkout = checkout.New(checkout.Deps{
		Products: products,
		Vendor:   deps.Vendor,
		Gateway:  gateway,
		Metrics:  deps.Metrics,
		Logger:   logger,
	}, checkout.Options{
		LoadTimeout:  opts.CheckoutLoadTimeout,
		OrderTimeout: opts.OrderConfirmTimeout,
	})
	e.recovery = recovery.New(recovery.Deps{
		Products: products,
		Vendor:   deps.Vendor,
		Gateway:  gateway,
		Metrics:  deps.Metrics,
		Logger:   logger,
	}, recovery.Options{MaxInputRetries: opts.MaxInputRetries})

	return e, nil
}

// Start restores stored licenses into the registry and, when configured,
// revalidates them with the vendor in the background.
func (e *Engine) Start(ctx context.Context) error {
	live, err := e.activation.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore stored licenses: %w", err)
	}
	e.logger.InfoContext(ctx, "engine started", slog.Int("activated_products", len(live)))

	if e.opts.RevalidateOnStart && len(live) > 0 {
		rctx, done, ok := e.begin(dispatch.Detach(ctx))
		if !ok {
			return nil
		}
		go func(ctx context.Context) {
			defer done()
			if err := e.Revalidate(ctx); err != nil {
				e.logger.WarnContext(ctx, "launch revalidation incomplete", slog.String("error", err.Error()))
			}
		}(rctx)
	}
	return nil
}

// Revalidate checks every activated product with the vendor. An unreachable
// vendor keeps the stored record; other failures reach the delegate.
func (e *Engine) Revalidate(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(revalidateConcurrency)

	for _, p := range e.products.All() {
		if !p.Activated() {
			continue
		}
		g.Go(func() error {
			validity, err := e.activation.Validate(gctx, p.ID)
			switch {
			case err == nil:
				return nil
			case validity == vendor.ValidityUnknown && lkerrors.KindOf(err) == lkerrors.KindNetworkFailure:
				e.logger.InfoContext(gctx, "vendor unreachable, keeping stored license", slog.String("product_id", p.ID))
				return nil
			case errors.Is(err, lkerrors.ErrBusy):
				return nil
			}
			e.gateway.Dispatch(gctx, func(qctx context.Context) {
				e.gateway.ReportError(qctx, lkerrors.AsRecord(lkerrors.DomainEngine, err))
			})
			return nil
		})
	}
	return g.Wait()
}

// Close cancels every operation still in flight, waits up to DrainTimeout
// for their outcomes to be delivered, then stops the dispatch queue and the
// license store. Operations submitted during Close fail with a cancelled
// error. An outcome still pending when the drain times out is dropped.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.opsMu.Lock()
		e.closing = true
		e.opsMu.Unlock()
		e.stop()

		drained := make(chan struct{})
		go func() {
			e.ops.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(e.opts.DrainTimeout):
			e.logger.Warn("operations still running at shutdown, dropping their outcomes",
				slog.Duration("drain_timeout", e.opts.DrainTimeout))
		}

		e.queue.Close()
		e.closeErr = e.store.Close()
	})
	return e.closeErr
}

// Ping checks that the license store answers for this device
func (e *Engine) Ping(ctx context.Context) error {
	fp, err := e.device.Fingerprint(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute device fingerprint: %w", err)
	}
	if _, err := e.store.List(ctx, fp); err != nil {
		return fmt.Errorf("license store unavailable: %w", err)
	}
	return nil
}

// Queue is the queue every completion and UI call runs on
func (e *Engine) Queue() *dispatch.Queue {
	return e.queue
}

// Product returns the product, creating it on first reference
func (e *Engine) Product(productID string) *product.Product {
	return e.products.Get(productID)
}

// LookupProduct returns a configured or previously referenced product
func (e *Engine) LookupProduct(productID string) (*product.Product, bool) {
	return e.products.Lookup(productID)
}

// AllProducts returns every configured or referenced product
func (e *Engine) AllProducts() []*product.Product {
	return e.products.All()
}

// ActivationState reports the product's activation state
func (e *Engine) ActivationState(productID string) activation.State {
	return e.activation.State(productID)
}

// ActivateProduct activates with the given credentials, or shows the license
// dialog when either is empty.
func (e *Engine) ActivateProduct(ctx context.Context, productID, email, licenseCode string, completion activation.Completion) {
	e.activate(ctx, productID, email, licenseCode, completion)
}

// CancelActivation abandons an in-flight activation
func (e *Engine) CancelActivation(ctx context.Context, productID string) bool {
	return e.activation.Cancel(ctx, productID)
}

// DeactivateProduct releases the product's license on this device
func (e *Engine) DeactivateProduct(ctx context.Context, productID string, completion activation.Completion) {
	octx, done, ok := e.begin(ctx)
	if !ok {
		e.refuse(ctx, func(qctx context.Context) {
			e.trackActivation(done, completion)(qctx, activation.OutcomeFailed, errEngineClosed)
		})
		return
	}
	e.activation.Deactivate(octx, productID, e.trackActivation(done, completion))
}

// ValidateProduct checks the product's stored license with the vendor
func (e *Engine) ValidateProduct(ctx context.Context, productID string) (vendor.Validity, error) {
	octx, done, ok := e.begin(ctx)
	if !ok {
		return vendor.ValidityUnknown, errEngineClosed
	}
	defer done()
	return e.activation.Validate(octx, productID)
}

// ShowLicense opens the license dialog: activation for an unactivated
// product, a deactivation confirmation otherwise. A suppressed dialog or
// confirmation ends as Abandoned without rendering.
func (e *Engine) ShowLicense(ctx context.Context, productID string, completion activation.Completion) {
	p := e.products.Get(productID)
	if !p.Activated() {
		e.activate(ctx, productID, "", "", completion)
		return
	}

	octx, done, ok := e.begin(dispatch.Detach(ctx))
	tracked := e.trackActivation(done, completion)
	if !ok {
		e.refuse(ctx, func(qctx context.Context) { tracked(qctx, activation.OutcomeFailed, errEngineClosed) })
		return
	}

	go func(ctx context.Context) {
		logger := e.logger.With(slog.String("product_id", productID))

		decision, err := e.gateway.Decide(ctx, presentation.UILicense, p)
		switch {
		case err != nil:
			logger.WarnContext(ctx, "license dialog unavailable", slog.String("error", err.Error()))
		case decision.Suppressed:
			logger.DebugContext(ctx, "license dialog suppressed by delegate")
		default:
			confirmed, err := e.gateway.ConfirmDeactivation(ctx, p)
			if err == nil && confirmed {
				e.activation.Deactivate(ctx, productID, e.alertOnFailure(p, tracked))
				return
			}
			if errors.Is(err, presentation.ErrSuppressed) {
				logger.DebugContext(ctx, "deactivation confirmation suppressed by delegate")
			} else {
				e.gateway.Dismissed(ctx, presentation.UILicense, presentation.TriggeredCancel, p)
			}
		}

		e.gateway.Dispatch(ctx, func(qctx context.Context) {
			tracked(qctx, activation.OutcomeAbandoned, nil)
		})
	}(octx)
}

// alertOnFailure tells the user why a dialog-driven deactivation failed,
// then hands the outcome on
func (e *Engine) alertOnFailure(p *product.Product, completion activation.Completion) activation.Completion {
	return func(ctx context.Context, outcome activation.Outcome, err error) {
		if err != nil {
			e.gateway.Alert(ctx, presentation.Alert{
				Title:   "Unable to deactivate license",
				Message: err.Error(),
				Product: p,
			})
		}
		completion(ctx, outcome, err)
	}
}

// Checkout opens a vendor checkout page for the product
func (e *Engine) Checkout(ctx context.Context, productID string, options vendor.CheckoutOptions, completion checkout.Completion) {
	e.openCheckout(ctx, productID, options, completion)
}

// CancelCheckout abandons the product's open checkout
func (e *Engine) CancelCheckout(productID string) bool {
	return e.checkout.Cancel(productID)
}

// CheckoutState reports the product's checkout state
func (e *Engine) CheckoutState(productID string) checkout.State {
	return e.checkout.State(productID)
}

// RecoverLicense emails the license codes bought with email
func (e *Engine) RecoverLicense(ctx context.Context, productID, email string, completion recovery.Completion) {
	octx, done, ok := e.begin(ctx)
	if !ok {
		e.refuse(ctx, func(qctx context.Context) { e.trackRecovery(done, completion)(qctx, false, errEngineClosed) })
		return
	}
	e.recovery.Recover(octx, productID, email, e.trackRecovery(done, completion))
}

// ShowLicenseRecovery asks the user for their purchase email and recovers
func (e *Engine) ShowLicenseRecovery(ctx context.Context, productID string, completion recovery.Completion) {
	octx, done, ok := e.begin(ctx)
	if !ok {
		e.refuse(ctx, func(qctx context.Context) { e.trackRecovery(done, completion)(qctx, false, errEngineClosed) })
		return
	}
	e.recovery.ShowRecovery(octx, productID, e.trackRecovery(done, completion))
}

// RefreshProductInfo fetches the vendor's product details into the cache
func (e *Engine) RefreshProductInfo(ctx context.Context, productID string) error {
	info, err := e.vendor.ProductInfo(ctx, productID)
	if err != nil {
		return err
	}
	e.products.Get(productID).CacheDetails(product.Details{
		Name:        info.Name,
		Price:       info.Price,
		Currency:    info.Currency,
		TrialLength: info.TrialLength,
	})
	return nil
}

// ShowProductAccess shows the product access dialog and routes the user's
// choice. Cancelling with an expired trial exits the process when ForceExit
// is set.
func (e *Engine) ShowProductAccess(ctx context.Context, productID string, completion AccessCompletion) {
	p := e.products.Get(productID)
	octx, done, ok := e.begin(dispatch.Detach(ctx))
	if !ok {
		e.logger.WarnContext(ctx, "product access dialog requested while closing")
		return
	}
	go func() {
		defer done()
		e.runProductAccess(octx, p, completion)
	}()
}

func (e *Engine) runProductAccess(ctx context.Context, p *product.Product, completion AccessCompletion) {
	logger := e.logger.With(slog.String("product_id", p.ID))

	decision, err := e.gateway.Decide(ctx, presentation.UIProduct, p)
	if err != nil || decision.Suppressed {
		logger.DebugContext(ctx, "product access dialog not shown")
		return
	}

	if !p.HasCachedDetails() {
		if err := e.RefreshProductInfo(ctx, p.ID); err != nil {
			logger.DebugContext(ctx, "using fallback product details", slog.String("error", err.Error()))
		}
	}

	now := e.now()
	choice, err := e.gateway.ShowProductAccess(ctx, presentation.ProductAccessView{
		Product:            p,
		Details:            p.Details(),
		Activated:          p.Activated(),
		TrialDaysRemaining: p.TrialDaysRemaining(now),
		Mode:               decision.Mode,
	})
	if err != nil {
		choice = presentation.ChoiceCancel
	}
	logger.InfoContext(ctx, "product access choice", slog.Int("choice", int(choice)))

	switch choice {
	case presentation.ChoiceCheckout:
		e.gateway.Dismissed(ctx, presentation.UIProduct, presentation.TriggeredShowCheckout, p)
		e.openCheckout(context.WithoutCancel(ctx), p.ID, vendor.CheckoutOptions{}, nil)
	case presentation.ChoiceActivate:
		e.gateway.Dismissed(ctx, presentation.UIProduct, presentation.TriggeredShowActivate, p)
		e.activate(context.WithoutCancel(ctx), p.ID, "", "", nil)
	case presentation.ChoiceContinueTrial:
		e.gateway.Dismissed(ctx, presentation.UIProduct, presentation.TriggeredContinueTrial, p)
	default:
		e.gateway.Dismissed(ctx, presentation.UIProduct, presentation.TriggeredCancel, p)
		if e.opts.ForceExit && p.TrialExpired(now) {
			logger.WarnContext(ctx, "trial expired and access dialog cancelled, exiting")
			e.exit(0)
			return
		}
	}

	if completion != nil {
		e.gateway.Dispatch(ctx, func(qctx context.Context) { completion(qctx, choice) })
	}
}

// SubscribeEmail adds the address to the vendor's mailing list. Failures only
// reach the delegate.
func (e *Engine) SubscribeEmail(ctx context.Context, productID, email string, consent bool) {
	finish := e.metrics.Begin(ctx, telemetry.OpSubscribe)
	report := func(ctx context.Context, err error) {
		finish("failed")
		e.gateway.Dispatch(ctx, func(qctx context.Context) {
			e.gateway.ReportError(qctx, lkerrors.AsRecord(lkerrors.DomainEngine, err))
		})
	}

	if err := e.validate.Var(email, "required,email"); err != nil {
		report(ctx, lkerrors.InvalidInput(lkerrors.DomainEngine, "email address is not valid"))
		return
	}

	octx, done, ok := e.begin(dispatch.Detach(ctx))
	if !ok {
		finish("dropped")
		return
	}
	go func(ctx context.Context) {
		defer done()
		if err := e.vendor.SubscribeEmail(ctx, productID, email, consent); err != nil {
			e.logger.WarnContext(ctx, "email subscription failed",
				slog.String("product_id", productID),
				slog.String("email", infrastructure.MaskEmail(email)),
				slog.String("error", err.Error()),
			)
			report(ctx, err)
			return
		}
		finish("sent")
	}(octx)
}
