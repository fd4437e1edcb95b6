// Package checkout drives a vendor checkout page from opening to a
// classified purchase outcome.
package checkout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"licensekit/internal/dispatch"
	lkerrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	"licensekit/internal/presentation"
	"licensekit/internal/product"
	"licensekit/internal/telemetry"
	"licensekit/internal/vendor"
)

const (
	defaultLoadTimeout  = 30 * time.Second
	defaultOrderTimeout = 2 * time.Minute
)

var errStreamEnded = errors.New("signal stream ended before the order was confirmed")

// Options tunes the controller's deadlines
type Options struct {
	// LoadTimeout bounds the wait for the page to report it opened.
	LoadTimeout time.Duration
	// OrderTimeout bounds the wait for an order after the page closed with
	// checkout data.
	OrderTimeout time.Duration
}

// Deps are the collaborators of a Controller
type Deps struct {
	Products *product.Registry
	Vendor   vendor.Client
	Gateway  *presentation.Gateway
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Controller runs at most one checkout session per product
type Controller struct {
	products *product.Registry
	vendor   vendor.Client
	gateway  *presentation.Gateway
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	opts     Options
	validate *validator.Validate

	mu     sync.Mutex
	active map[string]*session
}

type session struct {
	id         string
	product    *product.Product
	completion Completion
	finish     func(outcome string)
	cancel     context.CancelFunc

	mu      sync.Mutex
	state   State
	claimed bool
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return false
	}
	s.claimed = true
	return true
}

// New creates a checkout controller
func New(deps Deps, opts Options) *Controller {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaultLoadTimeout
	}
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = defaultOrderTimeout
	}
	return &Controller{
		products: deps.Products,
		vendor:   deps.Vendor,
		gateway:  deps.Gateway,
		metrics:  deps.Metrics,
		logger:   infrastructure.WithComponent(deps.Logger, "checkout"),
		opts:     opts,
		validate: validator.New(),
		active:   make(map[string]*session),
	}
}

// State reports the product's current checkout state. Finished sessions are
// discarded, so a product with no session reads NotStarted.
func (c *Controller) State(productID string) State {
	c.mu.Lock()
	s := c.active[productID]
	c.mu.Unlock()
	if s == nil {
		return StateNotStarted
	}
	return s.getState()
}

// Open starts a checkout for the product. The delegate may choose how the
// page is displayed but cannot suppress it.
func (c *Controller) Open(ctx context.Context, productID string, options vendor.CheckoutOptions, completion Completion) {
	s := &session{
		id:         uuid.New().String(),
		product:    c.products.Get(productID),
		completion: completion,
		finish:     c.metrics.Begin(ctx, telemetry.OpCheckout),
	}

	if err := c.validate.Struct(options); err != nil {
		s.claim()
		c.resolve(ctx, s, Result{State: StateFailed}, optionsError(err))
		return
	}

	wctx, cancel := context.WithCancel(dispatch.Detach(ctx))
	s.cancel = cancel
	if !c.acquire(s) {
		cancel()
		s.claim()
		c.resolve(ctx, s, Result{State: StateFailed}, lkerrors.Busy(lkerrors.DomainCheckout, productID))
		return
	}
	go c.run(wctx, s, options)
}

// Cancel abandons the product's open checkout
func (c *Controller) Cancel(productID string) bool {
	c.mu.Lock()
	s := c.active[productID]
	c.mu.Unlock()
	if s == nil {
		return false
	}
	s.cancel()
	return true
}

func (c *Controller) acquire(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[s.product.ID]; busy {
		return false
	}
	c.active[s.product.ID] = s
	return true
}

func (c *Controller) release(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[s.product.ID] == s {
		delete(c.active, s.product.ID)
	}
}

func (c *Controller) run(ctx context.Context, s *session, options vendor.CheckoutOptions) {
	defer s.cancel()

	logger := c.logger.With(
		slog.String("product_id", s.product.ID),
		slog.String("attempt_id", s.id),
	)

	decision, err := c.gateway.Decide(ctx, presentation.UICheckout, s.product)
	if err != nil {
		c.finishSession(ctx, s, nil, Result{State: StateFailed},
			lkerrors.Wrap(lkerrors.DomainCheckout, lkerrors.KindCancelled, "engine is shutting down", err))
		return
	}
	if decision.Suppressed {
		logger.DebugContext(ctx, "checkout cannot be suppressed, showing anyway")
	}
	s.setState(StateOpening)

	loadCtx, cancelLoad := context.WithTimeout(ctx, c.opts.LoadTimeout)
	sess, err := c.vendor.OpenCheckoutSession(loadCtx, vendor.CheckoutRequest{
		ProductID: s.product.ID,
		Options:   options,
	})
	loadErr := loadCtx.Err()
	cancelLoad()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			c.finishSession(ctx, s, nil, Result{State: StateAbandoned}, nil)
		case errors.Is(loadErr, context.DeadlineExceeded):
			c.finishSession(ctx, s, nil, Result{State: StateFailed},
				lkerrors.Wrap(lkerrors.DomainCheckout, lkerrors.KindTimeout, "checkout page did not load in time", err))
		default:
			logger.WarnContext(ctx, "failed to open checkout session", slog.String("error", err.Error()))
			c.finishSession(ctx, s, nil, Result{State: StateFailed}, lkerrors.AsRecord(lkerrors.DomainCheckout, err))
		}
		return
	}

	logger = logger.With(slog.String("session_id", sess.ID()))
	hostClosed := make(chan struct{})
	var closeOnce sync.Once
	c.gateway.ShowCheckout(ctx, presentation.CheckoutView{
		SessionID: sess.ID(),
		URL:       sess.URL(),
		Product:   s.product,
		Mode:      decision.Mode,
		OnClose:   func() { closeOnce.Do(func() { close(hostClosed) }) },
	})

	res, err := c.watch(ctx, s, sess, hostClosed, logger)
	logger.InfoContext(ctx, "checkout finished",
		slog.String("state", res.State.String()),
		slog.Bool("checkout_data", res.Checkout != nil),
	)
	c.finishSession(ctx, s, sess, res, err)
}

// watch follows the session's signals until it can classify the outcome
func (c *Controller) watch(ctx context.Context, s *session, sess vendor.Session, hostClosed <-chan struct{}, logger *slog.Logger) (Result, error) {
	res := Result{SessionID: sess.ID()}

	loadTimer := time.NewTimer(c.opts.LoadTimeout)
	defer loadTimer.Stop()
	loadC := loadTimer.C

	var orderTimer *time.Timer
	var orderC <-chan time.Time
	defer func() {
		if orderTimer != nil {
			orderTimer.Stop()
		}
	}()
	// pendingOrder is set once an order was confirmed but not yet final.
	// A page closing without checkout data is then not an abandonment.
	pendingOrder := false
	awaitOrder := func() {
		if orderTimer == nil {
			logger.DebugContext(ctx, "waiting for order confirmation")
			orderTimer = time.NewTimer(c.opts.OrderTimeout)
			orderC = orderTimer.C
		}
	}

	signals := sess.Signals()
	for {
		select {
		case <-ctx.Done():
			res.State = StateAbandoned
			return res, nil

		case <-loadC:
			res.State = StateFailed
			return res, lkerrors.New(lkerrors.DomainCheckout, lkerrors.KindTimeout, "checkout page did not load in time")

		case <-orderC:
			res.State = StateFailed
			return res, lkerrors.New(lkerrors.DomainCheckout, lkerrors.KindTimeout, "order was not confirmed in time")

		case <-hostClosed:
			hostClosed = nil
			if res.Checkout == nil && !pendingOrder {
				res.State = StateAbandoned
				return res, nil
			}

		case sig, ok := <-signals:
			if !ok {
				signals = nil
				if res.Checkout == nil && !pendingOrder {
					res.State = StateAbandoned
					return res, nil
				}
				res.State = StateFailed
				return res, lkerrors.Network(lkerrors.DomainCheckout, errStreamEnded)
			}

			switch sig.Kind {
			case vendor.SignalOpened:
				if loadC != nil {
					loadTimer.Stop()
					loadC = nil
					s.setState(StateActive)
					logger.DebugContext(ctx, "checkout page opened")
				}

			case vendor.SignalClosed:
				loadC = nil
				if sig.Checkout != nil {
					res.Checkout = sig.Checkout
				}
				if res.Checkout == nil && !pendingOrder {
					res.State = StateAbandoned
					return res, nil
				}
				awaitOrder()

			case vendor.SignalOrderConfirmed:
				loadC = nil
				if sig.Order == nil {
					continue
				}
				switch sig.Order.State {
				case vendor.OrderProcessed:
					res.State = StatePurchased
					res.Order = sig.Order
					return res, nil
				case vendor.OrderFlagged:
					res.State = StateFlagged
					return res, nil
				default:
					pendingOrder = true
					awaitOrder()
				}

			case vendor.SignalError:
				res.State = StateFailed
				if sig.Err == nil {
					return res, lkerrors.Network(lkerrors.DomainCheckout, nil)
				}
				return res, lkerrors.AsRecord(lkerrors.DomainCheckout, sig.Err)
			}
		}
	}
}

// finishSession closes the page and the session, then resolves the attempt.
// sess is nil when no page was shown.
func (c *Controller) finishSession(ctx context.Context, s *session, sess vendor.Session, res Result, err error) {
	if !s.claim() {
		return
	}
	s.setState(res.State)

	if sess != nil {
		if cerr := sess.Close(); cerr != nil {
			c.logger.DebugContext(ctx, "failed to close checkout session", slog.String("error", cerr.Error()))
		}
		triggered := presentation.TriggeredFinished
		if res.State == StateAbandoned {
			triggered = presentation.TriggeredCancel
		}
		c.gateway.CloseCheckout(ctx, sess.ID(), triggered)
		c.gateway.Dismissed(ctx, presentation.UICheckout, triggered, s.product)
	}
	c.resolve(ctx, s, res, err)
}

// resolve frees the product and delivers the result on the dispatch queue.
// Without a completion, errors go to the delegate.
func (c *Controller) resolve(ctx context.Context, s *session, res Result, err error) {
	c.release(s)
	s.finish(res.State.String())

	var rec lkerrors.ErrorRecord
	if err != nil {
		rec = lkerrors.AsRecord(lkerrors.DomainCheckout, err)
	}
	completion := s.completion
	c.gateway.Dispatch(ctx, func(qctx context.Context) {
		switch {
		case completion != nil && err != nil:
			completion(qctx, res, rec)
		case completion != nil:
			completion(qctx, res, nil)
		case err != nil:
			c.gateway.ReportError(qctx, rec)
		}
	})
}

func optionsError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return lkerrors.InvalidInput(lkerrors.DomainCheckout, "checkout option "+verrs[0].Field()+" is not valid")
	}
	return lkerrors.Wrap(lkerrors.DomainCheckout, lkerrors.KindInvalidInput, "invalid checkout options", err)
}
