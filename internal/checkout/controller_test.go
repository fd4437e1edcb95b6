package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"licensekit/internal/dispatch"
	lkerrors "licensekit/internal/errors"
	"licensekit/internal/presentation"
	"licensekit/internal/product"
	"licensekit/internal/shared/testutil"
	"licensekit/internal/vendor"
)

type outcome struct {
	result  Result
	err     error
	onQueue bool
}

type ControllerSuite struct {
	suite.Suite

	q        *dispatch.Queue
	vendor   *testutil.FakeVendor
	renderer *testutil.ScriptedRenderer
	delegate *testutil.RecordingDelegate
	ctrl     *Controller
	sessions chan *testutil.FakeSession
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

func (s *ControllerSuite) SetupTest() {
	s.q = dispatch.NewQueue(nil, 32)
	s.vendor = testutil.NewFakeVendor()
	s.renderer = &testutil.ScriptedRenderer{Queue: s.q}
	s.delegate = &testutil.RecordingDelegate{Queue: s.q}
	s.sessions = make(chan *testutil.FakeSession, 4)
	s.vendor.CheckoutFunc = func(_ context.Context, req vendor.CheckoutRequest) (vendor.Session, error) {
		sess := testutil.NewFakeSession("session-" + req.ProductID)
		s.sessions <- sess
		return sess, nil
	}
	s.ctrl = s.newController(Options{LoadTimeout: time.Second, OrderTimeout: time.Second})
}

func (s *ControllerSuite) TearDownTest() {
	s.q.Close()
}

func (s *ControllerSuite) newController(opts Options) *Controller {
	logger, _ := testutil.NewTestLogger(s.T())
	return New(Deps{
		Products: product.NewRegistry(nil),
		Vendor:   s.vendor,
		Gateway:  presentation.NewGateway(s.q, s.delegate, s.renderer, logger),
		Logger:   logger,
	}, opts)
}

func (s *ControllerSuite) open(productID string, opts vendor.CheckoutOptions) <-chan outcome {
	ch := make(chan outcome, 4)
	s.ctrl.Open(context.Background(), productID, opts, func(ctx context.Context, r Result, err error) {
		ch <- outcome{result: r, err: err, onQueue: s.q.OnQueue(ctx)}
	})
	return ch
}

func (s *ControllerSuite) session() *testutil.FakeSession {
	select {
	case sess := <-s.sessions:
		return sess
	case <-time.After(2 * time.Second):
		s.FailNow("checkout session never opened")
		return nil
	}
}

func (s *ControllerSuite) await(ch <-chan outcome) outcome {
	var o outcome
	select {
	case o = <-ch:
	case <-time.After(3 * time.Second):
		s.FailNow("checkout never resolved")
	}
	testutil.Drain(s.q)
	s.Empty(ch, "checkout resolved more than once")
	s.True(o.onQueue, "completion must run on the dispatch queue")
	return o
}

func (s *ControllerSuite) TestPurchased() {
	ch := s.open("P1", vendor.CheckoutOptions{Email: "buyer@example.com", Quantity: 2})
	sess := s.session()

	sess.Emit(vendor.Signal{Kind: vendor.SignalOpened})
	sess.Emit(vendor.Signal{Kind: vendor.SignalClosed, Checkout: &vendor.CheckoutData{CheckoutID: "chk-1", Email: "buyer@example.com"}})
	sess.Emit(vendor.Signal{Kind: vendor.SignalOrderConfirmed, Order: &vendor.Order{OrderID: "ord-1", State: vendor.OrderProcessed}})

	o := s.await(ch)
	s.NoError(o.err)
	s.Equal(StatePurchased, o.result.State)
	s.Equal("session-P1", o.result.SessionID)

	data := o.result.Data()
	s.Equal(map[string]any{"checkout_id": "chk-1", "email": "buyer@example.com"}, data["checkout"])
	order, ok := data["order"].(map[string]any)
	s.Require().True(ok)
	s.Equal("processed", order["state"])
	s.Equal("ord-1", order["order_id"])

	s.True(sess.Closed())
	s.Equal([]presentation.Triggered{presentation.TriggeredFinished}, s.renderer.ClosedCheckouts())
	s.Require().Len(s.renderer.CheckoutViews(), 1)
	s.Equal(sess.URL(), s.renderer.CheckoutViews()[0].URL)
	s.Equal(StateNotStarted, s.ctrl.State("P1"), "finished sessions are discarded")
	s.Zero(s.renderer.OffQueueCalls())
	s.Zero(s.delegate.OffQueueCalls())
}

func (s *ControllerSuite) TestOrderAfterProcessing() {
	ch := s.open("P1", vendor.CheckoutOptions{})
	sess := s.session()

	sess.Emit(vendor.Signal{Kind: vendor.SignalOpened})
	sess.Emit(vendor.Signal{Kind: vendor.SignalClosed, Checkout: &vendor.CheckoutData{CheckoutID: "chk-1"}})
	sess.Emit(vendor.Signal{Kind: vendor.SignalOrderConfirmed, Order: &vendor.Order{OrderID: "ord-1", State: vendor.OrderProcessing}})
	sess.Emit(vendor.Signal{Kind: vendor.SignalOrderConfirmed, Order: &vendor.Order{OrderID: "ord-1", State: vendor.OrderProcessed}})

	s.Equal(StatePurchased, s.await(ch).result.State)
}

func (s *ControllerSuite) TestAbandonedWithoutData() {
	ch := s.open("P1", vendor.CheckoutOptions{})
	sess := s.session()

	sess.Emit(vendor.Signal{Kind: vendor.SignalOpened})
	sess.Emit(vendor.Signal{Kind: vendor.SignalClosed})

	o := s.await(ch)
	s.NoError(o.err)
	s.Equal(StateAbandoned, o.result.State)
	s.Empty(o.result.Data())
	s.Equal([]presentation.Triggered{presentation.TriggeredCancel}, s.renderer.ClosedCheckouts())
	s.Equal(presentation.TriggeredCancel, s.delegate.Dismissals()[0].Triggered)
}

func (s *ControllerSuite) TestPendingOrderSurvivesClose() {
	ch := s.open("P1", vendor.CheckoutOptions{})
	sess := s.session()

	sess.Emit(vendor.Signal{Kind: vendor.SignalOpened})
	sess.Emit(vendor.Signal{Kind: vendor.SignalOrderConfirmed, Order: &vendor.Order{OrderID: "ord-1", State: vendor.OrderProcessing}})
	sess.Emit(vendor.Signal{Kind: vendor.SignalClosed})
	sess.Emit(vendor.Signal{Kind: vendor.SignalOrderConfirmed, Order: &vendor.Order{OrderID: "ord-1", State: vendor.OrderProcessed}})

	o := s.await(ch)
	s.NoError(o.err)
	s.Equal(StatePurchased, o.result.State)
	s.Contains(o.result.Data(), "order")
}

func (s *ControllerSuite) TestPendingOrderSurvivesHostClose() {
	s.ctrl = s.newController(Options{LoadTimeout: time.Second, OrderTimeout: 50 * time.Millisecond})
	ch := s.open("P1", vendor.CheckoutOptions{})
	sess := s.session()

	sess.Emit(vendor.Signal{Kind: vendor.SignalOpened})
	sess.Emit(vendor.Signal{Kind: vendor.SignalOrderConfirmed, Order: &vendor.Order{OrderID: "ord-1", State: vendor.OrderProcessing}})
	s.Require().Eventually(func() bool { return sess.Pending() == 0 }, time.Second, 5*time.Millisecond)
	s.Require().Eventually(func() bool { return len(s.renderer.CheckoutViews()) == 1 }, time.Second, 5*time.Millisecond)
	s.renderer.CheckoutViews()[0].OnClose()

	o := s.await(ch)
	s.Equal(StateFailed, o.result.State, "an order in flight is never reported as abandoned")
	s.ErrorIs(o.err, lkerrors.ErrTimeout)
}

func (s *ControllerSuite) TestHostCloseIsAbandoned() {
	ch := s.open("P1", vendor.CheckoutOptions{})
	sess := s.session()
	sess.Emit(vendor.Signal{Kind: vendor.SignalOpened})

	s.Require().Eventually(func() bool { return len(s.renderer.CheckoutViews()) == 1 }, time.Second, 5*time.Millisecond)
	s.renderer.CheckoutViews()[0].OnClose()

	s.Equal(StateAbandoned, s.await(ch).result.State)
}

func (s *ControllerSuite) TestFlaggedHasNoOrder() {
	ch := s.open("P1", vendor.CheckoutOptions{})
	sess := s.session()

	sess.Emit(vendor.Signal{Kind: vendor.SignalOpened})
	sess.Emit(vendor.Signal{Kind: vendor.SignalClosed, Checkout: &vendor.CheckoutData{CheckoutID: "chk-1", Email: "buyer@example.com"}})
	sess.Emit(vendor.Signal{Kind: vendor.SignalOrderConfirmed, Order: &vendor.Order{OrderID: "ord-1", State: vendor.OrderFlagged}})

	o := s.await(ch)
	s.NoError(o.err)
	s.Equal(StateFlagged, o.result.State)
	data := o.result.Data()
	s.Contains(data, "checkout")
	s.NotContains(data, "order")
}

func (s *ControllerSuite) TestLoadTimeout() {
	s.ctrl = s.newController(Options{LoadTimeout: 30 * time.Millisecond, OrderTimeout: time.Second})
	ch := s.open("P1", vendor.CheckoutOptions{})
	sess := s.session()

	o := s.await(ch)
	s.Equal(StateFailed, o.result.State)
	s.ErrorIs(o.err, lkerrors.ErrTimeout)
	s.True(sess.Closed())
}

func (s *ControllerSuite) TestOrderTimeoutKeepsCheckoutData() {
	s.ctrl = s.newController(Options{LoadTimeout: time.Second, OrderTimeout: 30 * time.Millisecond})
	ch := s.open("P1", vendor.CheckoutOptions{})
	sess := s.session()

	sess.Emit(vendor.Signal{Kind: vendor.SignalOpened})
	sess.Emit(vendor.Signal{Kind: vendor.SignalClosed, Checkout: &vendor.CheckoutData{CheckoutID: "chk-1"}})

	o := s.await(ch)
	s.Equal(StateFailed, o.result.State)
	s.ErrorIs(o.err, lkerrors.ErrTimeout)
	s.Contains(o.result.Data(), "checkout")
	s.NotContains(o.result.Data(), "order")
}

func (s *ControllerSuite) TestSessionError() {
	ch := s.open("P1", vendor.CheckoutOptions{})
	sess := s.session()
	sess.Emit(vendor.Signal{Kind: vendor.SignalError, Err: lkerrors.Network(lkerrors.DomainVendor, nil)})

	o := s.await(ch)
	s.Equal(StateFailed, o.result.State)
	s.ErrorIs(o.err, lkerrors.ErrNetworkFailure)
}

func (s *ControllerSuite) TestOpenFailure() {
	s.vendor.CheckoutFunc = func(context.Context, vendor.CheckoutRequest) (vendor.Session, error) {
		return nil, lkerrors.Rejected(lkerrors.DomainVendor, "product is not for sale")
	}
	o := s.await(s.open("P1", vendor.CheckoutOptions{}))

	s.Equal(StateFailed, o.result.State)
	s.ErrorIs(o.err, lkerrors.ErrServerRejected)
	s.Empty(s.renderer.CheckoutViews())
	s.Empty(s.renderer.ClosedCheckouts())
}

func (s *ControllerSuite) TestBusy() {
	first := s.open("P1", vendor.CheckoutOptions{})
	sess := s.session()
	sess.Emit(vendor.Signal{Kind: vendor.SignalOpened})
	s.Require().Eventually(func() bool { return s.ctrl.State("P1") == StateActive }, time.Second, 5*time.Millisecond)

	o := s.await(s.open("P1", vendor.CheckoutOptions{}))
	s.Equal(StateFailed, o.result.State)
	s.ErrorIs(o.err, lkerrors.ErrBusy)
	s.Equal(1, s.vendor.Calls("checkout"))

	sess.Emit(vendor.Signal{Kind: vendor.SignalClosed})
	s.Equal(StateAbandoned, s.await(first).result.State)
}

func (s *ControllerSuite) TestInvalidOptions() {
	o := s.await(s.open("P1", vendor.CheckoutOptions{Email: "nope", Country: "USA"}))

	s.Equal(StateFailed, o.result.State)
	s.ErrorIs(o.err, lkerrors.ErrInvalidInput)
	s.Zero(s.vendor.TotalCalls())
}

func (s *ControllerSuite) TestSuppressionIgnored() {
	s.delegate.Decisions = map[presentation.UIKind]presentation.Decision{
		presentation.UICheckout: presentation.Suppress(),
	}
	ch := s.open("P1", vendor.CheckoutOptions{})
	sess := s.session()
	sess.Emit(vendor.Signal{Kind: vendor.SignalClosed})

	s.await(ch)
	s.Len(s.renderer.CheckoutViews(), 1)
}

func (s *ControllerSuite) TestCancel() {
	ch := s.open("P1", vendor.CheckoutOptions{})
	sess := s.session()
	sess.Emit(vendor.Signal{Kind: vendor.SignalOpened})
	s.Require().Eventually(func() bool { return s.ctrl.State("P1") == StateActive }, time.Second, 5*time.Millisecond)

	s.True(s.ctrl.Cancel("P1"))
	s.Equal(StateAbandoned, s.await(ch).result.State)
	s.False(s.ctrl.Cancel("P1"))
}

func (s *ControllerSuite) TestNilCompletionReportsError() {
	s.vendor.CheckoutFunc = func(context.Context, vendor.CheckoutRequest) (vendor.Session, error) {
		return nil, lkerrors.Network(lkerrors.DomainVendor, nil)
	}
	s.ctrl.Open(context.Background(), "P1", vendor.CheckoutOptions{}, nil)

	s.Require().Eventually(func() bool { return len(s.delegate.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	s.Equal(lkerrors.KindNetworkFailure, s.delegate.Errors()[0].Code)
}

func TestResultData(t *testing.T) {
	order := &vendor.Order{OrderID: "ord-1", State: vendor.OrderProcessed}

	assert.Empty(t, Result{State: StateAbandoned}.Data())
	assert.NotContains(t, Result{State: StateFailed, Order: order}.Data(), "order")

	data := Result{State: StatePurchased, Order: order}.Data()
	require.Contains(t, data, "order")
	assert.NotContains(t, data, "checkout")
	assert.Equal(t, map[string]any{"order_id": "ord-1", "state": "processed", "is_subscription": false}, data["order"])
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateOpening.Terminal())
	assert.False(t, StateActive.Terminal())
	assert.True(t, StatePurchased.Terminal())
	assert.True(t, StateFlagged.Terminal())
	assert.Equal(t, "not_started", StateNotStarted.String())
}
