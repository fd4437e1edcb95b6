package testutil

import (
	"context"
	"sync"

	"licensekit/internal/dispatch"
	lkerrors "licensekit/internal/errors"
	"licensekit/internal/presentation"
	"licensekit/internal/product"
	"licensekit/internal/vendor"
)

// FakeVendor is a scriptable vendor.Client. Unset funcs succeed.
type FakeVendor struct {
	ActivateFunc    func(ctx context.Context, req vendor.ActivateRequest) (vendor.Activation, error)
	DeactivateFunc  func(ctx context.Context, productID, licenseCode, activationID string) error
	ValidateFunc    func(ctx context.Context, productID, licenseCode, fingerprint string) (vendor.Validity, error)
	RecoverFunc     func(ctx context.Context, productID, email string) error
	SubscribeFunc   func(ctx context.Context, productID, email string, consent bool) error
	CheckoutFunc    func(ctx context.Context, req vendor.CheckoutRequest) (vendor.Session, error)
	ProductInfoFunc func(ctx context.Context, productID string) (vendor.ProductInfo, error)

	mu          sync.Mutex
	calls       map[string]int
	activations []vendor.ActivateRequest
}

var _ vendor.Client = (*FakeVendor)(nil)

// NewFakeVendor creates a vendor that accepts everything
func NewFakeVendor() *FakeVendor {
	return &FakeVendor{calls: make(map[string]int)}
}

func (f *FakeVendor) record(call string) {
	f.mu.Lock()
	f.calls[call]++
	f.mu.Unlock()
}

// Calls returns how often the named method was called
func (f *FakeVendor) Calls(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[call]
}

// TotalCalls returns the number of calls across all methods
func (f *FakeVendor) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// Activations returns the activation requests received so far
func (f *FakeVendor) Activations() []vendor.ActivateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vendor.ActivateRequest(nil), f.activations...)
}

func (f *FakeVendor) Activate(ctx context.Context, req vendor.ActivateRequest) (vendor.Activation, error) {
	f.record("activate")
	f.mu.Lock()
	f.activations = append(f.activations, req)
	f.mu.Unlock()
	if f.ActivateFunc != nil {
		return f.ActivateFunc(ctx, req)
	}
	return vendor.Activation{LicenseCode: req.LicenseCode, ActivationID: "act-" + req.LicenseCode, Email: req.Email}, nil
}

func (f *FakeVendor) Deactivate(ctx context.Context, productID, licenseCode, activationID string) error {
	f.record("deactivate")
	if f.DeactivateFunc != nil {
		return f.DeactivateFunc(ctx, productID, licenseCode, activationID)
	}
	return nil
}

func (f *FakeVendor) Validate(ctx context.Context, productID, licenseCode, fingerprint string) (vendor.Validity, error) {
	f.record("validate")
	if f.ValidateFunc != nil {
		return f.ValidateFunc(ctx, productID, licenseCode, fingerprint)
	}
	return vendor.ValidityValid, nil
}

func (f *FakeVendor) RecoverByEmail(ctx context.Context, productID, email string) error {
	f.record("recover")
	if f.RecoverFunc != nil {
		return f.RecoverFunc(ctx, productID, email)
	}
	return nil
}

func (f *FakeVendor) SubscribeEmail(ctx context.Context, productID, email string, consent bool) error {
	f.record("subscribe")
	if f.SubscribeFunc != nil {
		return f.SubscribeFunc(ctx, productID, email, consent)
	}
	return nil
}

func (f *FakeVendor) OpenCheckoutSession(ctx context.Context, req vendor.CheckoutRequest) (vendor.Session, error) {
	f.record("checkout")
	if f.CheckoutFunc != nil {
		return f.CheckoutFunc(ctx, req)
	}
	return NewFakeSession("session-" + req.ProductID), nil
}

func (f *FakeVendor) ProductInfo(ctx context.Context, productID string) (vendor.ProductInfo, error) {
	f.record("product")
	if f.ProductInfoFunc != nil {
		return f.ProductInfoFunc(ctx, productID)
	}
	return vendor.ProductInfo{}, lkerrors.Network(lkerrors.DomainVendor, nil)
}

// FakeSession is a checkout session driven by the test
type FakeSession struct {
	id      string
	signals chan vendor.Signal

	mu     sync.Mutex
	closed bool
}

// NewFakeSession creates an open session
func NewFakeSession(id string) *FakeSession {
	return &FakeSession{id: id, signals: make(chan vendor.Signal, 16)}
}

func (s *FakeSession) ID() string                    { return s.id }
func (s *FakeSession) URL() string                   { return "https://checkout.example.com/" + s.id }
func (s *FakeSession) Signals() <-chan vendor.Signal { return s.signals }

// Emit delivers a signal unless the session was closed
func (s *FakeSession) Emit(sig vendor.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.signals <- sig
	}
}

// Pending returns the number of emitted signals not yet received
func (s *FakeSession) Pending() int {
	return len(s.signals)
}

// Close ends the session and its signal stream
func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.signals)
	}
	return nil
}

// Closed reports whether Close was called
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ActivationReply is one scripted answer to an activation prompt
type ActivationReply struct {
	Input presentation.ActivationInput
	Err   error
}

// RecoveryReply is one scripted answer to a recovery prompt
type RecoveryReply struct {
	Email string
	Err   error
}

// RecoveryResult is a recorded ShowRecoveryResult call
type RecoveryResult struct {
	Sent bool
	Err  error
}

// ScriptedRenderer answers dialogs from scripted replies and records every
// call. Exhausted scripts dismiss the dialog. Calls made off the queue are
// counted.
type ScriptedRenderer struct {
	Queue             *dispatch.Queue
	ActivationReplies []ActivationReply
	RecoveryReplies   []RecoveryReply
	Choices           []presentation.ProductAccessChoice
	Confirm           bool
	// HoldActivation leaves activation prompts unanswered
	HoldActivation bool

	mu                sync.Mutex
	offQueue          int
	activationPrompts []presentation.ActivationPrompt
	recoveryPrompts   []presentation.RecoveryPrompt
	accessViews       []presentation.ProductAccessView
	checkoutViews     []presentation.CheckoutView
	closedCheckouts   []presentation.Triggered
	recoveryResults   []RecoveryResult
	alerts            []presentation.Alert
	confirmations     int
}

var _ presentation.Renderer = (*ScriptedRenderer)(nil)

func (r *ScriptedRenderer) check(ctx context.Context) {
	if r.Queue != nil && !r.Queue.OnQueue(ctx) {
		r.offQueue++
	}
}

func (r *ScriptedRenderer) ShowProductAccess(ctx context.Context, view presentation.ProductAccessView, reply func(presentation.ProductAccessChoice)) {
	r.mu.Lock()
	r.check(ctx)
	r.accessViews = append(r.accessViews, view)
	choice := presentation.ChoiceCancel
	if len(r.Choices) > 0 {
		choice, r.Choices = r.Choices[0], r.Choices[1:]
	}
	r.mu.Unlock()
	reply(choice)
}

func (r *ScriptedRenderer) CollectActivation(ctx context.Context, prompt presentation.ActivationPrompt, reply func(presentation.ActivationInput, error)) {
	r.mu.Lock()
	r.check(ctx)
	r.activationPrompts = append(r.activationPrompts, prompt)
	if r.HoldActivation {
		r.mu.Unlock()
		return
	}
	next := ActivationReply{Err: presentation.ErrDismissed}
	if len(r.ActivationReplies) > 0 {
		next, r.ActivationReplies = r.ActivationReplies[0], r.ActivationReplies[1:]
	}
	r.mu.Unlock()
	reply(next.Input, next.Err)
}

func (r *ScriptedRenderer) ConfirmDeactivation(ctx context.Context, _ *product.Product, reply func(bool)) {
	r.mu.Lock()
	r.check(ctx)
	r.confirmations++
	confirm := r.Confirm
	r.mu.Unlock()
	reply(confirm)
}

func (r *ScriptedRenderer) CollectRecoveryEmail(ctx context.Context, prompt presentation.RecoveryPrompt, reply func(string, error)) {
	r.mu.Lock()
	r.check(ctx)
	r.recoveryPrompts = append(r.recoveryPrompts, prompt)
	next := RecoveryReply{Err: presentation.ErrDismissed}
	if len(r.RecoveryReplies) > 0 {
		next, r.RecoveryReplies = r.RecoveryReplies[0], r.RecoveryReplies[1:]
	}
	r.mu.Unlock()
	reply(next.Email, next.Err)
}

func (r *ScriptedRenderer) ShowRecoveryResult(ctx context.Context, _ *product.Product, sent bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.check(ctx)
	r.recoveryResults = append(r.recoveryResults, RecoveryResult{Sent: sent, Err: err})
}

func (r *ScriptedRenderer) ShowCheckout(ctx context.Context, view presentation.CheckoutView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.check(ctx)
	r.checkoutViews = append(r.checkoutViews, view)
}

func (r *ScriptedRenderer) CloseCheckout(ctx context.Context, _ string, triggered presentation.Triggered) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.check(ctx)
	r.closedCheckouts = append(r.closedCheckouts, triggered)
}

func (r *ScriptedRenderer) ShowAlert(ctx context.Context, alert presentation.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.check(ctx)
	r.alerts = append(r.alerts, alert)
}

// OffQueueCalls returns how many renderer calls ran off the dispatch queue
func (r *ScriptedRenderer) OffQueueCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offQueue
}

// ActivationPrompts returns the activation prompts shown so far
func (r *ScriptedRenderer) ActivationPrompts() []presentation.ActivationPrompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presentation.ActivationPrompt(nil), r.activationPrompts...)
}

// RecoveryPrompts returns the recovery prompts shown so far
func (r *ScriptedRenderer) RecoveryPrompts() []presentation.RecoveryPrompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presentation.RecoveryPrompt(nil), r.recoveryPrompts...)
}

// AccessViews returns the product access dialogs shown so far
func (r *ScriptedRenderer) AccessViews() []presentation.ProductAccessView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presentation.ProductAccessView(nil), r.accessViews...)
}

// CheckoutViews returns the checkout pages shown so far
func (r *ScriptedRenderer) CheckoutViews() []presentation.CheckoutView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presentation.CheckoutView(nil), r.checkoutViews...)
}

// ClosedCheckouts returns the trigger of every CloseCheckout call
func (r *ScriptedRenderer) ClosedCheckouts() []presentation.Triggered {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presentation.Triggered(nil), r.closedCheckouts...)
}

// RecoveryResults returns the recovery results shown so far
func (r *ScriptedRenderer) RecoveryResults() []RecoveryResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecoveryResult(nil), r.recoveryResults...)
}

// Alerts returns the alerts shown so far
func (r *ScriptedRenderer) Alerts() []presentation.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presentation.Alert(nil), r.alerts...)
}

// Confirmations returns how often deactivation was confirmed or declined
func (r *ScriptedRenderer) Confirmations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmations
}

// Dismissal is a recorded DidDismiss call
type Dismissal struct {
	Kind      presentation.UIKind
	Triggered presentation.Triggered
	ProductID string
}

// RecordingDelegate records every delegate call. Decisions override the
// default window decision per UI kind.
type RecordingDelegate struct {
	Queue        *dispatch.Queue
	Decisions    map[presentation.UIKind]presentation.Decision
	RejectAlerts bool

	mu         sync.Mutex
	offQueue   int
	asked      []presentation.UIKind
	dismissals []Dismissal
	errs       []lkerrors.ErrorRecord
}

var _ presentation.Delegate = (*RecordingDelegate)(nil)

func (d *RecordingDelegate) check(ctx context.Context) {
	if d.Queue != nil && !d.Queue.OnQueue(ctx) {
		d.offQueue++
	}
}

func (d *RecordingDelegate) WillShow(ctx context.Context, kind presentation.UIKind, _ *product.Product) presentation.Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.check(ctx)
	d.asked = append(d.asked, kind)
	if dec, ok := d.Decisions[kind]; ok {
		return dec
	}
	return presentation.Decision{Mode: presentation.DisplayWindow}
}

func (d *RecordingDelegate) DidDismiss(ctx context.Context, kind presentation.UIKind, triggered presentation.Triggered, p *product.Product) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.check(ctx)
	id := ""
	if p != nil {
		id = p.ID
	}
	d.dismissals = append(d.dismissals, Dismissal{Kind: kind, Triggered: triggered, ProductID: id})
}

func (d *RecordingDelegate) WillShowAlert(ctx context.Context, _ presentation.Alert) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.check(ctx)
	return !d.RejectAlerts
}

func (d *RecordingDelegate) DidError(ctx context.Context, err lkerrors.ErrorRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.check(ctx)
	d.errs = append(d.errs, err)
}

// OffQueueCalls returns how many delegate calls ran off the dispatch queue
func (d *RecordingDelegate) OffQueueCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offQueue
}

// Asked returns the UI kinds WillShow was consulted for
func (d *RecordingDelegate) Asked() []presentation.UIKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]presentation.UIKind(nil), d.asked...)
}

// Dismissals returns the recorded DidDismiss calls
func (d *RecordingDelegate) Dismissals() []Dismissal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Dismissal(nil), d.dismissals...)
}

// Errors returns the errors reported through DidError
func (d *RecordingDelegate) Errors() []lkerrors.ErrorRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]lkerrors.ErrorRecord(nil), d.errs...)
}

// Drain waits until every task queued on q so far has run
func Drain(q *dispatch.Queue) {
	_, _ = dispatch.Call(context.Background(), q, func(context.Context) struct{} { return struct{}{} })
}
