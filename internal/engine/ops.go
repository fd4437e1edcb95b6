package engine

import (
	"context"
	"sync"

	"licensekit/internal/activation"
	"licensekit/internal/checkout"
	"licensekit/internal/dispatch"
	lkerrors "licensekit/internal/errors"
	"licensekit/internal/recovery"
	"licensekit/internal/vendor"
)

var errEngineClosed = lkerrors.Wrap(lkerrors.DomainEngine, lkerrors.KindCancelled, "engine is closed", dispatch.ErrClosed)

// begin registers an operation with the engine. The returned context ends
// when the caller's does or when Close starts; done must be called exactly
// once when the operation has delivered its outcome. ok is false after Close.
func (e *Engine) begin(ctx context.Context) (octx context.Context, done func(), ok bool) {
	e.opsMu.Lock()
	defer e.opsMu.Unlock()
	if e.closing {
		return ctx, func() {}, false
	}
	e.ops.Add(1)

	octx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.lifetime, cancel)
	var once sync.Once
	return octx, func() {
		once.Do(func() {
			stop()
			cancel()
			e.ops.Done()
		})
	}, true
}

// refuse delivers errEngineClosed for an operation submitted during Close
func (e *Engine) refuse(ctx context.Context, deliver func(qctx context.Context)) {
	e.logger.WarnContext(ctx, "operation submitted while closing")
	e.gateway.Dispatch(ctx, deliver)
}

// Each track* wrapper releases the operation once the outcome is delivered.
// A nil completion keeps its meaning: errors go to the delegate.

func (e *Engine) trackActivation(done func(), completion activation.Completion) activation.Completion {
	return func(ctx context.Context, outcome activation.Outcome, err error) {
		defer done()
		switch {
		case completion != nil:
			completion(ctx, outcome, err)
		case err != nil:
			e.gateway.ReportError(ctx, lkerrors.AsRecord(lkerrors.DomainActivation, err))
		}
	}
}

func (e *Engine) trackCheckout(done func(), completion checkout.Completion) checkout.Completion {
	return func(ctx context.Context, res checkout.Result, err error) {
		defer done()
		switch {
		case completion != nil:
			completion(ctx, res, err)
		case err != nil:
			e.gateway.ReportError(ctx, lkerrors.AsRecord(lkerrors.DomainCheckout, err))
		}
	}
}

func (e *Engine) trackRecovery(done func(), completion recovery.Completion) recovery.Completion {
	return func(ctx context.Context, sent bool, err error) {
		defer done()
		switch {
		case completion != nil:
			completion(ctx, sent, err)
		case err != nil:
			e.gateway.ReportError(ctx, lkerrors.AsRecord(lkerrors.DomainRecovery, err))
		}
	}
}

// activate and openCheckout start tracked operations on behalf of the
// engine's own dialogs

func (e *Engine) activate(ctx context.Context, productID, email, licenseCode string, completion activation.Completion) {
	octx, done, ok := e.begin(ctx)
	if !ok {
		e.refuse(ctx, func(qctx context.Context) {
			e.trackActivation(done, completion)(qctx, activation.OutcomeFailed, errEngineClosed)
		})
		return
	}
	e.activation.Activate(octx, productID, email, licenseCode, e.trackActivation(done, completion))
}

func (e *Engine) openCheckout(ctx context.Context, productID string, options vendor.CheckoutOptions, completion checkout.Completion) {
	octx, done, ok := e.begin(ctx)
	if !ok {
		e.refuse(ctx, func(qctx context.Context) {
			e.trackCheckout(done, completion)(qctx, checkout.Result{State: checkout.StateFailed}, errEngineClosed)
		})
		return
	}
	e.checkout.Open(octx, productID, options, e.trackCheckout(done, completion))
}
