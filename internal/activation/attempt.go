package activation

import (
	"context"
	"sync"
	"time"

	lkerrors "licensekit/internal/errors"
	"licensekit/internal/presentation"
	"licensekit/internal/product"
	"licensekit/internal/telemetry"
)

type attemptKind int

const (
	attemptActivate attemptKind = iota
	attemptDeactivate
	attemptValidate
)

func (k attemptKind) operation() string {
	switch k {
	case attemptDeactivate:
		return telemetry.OpDeactivate
	case attemptValidate:
		return telemetry.OpValidate
	default:
		return telemetry.OpActivate
	}
}

// Attempt is one activation or deactivation call. It lives until its
// completion has been dispatched.
type Attempt struct {
	ID          string
	Product     *product.Product
	Email       string
	LicenseCode string
	StartedAt   time.Time

	kind        attemptKind
	fingerprint string
	completion  Completion
	gateway     *presentation.Gateway
	release     func(*Attempt)
	finish      func(outcome string)

	mu       sync.Mutex
	claimed  bool
	uiShown  bool
	cancelFn context.CancelFunc
}

func (m *Machine) newAttempt(ctx context.Context, kind attemptKind, p *product.Product, email, code string, completion Completion) *Attempt {
	return &Attempt{
		ID:          newAttemptID(),
		Product:     p,
		Email:       email,
		LicenseCode: code,
		StartedAt:   m.now(),
		kind:        kind,
		completion:  completion,
		gateway:     m.gateway,
		finish:      m.metrics.Begin(ctx, kind.operation()),
	}
}

// acquire registers a as the product's in-flight attempt. False means another
// attempt holds the product.
func (m *Machine) acquire(a *Attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[a.Product.ID]; busy {
		return false
	}
	m.inflight[a.Product.ID] = a
	a.release = m.releaseAttempt
	return true
}

func (m *Machine) releaseAttempt(a *Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[a.Product.ID] == a {
		delete(m.inflight, a.Product.ID)
	}
}

// claim marks the attempt as decided. Only the first caller wins; everyone
// else must drop their result.
func (a *Attempt) claim() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.claimed {
		return false
	}
	a.claimed = true
	return true
}

func (a *Attempt) isClaimed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.claimed
}

func (a *Attempt) markUIShown() {
	a.mu.Lock()
	a.uiShown = true
	a.mu.Unlock()
}

func (a *Attempt) shownUI() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uiShown
}

func (a *Attempt) setCancel(cancel context.CancelFunc) {
	a.mu.Lock()
	a.cancelFn = cancel
	a.mu.Unlock()
}

func (a *Attempt) cancel() {
	a.mu.Lock()
	cancel := a.cancelFn
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// resolve frees the product and delivers the outcome on the dispatch queue.
// Callers must hold the claim. Without a completion, errors go to the
// delegate.
func (a *Attempt) resolve(ctx context.Context, outcome Outcome, err error) {
	if a.release != nil {
		a.release(a)
	}
	a.finish(outcome.String())

	var rec lkerrors.ErrorRecord
	if err != nil {
		rec = lkerrors.AsRecord(lkerrors.DomainActivation, err)
	}
	completion := a.completion
	a.gateway.Dispatch(ctx, func(qctx context.Context) {
		if completion != nil {
			if err != nil {
				completion(qctx, outcome, rec)
				return
			}
			completion(qctx, outcome, nil)
			return
		}
		if err != nil {
			a.gateway.ReportError(qctx, rec)
		}
	})
}
