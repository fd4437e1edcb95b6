// Package activation drives a product's entitlement through activation,
// deactivation and validation, reconciling the local License Store with the
// vendor's answers.
//
// One attempt per product may be in flight. Every attempt resolves exactly
// once, on the dispatch queue, with Activated, Deactivated, Abandoned or
// Failed.
package activation

import (
	"context"
	"errors"
	"fmt"
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
	"licensekit/internal/security"
	"licensekit/internal/store"
	"licensekit/internal/telemetry"
	"licensekit/internal/vendor"
)

// Outcome is the terminal result of an attempt
type Outcome int

const (
	OutcomeActivated Outcome = iota
	OutcomeDeactivated
	OutcomeAbandoned
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeActivated:
		return "activated"
	case OutcomeDeactivated:
		return "deactivated"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "failed"
	}
}

// State is where a product stands in the state machine
type State int

const (
	StateUnactivated State = iota
	StateActivating
	StateActivated
	StateDeactivating
)

func (s State) String() string {
	switch s {
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateDeactivating:
		return "deactivating"
	default:
		return "unactivated"
	}
}

// Completion receives the terminal outcome of an attempt on the dispatch
// queue. err is set only for Failed.
type Completion func(ctx context.Context, outcome Outcome, err error)

// Options tunes the state machine
type Options struct {
	// MaxInputRetries bounds how many times a rejected code or email is
	// re-prompted in a UI-driven activation.
	MaxInputRetries int
	// OfflineGracePeriod bounds the age of a stored verification that still
	// counts as valid. Zero means unlimited.
	OfflineGracePeriod time.Duration
}

// Deps are the collaborators of a Machine
type Deps struct {
	Products    *product.Registry
	Store       store.Store
	Vendor      vendor.Client
	Gateway     *presentation.Gateway
	Fingerprint security.Fingerprinter
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// Machine is the activation state machine for every product in a registry
type Machine struct {
	products    *product.Registry
	store       store.Store
	vendor      vendor.Client
	gateway     *presentation.Gateway
	fingerprint security.Fingerprinter
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	opts        Options
	validate    *validator.Validate
	now         func() time.Time

	mu        sync.Mutex
	inflight  map[string]*Attempt
	validated map[string]bool
}

// New creates a state machine
func New(deps Deps, opts Options) *Machine {
	if opts.MaxInputRetries < 0 {
		opts.MaxInputRetries = 0
	}
	return &Machine{
		products:    deps.Products,
		store:       deps.Store,
		vendor:      deps.Vendor,
		gateway:     deps.Gateway,
		fingerprint: deps.Fingerprint,
		metrics:     deps.Metrics,
		logger:      infrastructure.WithComponent(deps.Logger, "activation"),
		opts:        opts,
		validate:    validator.New(),
		now:         time.Now,
		inflight:    make(map[string]*Attempt),
		validated:   make(map[string]bool),
	}
}

// State reports where the product currently stands
func (m *Machine) State(productID string) State {
	m.mu.Lock()
	a := m.inflight[productID]
	m.mu.Unlock()

	if a != nil {
		switch a.kind {
		case attemptActivate:
			return StateActivating
		case attemptDeactivate:
			return StateDeactivating
		}
	}
	if p, ok := m.products.Lookup(productID); ok && p.Activated() {
		return StateActivated
	}
	return StateUnactivated
}

// ValidatedThisSession reports whether the vendor confirmed the product's
// license since the process started
func (m *Machine) ValidatedThisSession(productID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validated[productID]
}

// Restore loads the stored records for this device into the registry
func (m *Machine) Restore(ctx context.Context) ([]store.LicenseRecord, error) {
	fp, err := m.fingerprint.Fingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute device fingerprint: %w", err)
	}
	records, err := m.store.List(ctx, fp)
	if err != nil {
		m.metrics.StoreError(ctx, "list")
		return nil, err
	}

	now := m.now()
	var live []store.LicenseRecord
	for _, rec := range records {
		if !rec.Valid(fp, now, m.opts.OfflineGracePeriod) {
			continue
		}
		m.products.Get(rec.ProductID).Update(func(e *product.Entitlement) {
			applyRecord(e, rec)
		})
		live = append(live, rec)
	}
	m.logger.InfoContext(ctx, "restored stored licenses", slog.Int("count", len(live)))
	return live, nil
}

// Activate binds a license to the product on this device. The dialog is shown
// unless both email and licenseCode are supplied.
func (m *Machine) Activate(ctx context.Context, productID, email, licenseCode string, completion Completion) {
	p := m.products.Get(productID)
	a := m.newAttempt(ctx, attemptActivate, p, email, licenseCode, completion)
	if !m.acquire(a) {
		a.claim()
		a.resolve(ctx, OutcomeFailed, lkerrors.Busy(lkerrors.DomainActivation, productID))
		return
	}

	rec, err := m.storedRecord(ctx, a)
	switch {
	case err == nil && rec.Valid(a.fingerprint, m.now(), m.opts.OfflineGracePeriod):
		// Offline continuity: a valid stored record needs no round trip.
		if a.claim() {
			p.Update(func(e *product.Entitlement) { applyRecord(e, rec) })
			m.logger.InfoContext(ctx, "activation satisfied from store",
				slog.String("product_id", p.ID),
				slog.String("license_code", infrastructure.MaskLicenseCode(rec.LicenseCode)),
			)
			a.resolve(ctx, OutcomeActivated, nil)
		}
		return
	case err != nil && !errors.Is(err, store.ErrNotFound):
		if a.claim() {
			a.resolve(ctx, OutcomeFailed, err)
		}
		return
	}

	wctx, cancel := context.WithCancel(dispatch.Detach(ctx))
	a.setCancel(cancel)
	go m.runActivation(wctx, a)
}

// Cancel abandons the in-flight activation for the product. A response that
// arrives afterwards is ignored.
func (m *Machine) Cancel(ctx context.Context, productID string) bool {
	m.mu.Lock()
	a := m.inflight[productID]
	m.mu.Unlock()

	if a == nil || a.kind != attemptActivate || !a.claim() {
		return false
	}
	a.cancel()
	if a.shownUI() {
		m.gateway.Dismissed(ctx, presentation.UILicense, presentation.TriggeredCancel, a.Product)
	}
	a.resolve(ctx, OutcomeAbandoned, nil)
	return true
}

// Deactivate releases the product's license on the vendor and then locally.
// A failed remote call never removes the stored record.
func (m *Machine) Deactivate(ctx context.Context, productID string, completion Completion) {
	p := m.products.Get(productID)
	a := m.newAttempt(ctx, attemptDeactivate, p, "", "", completion)
	if !m.acquire(a) {
		a.claim()
		a.resolve(ctx, OutcomeFailed, lkerrors.Busy(lkerrors.DomainActivation, productID))
		return
	}

	rec, err := m.storedRecord(ctx, a)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = lkerrors.Wrap(lkerrors.DomainActivation, lkerrors.KindInvalidState, "product is not activated", lkerrors.ErrNotActivated)
		}
		if a.claim() {
			a.resolve(ctx, OutcomeFailed, err)
		}
		return
	}

	go m.runDeactivation(dispatch.Detach(ctx), a, rec)
}

// Validate checks the stored license with the vendor. A license the vendor no
// longer knows is removed; an unreachable vendor leaves the record in place.
func (m *Machine) Validate(ctx context.Context, productID string) (vendor.Validity, error) {
	p := m.products.Get(productID)
	a := m.newAttempt(ctx, attemptValidate, p, "", "", nil)
	if !m.acquire(a) {
		a.finish("busy")
		return vendor.ValidityUnknown, lkerrors.Busy(lkerrors.DomainActivation, productID)
	}
	defer m.releaseAttempt(a)

	rec, err := m.storedRecord(ctx, a)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = lkerrors.Wrap(lkerrors.DomainActivation, lkerrors.KindInvalidState, "product is not activated", lkerrors.ErrNotActivated)
		}
		a.finish("failed")
		return vendor.ValidityUnknown, err
	}

	var validity vendor.Validity
	validity, err = m.vendor.Validate(ctx, p.ID, rec.LicenseCode, a.fingerprint)
	a.finish(validity.String())

	logger := m.logger.With(
		slog.String("product_id", p.ID),
		slog.String("license_code", infrastructure.MaskLicenseCode(rec.LicenseCode)),
	)

	switch validity {
	case vendor.ValidityValid:
		rec.LastVerifiedAt = m.now()
		if perr := m.store.Put(ctx, rec); perr != nil {
			m.metrics.StoreError(ctx, "put")
			return validity, perr
		}
		p.Update(func(e *product.Entitlement) { applyRecord(e, rec) })
		m.markValidated(p.ID, true)
		logger.InfoContext(ctx, "license validated")
		return validity, nil

	case vendor.ValidityInvalid:
		if derr := m.store.Delete(ctx, p.ID, a.fingerprint); derr != nil {
			m.metrics.StoreError(ctx, "delete")
			return validity, derr
		}
		p.Update(clearActivation)
		m.markValidated(p.ID, false)
		logger.WarnContext(ctx, "vendor no longer recognises license, removed local record")
		return validity, nil

	default:
		logger.WarnContext(ctx, "license could not be validated, keeping local record", slog.Any("error", err))
		return validity, err
	}
}

func (m *Machine) runActivation(ctx context.Context, a *Attempt) {
	defer a.cancel()

	uiDriven := a.Email == "" || a.LicenseCode == ""
	logger := m.logger.With(
		slog.String("product_id", a.Product.ID),
		slog.String("attempt_id", a.ID),
		slog.Bool("ui", uiDriven),
	)

	var mode presentation.DisplayMode
	if uiDriven {
		decision, err := m.gateway.Decide(ctx, presentation.UILicense, a.Product)
		if err != nil {
			m.finishWith(ctx, a, OutcomeFailed, lkerrors.Wrap(lkerrors.DomainActivation, lkerrors.KindCancelled, "engine is shutting down", err))
			return
		}
		if decision.Suppressed {
			logger.InfoContext(ctx, "license dialog suppressed by delegate")
			m.finishWith(ctx, a, OutcomeAbandoned, nil)
			return
		}
		mode = decision.Mode
		a.markUIShown()
	}

	var lastErr error
	for retry := 0; ; retry++ {
		if uiDriven {
			in, err := m.gateway.CollectActivation(ctx, presentation.ActivationPrompt{
				Product:     a.Product,
				Mode:        mode,
				Email:       a.Email,
				LicenseCode: a.LicenseCode,
				Attempt:     retry,
				Err:         lastErr,
			})
			if err != nil {
				if errors.Is(err, presentation.ErrDismissed) || ctx.Err() != nil {
					logger.InfoContext(ctx, "activation dismissed by user")
					m.finishDismissed(ctx, a, presentation.TriggeredCancel, OutcomeAbandoned, nil)
					return
				}
				m.finishDismissed(ctx, a, presentation.TriggeredFinished, OutcomeFailed, lkerrors.AsRecord(lkerrors.DomainActivation, err))
				return
			}
			a.Email, a.LicenseCode = in.Email, in.LicenseCode
		}

		act, err := m.submit(ctx, a)
		if ctx.Err() != nil && a.isClaimed() {
			// Abandoned while the request was in flight.
			logger.DebugContext(ctx, "ignoring response for abandoned attempt")
			return
		}
		if err == nil {
			m.completeActivation(ctx, a, act, logger)
			return
		}

		if errors.Is(err, lkerrors.ErrInvalidInput) && uiDriven && retry < m.opts.MaxInputRetries {
			logger.InfoContext(ctx, "activation input rejected, prompting again",
				slog.Int("retry", retry+1),
				slog.String("error", err.Error()),
			)
			lastErr = err
			continue
		}

		logger.WarnContext(ctx, "activation failed", slog.String("error", err.Error()))
		m.finishDismissed(ctx, a, presentation.TriggeredFinished, OutcomeFailed, err)
		return
	}
}

type activationInput struct {
	Email       string `validate:"omitempty,email"`
	LicenseCode string `validate:"required"`
}

func (m *Machine) submit(ctx context.Context, a *Attempt) (vendor.Activation, error) {
	if err := m.validate.Struct(activationInput{Email: a.Email, LicenseCode: a.LicenseCode}); err != nil {
		return vendor.Activation{}, inputError(err)
	}
	return m.vendor.Activate(ctx, vendor.ActivateRequest{
		ProductID:   a.Product.ID,
		LicenseCode: a.LicenseCode,
		Email:       a.Email,
		Fingerprint: a.fingerprint,
	})
}

func (m *Machine) completeActivation(ctx context.Context, a *Attempt, act vendor.Activation, logger *slog.Logger) {
	if !a.claim() {
		return
	}

	code := act.LicenseCode
	if code == "" {
		code = a.LicenseCode
	}
	email := act.Email
	if email == "" {
		email = a.Email
	}
	rec := store.LicenseRecord{
		ProductID:         a.Product.ID,
		LicenseCode:       code,
		ActivationState:   store.StateActivated,
		ActivationID:      act.ActivationID,
		Email:             email,
		LastVerifiedAt:    m.now(),
		DeviceFingerprint: a.fingerprint,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		m.metrics.StoreError(ctx, "put")
		logger.ErrorContext(ctx, "failed to store activation", slog.String("error", err.Error()))
		m.dismissIfShown(ctx, a, presentation.TriggeredFinished)
		a.resolve(ctx, OutcomeFailed, err)
		return
	}

	a.Product.Update(func(e *product.Entitlement) { applyRecord(e, rec) })
	m.markValidated(a.Product.ID, true)
	logger.InfoContext(ctx, "product activated",
		slog.String("license_code", infrastructure.MaskLicenseCode(code)),
		slog.String("email", infrastructure.MaskEmail(email)),
	)
	m.dismissIfShown(ctx, a, presentation.TriggeredActivated)
	a.resolve(ctx, OutcomeActivated, nil)
}

func (m *Machine) runDeactivation(ctx context.Context, a *Attempt, rec store.LicenseRecord) {
	logger := m.logger.With(
		slog.String("product_id", a.Product.ID),
		slog.String("attempt_id", a.ID),
		slog.String("license_code", infrastructure.MaskLicenseCode(rec.LicenseCode)),
	)

	if err := m.vendor.Deactivate(ctx, a.Product.ID, rec.LicenseCode, rec.ActivationID); err != nil {
		logger.WarnContext(ctx, "deactivation failed, keeping local record",
			slog.String("error", err.Error()),
			slog.Bool("validated_this_session", m.ValidatedThisSession(a.Product.ID)),
		)
		m.finishWith(ctx, a, OutcomeFailed, err)
		return
	}
	if !a.claim() {
		return
	}

	if err := m.store.Delete(ctx, a.Product.ID, a.fingerprint); err != nil {
		m.metrics.StoreError(ctx, "delete")
		logger.ErrorContext(ctx, "deactivated remotely but failed to remove local record", slog.String("error", err.Error()))
		a.resolve(ctx, OutcomeFailed, err)
		return
	}
	a.Product.Update(clearActivation)
	m.markValidated(a.Product.ID, false)
	logger.InfoContext(ctx, "product deactivated")
	a.resolve(ctx, OutcomeDeactivated, nil)
}

func (m *Machine) finishWith(ctx context.Context, a *Attempt, outcome Outcome, err error) {
	if a.claim() {
		a.resolve(ctx, outcome, err)
	}
}

func (m *Machine) finishDismissed(ctx context.Context, a *Attempt, triggered presentation.Triggered, outcome Outcome, err error) {
	if !a.claim() {
		return
	}
	m.dismissIfShown(ctx, a, triggered)
	a.resolve(ctx, outcome, err)
}

func (m *Machine) dismissIfShown(ctx context.Context, a *Attempt, triggered presentation.Triggered) {
	if a.shownUI() {
		m.gateway.Dismissed(ctx, presentation.UILicense, triggered, a.Product)
	}
}

// storedRecord loads the live record for the attempt's product and pins the
// attempt to this device's fingerprint.
func (m *Machine) storedRecord(ctx context.Context, a *Attempt) (store.LicenseRecord, error) {
	fp, err := m.fingerprint.Fingerprint(ctx)
	if err != nil {
		return store.LicenseRecord{}, lkerrors.Wrap(lkerrors.DomainActivation, lkerrors.KindStorage, "failed to compute device fingerprint", err)
	}
	a.fingerprint = fp
	rec, err := m.store.Get(ctx, a.Product.ID, fp)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.metrics.StoreError(ctx, "get")
	}
	return rec, err
}

func (m *Machine) markValidated(productID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.validated[productID] = true
	} else {
		delete(m.validated, productID)
	}
}

func applyRecord(e *product.Entitlement, rec store.LicenseRecord) {
	e.Status = product.StatusActivated
	e.LicenseCode = rec.LicenseCode
	e.ActivationEmail = rec.Email
	e.ActivationID = rec.ActivationID
	e.LastValidatedAt = rec.LastVerifiedAt
}

func clearActivation(e *product.Entitlement) {
	e.Status = product.StatusDeactivated
	e.LicenseCode = ""
	e.ActivationEmail = ""
	e.ActivationID = ""
}

func inputError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "Email":
			return lkerrors.InvalidInput(lkerrors.DomainActivation, "email address is not valid")
		case "LicenseCode":
			return lkerrors.InvalidInput(lkerrors.DomainActivation, "license code is required")
		}
	}
	return lkerrors.Wrap(lkerrors.DomainActivation, lkerrors.KindInvalidInput, "invalid activation input", err)
}

func newAttemptID() string {
	return uuid.New().String()
}
