package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensekit/internal/activation"
	"licensekit/internal/config"
	lkerrors "licensekit/internal/errors"
	"licensekit/internal/presentation"
	"licensekit/internal/product"
	"licensekit/internal/security"
	"licensekit/internal/shared/testutil"
	"licensekit/internal/store"
	"licensekit/internal/vendor"
)

const device = "dev-1"

type harness struct {
	engine   *Engine
	store    *store.MemoryStore
	vendor   *testutil.FakeVendor
	renderer *testutil.ScriptedRenderer
	delegate *testutil.RecordingDelegate
	exits    chan int
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	h := &harness{
		store:    store.NewMemoryStore(),
		vendor:   testutil.NewFakeVendor(),
		renderer: &testutil.ScriptedRenderer{},
		delegate: &testutil.RecordingDelegate{},
		exits:    make(chan int, 1),
	}
	e, err := New(opts, Deps{
		Store:       h.store,
		Vendor:      h.vendor,
		Fingerprint: security.StaticFingerprint(device),
		Delegate:    h.delegate,
		Renderer:    h.renderer,
		Logger:      logger,
		Exit:        func(code int) { h.exits <- code },
	})
	require.NoError(t, err)
	h.renderer.Queue = e.Queue()
	h.delegate.Queue = e.Queue()
	h.engine = e
	t.Cleanup(func() { _ = e.Close() })
	return h
}

func (h *harness) seed(t *testing.T, productID, code string) {
	t.Helper()
	require.NoError(t, h.store.Put(context.Background(), store.LicenseRecord{
		ProductID:         productID,
		LicenseCode:       code,
		ActivationState:   store.StateActivated,
		ActivationID:      "act-" + code,
		LastVerifiedAt:    time.Now(),
		DeviceFingerprint: device,
	}))
}

func activationResult() (activation.Completion, <-chan activation.Outcome) {
	ch := make(chan activation.Outcome, 2)
	return func(_ context.Context, o activation.Outcome, err error) {
		ch <- o
	}, ch
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		var zero T
		return zero
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{}, Deps{Vendor: testutil.NewFakeVendor(), Fingerprint: security.StaticFingerprint(device)})
	assert.ErrorContains(t, err, "store")

	_, err = New(Options{}, Deps{Store: store.NewMemoryStore(), Fingerprint: security.StaticFingerprint(device)})
	assert.ErrorContains(t, err, "vendor")

	_, err = New(Options{}, Deps{Store: store.NewMemoryStore(), Vendor: testutil.NewFakeVendor()})
	assert.ErrorContains(t, err, "fingerprint")
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ForceExit = true
	cfg.Products = map[string]product.Config{"P1": {Kind: product.KindSDK}}

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, 3, opts.MaxInputRetries)
	assert.Equal(t, 30*time.Second, opts.CheckoutLoadTimeout)
	assert.Equal(t, 2*time.Minute, opts.OrderConfirmTimeout)
	assert.True(t, opts.ForceExit)
	assert.Contains(t, opts.Products, "P1")
}

func TestStart_RestoresAndRevalidates(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "P1", "ABC-123")
	h.seed(t, "P2", "GONE-456")
	h.seed(t, "P3", "OFFLINE-789")
	h.vendor.ValidateFunc = func(_ context.Context, productID, _, _ string) (vendor.Validity, error) {
		switch productID {
		case "P2":
			return vendor.ValidityInvalid, nil
		case "P3":
			return vendor.ValidityUnknown, lkerrors.Network(lkerrors.DomainVendor, nil)
		}
		return vendor.ValidityValid, nil
	}

	require.NoError(t, h.engine.Start(context.Background()))
	assert.Len(t, h.engine.AllProducts(), 3)
	for _, p := range h.engine.AllProducts() {
		assert.True(t, p.Activated(), p.ID)
	}

	require.NoError(t, h.engine.Revalidate(context.Background()))
	assert.True(t, h.engine.Product("P1").Activated())
	assert.False(t, h.engine.Product("P2").Activated())
	assert.True(t, h.engine.Product("P3").Activated(), "offline continuity keeps the license")

	_, err := h.store.Get(context.Background(), "P2", device)
	assert.ErrorIs(t, err, store.ErrNotFound)
	testutil.Drain(h.engine.Queue())
	assert.Empty(t, h.delegate.Errors())
}

func TestRevalidate_ReportsRejections(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "P1", "ABC-123")
	h.vendor.ValidateFunc = func(context.Context, string, string, string) (vendor.Validity, error) {
		return vendor.ValidityUnknown, lkerrors.Rejected(lkerrors.DomainVendor, "vendor account suspended")
	}
	require.NoError(t, h.engine.Start(context.Background()))

	require.NoError(t, h.engine.Revalidate(context.Background()))
	testutil.Drain(h.engine.Queue())

	require.Len(t, h.delegate.Errors(), 1)
	assert.Equal(t, lkerrors.KindServerRejected, h.delegate.Errors()[0].Code)
}

func TestShowLicense(t *testing.T) {
	t.Run("unactivated shows activation", func(t *testing.T) {
		h := newHarness(t, Options{MaxInputRetries: 3})
		h.renderer.ActivationReplies = []testutil.ActivationReply{
			{Input: presentation.ActivationInput{Email: "buyer@example.com", LicenseCode: "ABC-123"}},
		}
		done, ch := activationResult()

		h.engine.ShowLicense(context.Background(), "P1", done)

		assert.Equal(t, activation.OutcomeActivated, wait(t, ch))
		assert.Len(t, h.renderer.ActivationPrompts(), 1)
		assert.Equal(t, activation.StateActivated, h.engine.ActivationState("P1"))
	})

	t.Run("activated and confirmed deactivates", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.seed(t, "P1", "ABC-123")
		require.NoError(t, h.engine.Start(context.Background()))
		h.renderer.Confirm = true
		done, ch := activationResult()

		h.engine.ShowLicense(context.Background(), "P1", done)

		assert.Equal(t, activation.OutcomeDeactivated, wait(t, ch))
		assert.Equal(t, 1, h.renderer.Confirmations())
		assert.Equal(t, 1, h.vendor.Calls("deactivate"))
	})

	t.Run("activated and declined keeps license", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.seed(t, "P1", "ABC-123")
		require.NoError(t, h.engine.Start(context.Background()))
		done, ch := activationResult()

		h.engine.ShowLicense(context.Background(), "P1", done)

		assert.Equal(t, activation.OutcomeAbandoned, wait(t, ch))
		assert.Zero(t, h.vendor.Calls("deactivate"))
		assert.True(t, h.engine.Product("P1").Activated())
	})

	t.Run("suppressed license dialog asks nothing", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.seed(t, "P1", "ABC-123")
		require.NoError(t, h.engine.Start(context.Background()))
		h.delegate.Decisions = map[presentation.UIKind]presentation.Decision{
			presentation.UILicense: presentation.Suppress(),
		}
		h.renderer.Confirm = true
		done, ch := activationResult()

		h.engine.ShowLicense(context.Background(), "P1", done)

		assert.Equal(t, activation.OutcomeAbandoned, wait(t, ch))
		assert.Equal(t, []presentation.UIKind{presentation.UILicense}, h.delegate.Asked())
		assert.Zero(t, h.renderer.Confirmations())
		assert.Zero(t, h.vendor.Calls("deactivate"))
		assert.True(t, h.engine.Product("P1").Activated())
	})

	t.Run("rejected confirmation alert keeps license", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.seed(t, "P1", "ABC-123")
		require.NoError(t, h.engine.Start(context.Background()))
		h.delegate.RejectAlerts = true
		h.renderer.Confirm = true
		done, ch := activationResult()

		h.engine.ShowLicense(context.Background(), "P1", done)

		assert.Equal(t, activation.OutcomeAbandoned, wait(t, ch))
		assert.Zero(t, h.renderer.Confirmations())
		assert.Zero(t, h.vendor.Calls("deactivate"))
		assert.Empty(t, h.delegate.Dismissals(), "nothing was shown, so nothing was dismissed")
	})

	t.Run("failed deactivation raises an alert", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.seed(t, "P1", "ABC-123")
		require.NoError(t, h.engine.Start(context.Background()))
		h.vendor.DeactivateFunc = func(context.Context, string, string, string) error {
			return lkerrors.Rejected(lkerrors.DomainVendor, "activation not found")
		}
		h.renderer.Confirm = true
		done, ch := activationResult()

		h.engine.ShowLicense(context.Background(), "P1", done)

		wait(t, ch)
		require.Len(t, h.renderer.Alerts(), 1)
		assert.Equal(t, "Unable to deactivate license", h.renderer.Alerts()[0].Title)
		assert.True(t, h.engine.Product("P1").Activated())
	})
}

func TestShowProductAccess(t *testing.T) {
	expired := map[string]product.Config{"P1": {Kind: product.KindSDK}}
	inTrial := map[string]product.Config{"P1": {Kind: product.KindSDK, Fallback: product.Details{Name: "Editor", TrialLength: 14}}}

	choose := func(t *testing.T, h *harness, choice presentation.ProductAccessChoice) presentation.ProductAccessChoice {
		t.Helper()
		h.renderer.Choices = []presentation.ProductAccessChoice{choice}
		got := make(chan presentation.ProductAccessChoice, 1)
		h.engine.ShowProductAccess(context.Background(), "P1", func(_ context.Context, c presentation.ProductAccessChoice) {
			got <- c
		})
		return wait(t, got)
	}

	t.Run("cancel with expired trial exits", func(t *testing.T) {
		h := newHarness(t, Options{ForceExit: true, Products: expired})
		h.renderer.Choices = []presentation.ProductAccessChoice{presentation.ChoiceCancel}

		h.engine.ShowProductAccess(context.Background(), "P1", nil)

		assert.Equal(t, 0, wait(t, h.exits))
	})

	t.Run("cancel during trial stays", func(t *testing.T) {
		h := newHarness(t, Options{ForceExit: true, Products: inTrial})

		assert.Equal(t, presentation.ChoiceCancel, choose(t, h, presentation.ChoiceCancel))
		assert.Empty(t, h.exits)
		views := h.renderer.AccessViews()
		require.Len(t, views, 1)
		assert.Equal(t, "Editor", views[0].Details.Name)
		assert.Equal(t, 14, views[0].TrialDaysRemaining)
	})

	t.Run("cancel without force exit stays", func(t *testing.T) {
		h := newHarness(t, Options{Products: expired})
		choose(t, h, presentation.ChoiceCancel)
		assert.Empty(t, h.exits)
	})

	t.Run("activate opens the license dialog", func(t *testing.T) {
		h := newHarness(t, Options{Products: inTrial})
		choose(t, h, presentation.ChoiceActivate)

		require.Eventually(t, func() bool { return len(h.renderer.ActivationPrompts()) == 1 }, time.Second, 5*time.Millisecond)
		testutil.Drain(h.engine.Queue())
		dismissals := h.delegate.Dismissals()
		require.NotEmpty(t, dismissals)
		assert.Equal(t, testutil.Dismissal{Kind: presentation.UIProduct, Triggered: presentation.TriggeredShowActivate, ProductID: "P1"}, dismissals[0])
	})

	t.Run("checkout opens a session", func(t *testing.T) {
		h := newHarness(t, Options{Products: inTrial})
		choose(t, h, presentation.ChoiceCheckout)

		require.Eventually(t, func() bool { return h.vendor.Calls("checkout") == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("vendor details replace the fallback", func(t *testing.T) {
		h := newHarness(t, Options{Products: inTrial})
		h.vendor.ProductInfoFunc = func(context.Context, string) (vendor.ProductInfo, error) {
			return vendor.ProductInfo{ID: "P1", Name: "Editor Pro", Price: 49, Currency: "USD", TrialLength: 7}, nil
		}
		choose(t, h, presentation.ChoiceContinueTrial)

		view := h.renderer.AccessViews()[0]
		assert.Equal(t, "Editor Pro", view.Details.Name)
		assert.True(t, h.engine.Product("P1").HasCachedDetails())
	})

	t.Run("suppressed shows nothing", func(t *testing.T) {
		h := newHarness(t, Options{ForceExit: true, Products: expired})
		h.delegate.Decisions = map[presentation.UIKind]presentation.Decision{
			presentation.UIProduct: presentation.Suppress(),
		}
		h.engine.ShowProductAccess(context.Background(), "P1", nil)

		require.Eventually(t, func() bool { return len(h.delegate.Asked()) == 1 }, time.Second, 5*time.Millisecond)
		testutil.Drain(h.engine.Queue())
		assert.Empty(t, h.renderer.AccessViews())
		assert.Empty(t, h.exits)
	})
}

func TestSubscribeEmail(t *testing.T) {
	t.Run("failure reaches the delegate", func(t *testing.T) {
		h := newHarness(t, Options{})
		var consent atomic.Bool
		h.vendor.SubscribeFunc = func(_ context.Context, _, _ string, c bool) error {
			consent.Store(c)
			return lkerrors.Network(lkerrors.DomainVendor, nil)
		}

		h.engine.SubscribeEmail(context.Background(), "P1", "buyer@example.com", true)

		require.Eventually(t, func() bool { return len(h.delegate.Errors()) == 1 }, time.Second, 5*time.Millisecond)
		assert.True(t, consent.Load())
		assert.Equal(t, lkerrors.KindNetworkFailure, h.delegate.Errors()[0].Code)
	})

	t.Run("malformed email never reaches the vendor", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.engine.SubscribeEmail(context.Background(), "P1", "nope", false)
		testutil.Drain(h.engine.Queue())

		require.Len(t, h.delegate.Errors(), 1)
		assert.Equal(t, lkerrors.KindInvalidInput, h.delegate.Errors()[0].Code)
		assert.Zero(t, h.vendor.TotalCalls())
	})
}

func TestRecoverAndCheckoutDelegation(t *testing.T) {
	h := newHarness(t, Options{})

	sent := make(chan bool, 1)
	h.engine.RecoverLicense(context.Background(), "P1", "buyer@example.com", func(_ context.Context, ok bool, err error) {
		sent <- ok && err == nil
	})
	assert.True(t, wait(t, sent))

	session := testutil.NewFakeSession("session-P1")
	h.vendor.CheckoutFunc = func(context.Context, vendor.CheckoutRequest) (vendor.Session, error) {
		return session, nil
	}
	h.engine.Checkout(context.Background(), "P1", vendor.CheckoutOptions{}, nil)
	require.Eventually(t, func() bool { return h.vendor.Calls("checkout") == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.engine.CancelCheckout("P1"))
	require.Eventually(t, session.Closed, time.Second, 5*time.Millisecond)
}

func TestClose_Idempotent(t *testing.T) {
	h := newHarness(t, Options{})
	assert.NoError(t, h.engine.Close())
	assert.NoError(t, h.engine.Close())
}

func TestClose_ResolvesInFlightAttempts(t *testing.T) {
	h := newHarness(t, Options{DrainTimeout: 5 * time.Second})
	h.renderer.HoldActivation = true
	done, ch := activationResult()

	h.engine.ActivateProduct(context.Background(), "P1", "", "", done)
	require.Eventually(t, func() bool { return len(h.renderer.ActivationPrompts()) == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, h.engine.Close())
	assert.Less(t, time.Since(start), 2*time.Second, "close waits for the attempt, not the drain timeout")

	select {
	case outcome := <-ch:
		assert.Equal(t, activation.OutcomeAbandoned, outcome)
	default:
		t.Fatal("completion was dropped at shutdown")
	}
}

func TestClose_RefusesNewWork(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "P1", "ABC-123")
	require.NoError(t, h.engine.Close())

	validity, err := h.engine.ValidateProduct(context.Background(), "P1")
	require.Error(t, err)
	assert.Equal(t, vendor.ValidityUnknown, validity)
	assert.Equal(t, lkerrors.KindCancelled, lkerrors.KindOf(err))
	assert.Zero(t, h.vendor.Calls("validate"))
}
