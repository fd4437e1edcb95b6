package activation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"licensekit/internal/dispatch"
	lkerrors "licensekit/internal/errors"
	"licensekit/internal/presentation"
	"licensekit/internal/product"
	"licensekit/internal/security"
	"licensekit/internal/shared/testutil"
	"licensekit/internal/store"
	"licensekit/internal/vendor"
)

const device = "dev-1"

type result struct {
	outcome Outcome
	err     error
	onQueue bool
}

type harness struct {
	q        *dispatch.Queue
	products *product.Registry
	store    *store.MemoryStore
	vendor   *testutil.FakeVendor
	renderer *testutil.ScriptedRenderer
	delegate *testutil.RecordingDelegate
	logs     *testutil.BufferedSlogHandler
	m        *Machine
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	q := dispatch.NewQueue(nil, 32)
	t.Cleanup(q.Close)

	logger, logs := testutil.NewTestLogger(t)
	h := &harness{
		q:        q,
		products: product.NewRegistry(nil),
		store:    store.NewMemoryStore(),
		vendor:   testutil.NewFakeVendor(),
		renderer: &testutil.ScriptedRenderer{Queue: q},
		delegate: &testutil.RecordingDelegate{Queue: q},
		logs:     logs,
	}
	h.m = New(Deps{
		Products:    h.products,
		Store:       h.store,
		Vendor:      h.vendor,
		Gateway:     presentation.NewGateway(q, h.delegate, h.renderer, logger),
		Fingerprint: security.StaticFingerprint(device),
		Logger:      logger,
	}, opts)
	return h
}

func (h *harness) completion() (Completion, <-chan result) {
	ch := make(chan result, 4)
	return func(ctx context.Context, outcome Outcome, err error) {
		ch <- result{outcome: outcome, err: err, onQueue: h.q.OnQueue(ctx)}
	}, ch
}

// await returns the single result of an attempt and checks no second one follows
func (h *harness) await(t *testing.T, ch <-chan result) result {
	t.Helper()
	var r result
	select {
	case r = <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("attempt never resolved")
	}
	testutil.Drain(h.q)
	assert.Empty(t, ch, "attempt resolved more than once")
	assert.True(t, r.onQueue, "completion must run on the dispatch queue")
	return r
}

func (h *harness) storeRecord(t *testing.T, productID, code string, verified time.Time) {
	t.Helper()
	require.NoError(t, h.store.Put(context.Background(), store.LicenseRecord{
		ProductID:         productID,
		LicenseCode:       code,
		ActivationState:   store.StateActivated,
		ActivationID:      "act-" + code,
		LastVerifiedAt:    verified,
		DeviceFingerprint: device,
	}))
}

func TestActivate_DirectSuccess(t *testing.T) {
	h := newHarness(t, Options{MaxInputRetries: 3})
	done, ch := h.completion()

	h.m.Activate(context.Background(), "P1", "buyer@example.com", "ABC-123", done)
	r := h.await(t, ch)

	assert.Equal(t, OutcomeActivated, r.outcome)
	assert.NoError(t, r.err)

	rec, err := h.store.Get(context.Background(), "P1", device)
	require.NoError(t, err)
	assert.Equal(t, "P1", rec.ProductID)
	assert.Equal(t, "ABC-123", rec.LicenseCode)
	assert.Equal(t, store.StateActivated, rec.ActivationState)

	p, _ := h.products.Lookup("P1")
	assert.True(t, p.Activated())
	assert.Equal(t, StateActivated, h.m.State("P1"))
	assert.True(t, h.m.ValidatedThisSession("P1"))
	assert.Empty(t, h.renderer.ActivationPrompts(), "no dialog when both inputs are supplied")
	testutil.AssertNoLeakedSecret(t, h.logs, "ABC-123")
}

func TestActivate_StoredRecordSkipsNetwork(t *testing.T) {
	h := newHarness(t, Options{})
	h.storeRecord(t, "P1", "ABC-123", time.Now())

	t.Run("off queue is enqueued", func(t *testing.T) {
		gate := make(chan struct{})
		require.NoError(t, h.q.Dispatch(context.Background(), func(context.Context) { <-gate }))

		done, ch := h.completion()
		h.m.Activate(context.Background(), "P1", "", "", done)
		assert.Empty(t, ch, "completion must not run on the caller's stack")

		close(gate)
		r := h.await(t, ch)
		assert.Equal(t, OutcomeActivated, r.outcome)
	})

	t.Run("on queue runs inline", func(t *testing.T) {
		inline := make(chan bool, 1)
		require.NoError(t, h.q.Dispatch(context.Background(), func(qctx context.Context) {
			var ran bool
			h.m.Activate(qctx, "P1", "", "", func(context.Context, Outcome, error) { ran = true })
			inline <- ran
		}))
		assert.True(t, <-inline)
	})

	assert.Zero(t, h.vendor.TotalCalls())
	assert.Empty(t, h.renderer.ActivationPrompts())
}

func TestActivate_InvalidInputReprompts(t *testing.T) {
	h := newHarness(t, Options{MaxInputRetries: 3})
	h.vendor.ActivateFunc = func(_ context.Context, req vendor.ActivateRequest) (vendor.Activation, error) {
		if req.LicenseCode == "WRONG-CODE" {
			return vendor.Activation{}, lkerrors.InvalidInput(lkerrors.DomainVendor, "unknown license code")
		}
		return vendor.Activation{LicenseCode: req.LicenseCode, ActivationID: "act-1"}, nil
	}
	h.renderer.ActivationReplies = []testutil.ActivationReply{
		{Input: presentation.ActivationInput{Email: "buyer@example.com", LicenseCode: "WRONG-CODE"}},
		{Input: presentation.ActivationInput{Email: "buyer@example.com", LicenseCode: "ABC-123"}},
	}
	done, ch := h.completion()

	h.m.Activate(context.Background(), "P1", "", "", done)
	r := h.await(t, ch)

	assert.Equal(t, OutcomeActivated, r.outcome)
	prompts := h.renderer.ActivationPrompts()
	require.Len(t, prompts, 2, "exactly one re-prompt")
	assert.NoError(t, prompts[0].Err)
	assert.ErrorIs(t, prompts[1].Err, lkerrors.ErrInvalidInput)
	assert.Equal(t, 1, prompts[1].Attempt)

	assert.Equal(t, []presentation.UIKind{presentation.UILicense}, h.delegate.Asked())
	assert.Equal(t, []testutil.Dismissal{{Kind: presentation.UILicense, Triggered: presentation.TriggeredActivated, ProductID: "P1"}}, h.delegate.Dismissals())
	assert.Zero(t, h.renderer.OffQueueCalls())
	assert.Zero(t, h.delegate.OffQueueCalls())
}

func TestActivate_RetryBound(t *testing.T) {
	h := newHarness(t, Options{MaxInputRetries: 1})
	h.vendor.ActivateFunc = func(context.Context, vendor.ActivateRequest) (vendor.Activation, error) {
		return vendor.Activation{}, lkerrors.InvalidInput(lkerrors.DomainVendor, "unknown license code")
	}
	bad := testutil.ActivationReply{Input: presentation.ActivationInput{LicenseCode: "WRONG-CODE"}}
	h.renderer.ActivationReplies = []testutil.ActivationReply{bad, bad, bad}
	done, ch := h.completion()

	h.m.Activate(context.Background(), "P1", "", "", done)
	r := h.await(t, ch)

	assert.Equal(t, OutcomeFailed, r.outcome)
	assert.ErrorIs(t, r.err, lkerrors.ErrInvalidInput)
	assert.Len(t, h.renderer.ActivationPrompts(), 2)
	_, err := h.store.Get(context.Background(), "P1", device)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestActivate_LocalInputCheck(t *testing.T) {
	h := newHarness(t, Options{MaxInputRetries: 3})
	h.renderer.ActivationReplies = []testutil.ActivationReply{
		{Input: presentation.ActivationInput{Email: "not-an-email", LicenseCode: "ABC-123"}},
		{Input: presentation.ActivationInput{Email: "buyer@example.com", LicenseCode: "ABC-123"}},
	}
	done, ch := h.completion()

	h.m.Activate(context.Background(), "P1", "", "", done)
	r := h.await(t, ch)

	assert.Equal(t, OutcomeActivated, r.outcome)
	assert.Equal(t, 1, h.vendor.Calls("activate"), "malformed email never reaches the vendor")
}

func TestActivate_DirectInvalidInputFails(t *testing.T) {
	h := newHarness(t, Options{MaxInputRetries: 3})
	h.vendor.ActivateFunc = func(context.Context, vendor.ActivateRequest) (vendor.Activation, error) {
		return vendor.Activation{}, lkerrors.InvalidInput(lkerrors.DomainVendor, "unknown license code")
	}
	done, ch := h.completion()

	h.m.Activate(context.Background(), "P1", "buyer@example.com", "WRONG-CODE", done)
	r := h.await(t, ch)

	assert.Equal(t, OutcomeFailed, r.outcome)
	assert.ErrorIs(t, r.err, lkerrors.ErrInvalidInput)
	assert.Equal(t, 1, h.vendor.Calls("activate"))
	assert.Empty(t, h.renderer.ActivationPrompts())
}

func TestActivate_NetworkFailureLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t, Options{OfflineGracePeriod: 24 * time.Hour})
	stale := time.Now().Add(-72 * time.Hour).UTC()
	h.storeRecord(t, "P1", "OLD-CODE", stale)
	h.vendor.ActivateFunc = func(context.Context, vendor.ActivateRequest) (vendor.Activation, error) {
		return vendor.Activation{}, lkerrors.Network(lkerrors.DomainVendor, nil)
	}
	done, ch := h.completion()

	h.m.Activate(context.Background(), "P1", "buyer@example.com", "ABC-123", done)
	r := h.await(t, ch)

	assert.Equal(t, OutcomeFailed, r.outcome)
	assert.ErrorIs(t, r.err, lkerrors.ErrNetworkFailure)
	assert.True(t, lkerrors.IsRetryable(r.err))

	rec, err := h.store.Get(context.Background(), "P1", device)
	require.NoError(t, err)
	assert.Equal(t, "OLD-CODE", rec.LicenseCode)
	assert.True(t, rec.LastVerifiedAt.Equal(stale))
}

func TestActivate_DismissedIsAbandoned(t *testing.T) {
	h := newHarness(t, Options{MaxInputRetries: 3})
	done, ch := h.completion()

	h.m.Activate(context.Background(), "P1", "", "", done)
	r := h.await(t, ch)

	assert.Equal(t, OutcomeAbandoned, r.outcome)
	assert.NoError(t, r.err)
	assert.Zero(t, h.vendor.TotalCalls())
	assert.Equal(t, presentation.TriggeredCancel, h.delegate.Dismissals()[0].Triggered)
	assert.Equal(t, StateUnactivated, h.m.State("P1"))
}

func TestActivate_SuppressedIsAbandoned(t *testing.T) {
	h := newHarness(t, Options{})
	h.delegate.Decisions = map[presentation.UIKind]presentation.Decision{
		presentation.UILicense: presentation.Suppress(),
	}
	done, ch := h.completion()

	h.m.Activate(context.Background(), "P1", "", "", done)
	r := h.await(t, ch)

	assert.Equal(t, OutcomeAbandoned, r.outcome)
	assert.Empty(t, h.renderer.ActivationPrompts())
	assert.Empty(t, h.delegate.Dismissals())
}

func TestActivate_BusyWhileInFlight(t *testing.T) {
	h := newHarness(t, Options{})
	h.renderer.HoldActivation = true
	first, firstCh := h.completion()

	h.m.Activate(context.Background(), "P1", "", "", first)
	require.Eventually(t, func() bool { return len(h.renderer.ActivationPrompts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActivating, h.m.State("P1"))

	second, secondCh := h.completion()
	h.m.Activate(context.Background(), "P1", "buyer@example.com", "ABC-123", second)
	r := h.await(t, secondCh)
	assert.Equal(t, OutcomeFailed, r.outcome)
	assert.ErrorIs(t, r.err, lkerrors.ErrBusy)

	deact, deactCh := h.completion()
	h.m.Deactivate(context.Background(), "P1", deact)
	assert.ErrorIs(t, h.await(t, deactCh).err, lkerrors.ErrBusy)

	_, err := h.m.Validate(context.Background(), "P1")
	assert.ErrorIs(t, err, lkerrors.ErrBusy)

	require.True(t, h.m.Cancel(context.Background(), "P1"))
	assert.Equal(t, OutcomeAbandoned, h.await(t, firstCh).outcome)
	assert.False(t, h.m.Cancel(context.Background(), "P1"), "nothing left to cancel")
	assert.Zero(t, h.vendor.TotalCalls())
}

func TestActivate_ConcurrentCallsSerialised(t *testing.T) {
	h := newHarness(t, Options{})
	release := make(chan struct{})
	h.vendor.ActivateFunc = func(_ context.Context, req vendor.ActivateRequest) (vendor.Activation, error) {
		<-release
		return vendor.Activation{LicenseCode: req.LicenseCode}, nil
	}

	const callers = 8
	results := make(chan result, callers*2)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			h.m.Activate(context.Background(), "P1", "buyer@example.com", "ABC-123", func(ctx context.Context, o Outcome, err error) {
				results <- result{outcome: o, err: err}
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	busy := 0
	for i := 0; i < callers-1; i++ {
		r := <-results
		require.ErrorIs(t, r.err, lkerrors.ErrBusy)
		busy++
	}
	close(release)

	r := <-results
	assert.Equal(t, OutcomeActivated, r.outcome)
	assert.Equal(t, callers-1, busy)
	assert.Equal(t, 1, h.vendor.Calls("activate"))

	testutil.Drain(h.q)
	assert.Empty(t, results)
}

func TestCancel_LateResponseIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	called := make(chan struct{})
	release := make(chan struct{})
	h.vendor.ActivateFunc = func(_ context.Context, req vendor.ActivateRequest) (vendor.Activation, error) {
		close(called)
		<-release
		return vendor.Activation{LicenseCode: req.LicenseCode}, nil
	}
	done, ch := h.completion()

	h.m.Activate(context.Background(), "P1", "buyer@example.com", "ABC-123", done)
	<-called
	require.True(t, h.m.Cancel(context.Background(), "P1"))
	assert.Equal(t, OutcomeAbandoned, h.await(t, ch).outcome)

	close(release)
	require.Eventually(t, func() bool { return h.m.State("P1") == StateUnactivated }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	testutil.Drain(h.q)

	assert.Empty(t, ch)
	_, err := h.store.Get(context.Background(), "P1", device)
	assert.ErrorIs(t, err, store.ErrNotFound, "late success must not be recorded")
}

func TestDeactivate(t *testing.T) {
	t.Run("success removes the record", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.storeRecord(t, "P1", "ABC-123", time.Now())
		_, err := h.m.Restore(context.Background())
		require.NoError(t, err)

		var gotCode, gotActivation string
		h.vendor.DeactivateFunc = func(_ context.Context, _, code, activationID string) error {
			gotCode, gotActivation = code, activationID
			return nil
		}
		done, ch := h.completion()
		h.m.Deactivate(context.Background(), "P1", done)

		assert.Equal(t, OutcomeDeactivated, h.await(t, ch).outcome)
		assert.Equal(t, "ABC-123", gotCode)
		assert.Equal(t, "act-ABC-123", gotActivation)
		_, err = h.store.Get(context.Background(), "P1", device)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.Equal(t, StateUnactivated, h.m.State("P1"))
	})

	t.Run("remote failure keeps the record", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.storeRecord(t, "P1", "ABC-123", time.Now())
		_, err := h.m.Restore(context.Background())
		require.NoError(t, err)
		require.False(t, h.m.ValidatedThisSession("P1"))

		h.vendor.DeactivateFunc = func(context.Context, string, string, string) error {
			return lkerrors.Network(lkerrors.DomainVendor, nil)
		}
		done, ch := h.completion()
		h.m.Deactivate(context.Background(), "P1", done)

		r := h.await(t, ch)
		assert.Equal(t, OutcomeFailed, r.outcome)
		assert.ErrorIs(t, r.err, lkerrors.ErrNetworkFailure)
		_, err = h.store.Get(context.Background(), "P1", device)
		assert.NoError(t, err, "no client-only deactivation")
		assert.Equal(t, StateActivated, h.m.State("P1"))
	})

	t.Run("requires an activation", func(t *testing.T) {
		h := newHarness(t, Options{})
		done, ch := h.completion()
		h.m.Deactivate(context.Background(), "P1", done)

		r := h.await(t, ch)
		assert.Equal(t, OutcomeFailed, r.outcome)
		assert.ErrorIs(t, r.err, lkerrors.ErrNotActivated)
		assert.Zero(t, h.vendor.TotalCalls())
	})
}

func TestValidate(t *testing.T) {
	ctx := context.Background()

	t.Run("valid refreshes verification", func(t *testing.T) {
		h := newHarness(t, Options{})
		old := time.Now().Add(-time.Hour).UTC()
		h.storeRecord(t, "P1", "ABC-123", old)

		v, err := h.m.Validate(ctx, "P1")
		require.NoError(t, err)
		assert.Equal(t, vendor.ValidityValid, v)
		rec, err := h.store.Get(ctx, "P1", device)
		require.NoError(t, err)
		assert.True(t, rec.LastVerifiedAt.After(old))
		assert.True(t, h.m.ValidatedThisSession("P1"))
	})

	t.Run("invalid removes the record", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.storeRecord(t, "P1", "ABC-123", time.Now())
		h.vendor.ValidateFunc = func(context.Context, string, string, string) (vendor.Validity, error) {
			return vendor.ValidityInvalid, nil
		}

		v, err := h.m.Validate(ctx, "P1")
		require.NoError(t, err)
		assert.Equal(t, vendor.ValidityInvalid, v)
		_, err = h.store.Get(ctx, "P1", device)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unknown keeps the record", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.storeRecord(t, "P1", "ABC-123", time.Now())
		h.vendor.ValidateFunc = func(context.Context, string, string, string) (vendor.Validity, error) {
			return vendor.ValidityUnknown, lkerrors.Network(lkerrors.DomainVendor, nil)
		}

		v, err := h.m.Validate(ctx, "P1")
		assert.ErrorIs(t, err, lkerrors.ErrNetworkFailure)
		assert.Equal(t, vendor.ValidityUnknown, v)
		_, err = h.store.Get(ctx, "P1", device)
		assert.NoError(t, err)
	})
}

func TestNilCompletionReportsToDelegate(t *testing.T) {
	h := newHarness(t, Options{})
	var once sync.Once
	called := make(chan struct{})
	h.vendor.ActivateFunc = func(context.Context, vendor.ActivateRequest) (vendor.Activation, error) {
		once.Do(func() { close(called) })
		return vendor.Activation{}, lkerrors.Rejected(lkerrors.DomainVendor, "license revoked")
	}

	h.m.Activate(context.Background(), "P1", "buyer@example.com", "ABC-123", nil)
	<-called
	require.Eventually(t, func() bool { return len(h.delegate.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, lkerrors.KindServerRejected, h.delegate.Errors()[0].Code)
	assert.Zero(t, h.delegate.OffQueueCalls())
}

func TestRestore(t *testing.T) {
	h := newHarness(t, Options{OfflineGracePeriod: 24 * time.Hour})
	h.storeRecord(t, "P1", "ABC-123", time.Now())
	h.storeRecord(t, "P2", "OLD-CODE", time.Now().Add(-48*time.Hour))

	live, err := h.m.Restore(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "P1", live[0].ProductID)

	p1, _ := h.products.Lookup("P1")
	assert.True(t, p1.Activated())
	assert.Equal(t, "ABC-123", p1.Entitlement().LicenseCode)
	_, known := h.products.Lookup("P2")
	assert.False(t, known)
}

func TestOutcomeStrings(t *testing.T) {
	assert.Equal(t, "activated", OutcomeActivated.String())
	assert.Equal(t, "abandoned", OutcomeAbandoned.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "deactivating", StateDeactivating.String())
	assert.Equal(t, "unactivated", StateUnactivated.String())
}
