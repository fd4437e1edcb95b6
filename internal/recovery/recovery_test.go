package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensekit/internal/dispatch"
	lkerrors "licensekit/internal/errors"
	"licensekit/internal/presentation"
	"licensekit/internal/product"
	"licensekit/internal/shared/testutil"
)

type reply struct {
	sent bool
	err  error
}

type harness struct {
	q        *dispatch.Queue
	vendor   *testutil.FakeVendor
	renderer *testutil.ScriptedRenderer
	delegate *testutil.RecordingDelegate
	ctrl     *Controller
}

func newHarness(t *testing.T, retries int) *harness {
	t.Helper()
	q := dispatch.NewQueue(nil, 16)
	t.Cleanup(q.Close)
	logger, _ := testutil.NewTestLogger(t)

	h := &harness{
		q:        q,
		vendor:   testutil.NewFakeVendor(),
		renderer: &testutil.ScriptedRenderer{Queue: q},
		delegate: &testutil.RecordingDelegate{Queue: q},
	}
	h.ctrl = New(Deps{
		Products: product.NewRegistry(map[string]product.Config{
			"P2": {Kind: product.KindOther},
		}),
		Vendor:  h.vendor,
		Gateway: presentation.NewGateway(q, h.delegate, h.renderer, logger),
		Logger:  logger,
	}, Options{MaxInputRetries: retries})
	return h
}

func (h *harness) completion() (Completion, <-chan reply) {
	ch := make(chan reply, 2)
	return func(ctx context.Context, sent bool, err error) {
		if !h.q.OnQueue(ctx) {
			err = assert.AnError
		}
		ch <- reply{sent: sent, err: err}
	}, ch
}

func await(t *testing.T, h *harness, ch <-chan reply) reply {
	t.Helper()
	select {
	case r := <-ch:
		testutil.Drain(h.q)
		assert.Empty(t, ch)
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("recovery never completed")
		return reply{}
	}
}

func TestRecover(t *testing.T) {
	tests := []struct {
		name      string
		productID string
		email     string
		vendorErr error
		wantSent  bool
		wantErr   error
		wantCalls int
	}{
		{name: "sent", productID: "P1", email: "buyer@example.com", wantSent: true, wantCalls: 1},
		{name: "malformed email", productID: "P1", email: "buyer@", wantErr: lkerrors.ErrInvalidInput},
		{name: "empty email", productID: "P1", email: "", wantErr: lkerrors.ErrInvalidInput},
		{name: "unknown to vendor", productID: "P1", email: "buyer@example.com",
			vendorErr: lkerrors.InvalidInput(lkerrors.DomainVendor, "no purchases for this email"),
			wantErr:   lkerrors.ErrInvalidInput, wantCalls: 1},
		{name: "network", productID: "P1", email: "buyer@example.com",
			vendorErr: lkerrors.Network(lkerrors.DomainVendor, nil),
			wantErr:   lkerrors.ErrNetworkFailure, wantCalls: 1},
		{name: "non sdk product", productID: "P2", email: "buyer@example.com", wantErr: lkerrors.ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 3)
			h.vendor.RecoverFunc = func(context.Context, string, string) error { return tt.vendorErr }
			done, ch := h.completion()

			h.ctrl.Recover(context.Background(), tt.productID, tt.email, done)
			r := await(t, h, ch)

			assert.Equal(t, tt.wantSent, r.sent)
			if tt.wantErr != nil {
				assert.ErrorIs(t, r.err, tt.wantErr)
			} else {
				assert.NoError(t, r.err)
			}
			assert.Equal(t, tt.wantCalls, h.vendor.Calls("recover"))
			assert.Empty(t, h.renderer.RecoveryPrompts(), "direct recovery shows no dialog")
		})
	}
}

func TestShowRecovery_RepromptsAfterBadEmail(t *testing.T) {
	h := newHarness(t, 3)
	h.renderer.RecoveryReplies = []testutil.RecoveryReply{
		{Email: "not-an-email"},
		{Email: "buyer@example.com"},
	}
	done, ch := h.completion()

	h.ctrl.ShowRecovery(context.Background(), "P1", done)
	r := await(t, h, ch)

	assert.True(t, r.sent)
	assert.NoError(t, r.err)
	prompts := h.renderer.RecoveryPrompts()
	require.Len(t, prompts, 2)
	assert.ErrorIs(t, prompts[1].Err, lkerrors.ErrInvalidInput)
	assert.Equal(t, "not-an-email", prompts[1].Email)
	assert.Equal(t, 1, h.vendor.Calls("recover"))
	assert.Equal(t, []testutil.RecoveryResult{{Sent: true}}, h.renderer.RecoveryResults())
	assert.Zero(t, h.renderer.OffQueueCalls())
}

func TestShowRecovery_VendorRejectsUntilBound(t *testing.T) {
	h := newHarness(t, 1)
	h.vendor.RecoverFunc = func(context.Context, string, string) error {
		return lkerrors.InvalidInput(lkerrors.DomainVendor, "no purchases for this email")
	}
	h.renderer.RecoveryReplies = []testutil.RecoveryReply{
		{Email: "a@example.com"}, {Email: "b@example.com"}, {Email: "c@example.com"},
	}
	done, ch := h.completion()

	h.ctrl.ShowRecovery(context.Background(), "P1", done)
	r := await(t, h, ch)

	assert.False(t, r.sent)
	assert.ErrorIs(t, r.err, lkerrors.ErrInvalidInput)
	assert.Len(t, h.renderer.RecoveryPrompts(), 2)
	require.Len(t, h.renderer.RecoveryResults(), 1)
	assert.False(t, h.renderer.RecoveryResults()[0].Sent)
}

func TestShowRecovery_Dismissed(t *testing.T) {
	h := newHarness(t, 3)
	done, ch := h.completion()

	h.ctrl.ShowRecovery(context.Background(), "P1", done)
	r := await(t, h, ch)

	assert.False(t, r.sent)
	assert.NoError(t, r.err)
	assert.Zero(t, h.vendor.TotalCalls())
	require.Len(t, h.delegate.Dismissals(), 1)
	assert.Equal(t, presentation.TriggeredCancel, h.delegate.Dismissals()[0].Triggered)
}

func TestShowRecovery_Suppressed(t *testing.T) {
	h := newHarness(t, 3)
	h.delegate.Decisions = map[presentation.UIKind]presentation.Decision{
		presentation.UILicense: presentation.Suppress(),
	}
	done, ch := h.completion()

	h.ctrl.ShowRecovery(context.Background(), "P1", done)
	r := await(t, h, ch)

	assert.False(t, r.sent)
	assert.NoError(t, r.err)
	assert.Empty(t, h.renderer.RecoveryPrompts())
}

func TestShowRecovery_Unsupported(t *testing.T) {
	h := newHarness(t, 3)
	done, ch := h.completion()

	h.ctrl.ShowRecovery(context.Background(), "P2", done)
	r := await(t, h, ch)

	assert.ErrorIs(t, r.err, lkerrors.ErrUnsupported)
	assert.Empty(t, h.delegate.Asked())
}

func TestRecover_NilCompletion(t *testing.T) {
	t.Run("errors reach the delegate", func(t *testing.T) {
		h := newHarness(t, 3)
		h.ctrl.Recover(context.Background(), "P1", "bad", nil)
		testutil.Drain(h.q)

		require.Len(t, h.delegate.Errors(), 1)
		assert.Equal(t, lkerrors.DomainRecovery, h.delegate.Errors()[0].Domain)
	})

	t.Run("success is silent", func(t *testing.T) {
		h := newHarness(t, 3)
		h.ctrl.Recover(context.Background(), "P1", "buyer@example.com", nil)

		require.Eventually(t, func() bool { return h.vendor.Calls("recover") == 1 }, time.Second, 5*time.Millisecond)
		testutil.Drain(h.q)
		assert.Empty(t, h.delegate.Errors())
	})
}
