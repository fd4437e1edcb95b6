package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"licensekit/internal/shared/testutil"
)

type mockPinger struct {
	mock.Mock
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type stubHub struct {
	running bool
	clients int
}

func (h stubHub) Running() bool    { return h.running }
func (h stubHub) ClientCount() int { return h.clients }

func TestHealthService_Readiness(t *testing.T) {
	tests := []struct {
		name      string
		pingErr   error
		hub       HubStatus
		wantReady bool
		wantStore string
		wantHub   string
	}{
		{name: "all ready", hub: stubHub{running: true}, wantReady: true, wantStore: "ready", wantHub: "ready"},
		{name: "hub disabled", wantReady: true, wantStore: "ready", wantHub: "disabled"},
		{name: "store down", pingErr: errors.New("database is locked"), hub: stubHub{running: true}, wantStore: "not_ready", wantHub: "ready"},
		{name: "hub stopped", hub: stubHub{}, wantStore: "ready", wantHub: "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := testutil.NewTestLogger(t)
			pinger := new(mockPinger)
			pinger.On("Ping", mock.Anything).Return(tt.pingErr)

			hs := NewHealthService(pinger, tt.hub, logger)
			status := hs.ReadinessCheck(context.Background())

			assert.Equal(t, tt.wantReady, status.Ready())
			assert.Equal(t, tt.wantStore, status.Services["license_store"].Status)
			assert.Equal(t, tt.wantHub, status.Services["events"].Status)
			pinger.AssertExpectations(t)
		})
	}
}

func TestHealthService_Liveness(t *testing.T) {
	hs := NewHealthService(new(mockPinger), nil, nil)
	status := hs.LivenessCheck(context.Background())
	assert.Equal(t, "alive", status.Status)
	assert.Contains(t, status.Runtime, "goroutines")
}
