package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetHealthHealthyWithNoTickBudgetConfigured(t *testing.T) {
	SetMaxTickSilence(0)
	h := GetHealth()
	assert.Equal(t, "healthy", h.Status)
}

func TestGetHealthUnhealthyWhenTickSilenceExceeded(t *testing.T) {
	SetMaxTickSilence(10 * time.Millisecond)
	RecordTick(time.Now().Add(-time.Second))
	h := GetHealth()
	assert.Equal(t, "unhealthy", h.Status)
	assert.NotEmpty(t, h.Message)
	SetMaxTickSilence(0)
}

func TestLivenessHandlerReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	SetMaxTickSilence(10 * time.Millisecond)
	RecordTick(time.Now().Add(-time.Second))
	defer SetMaxTickSilence(0)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	LivenessHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}
