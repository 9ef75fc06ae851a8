package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthz(t *testing.T) {
	h := New()
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReadyz_FollowsState(t *testing.T) {
	h := New()

	probe := func() int {
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, probe())
	h.SetReady()
	assert.True(t, h.Ready())
	assert.Equal(t, http.StatusOK, probe())
	h.SetNotReady()
	assert.Equal(t, http.StatusServiceUnavailable, probe())
}
