package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
	"github.com/Bidon15/blueprint-manager/internal/ids"
	"github.com/Bidon15/blueprint-manager/internal/tracker"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	tr, err := tracker.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	return New(Config{
		Addr:    "127.0.0.1:0",
		Tracker: tr,
		Supervisors: func() []SupervisorView {
			return []SupervisorView{
				{Key: ids.InstanceKey{BlueprintID: 1, ServiceID: 1}, State: blueprint.StateRunning},
			}
		},
	})
}

func (s *Server) testHandler() http.Handler {
	return s.httpSrv.Handler
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestListSupervisors(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/supervisors", nil)
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body []SupervisorView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body, 1)
	assert.Equal(t, blueprint.StateRunning, body[0].State)
}

func TestListDeployments_EmptyStore(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/deployments", nil)
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body []tracker.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Empty(t, body)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.testHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
