package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camstage/camstage/engine/internal/bus"
	"github.com/camstage/camstage/engine/internal/engine"
	"github.com/camstage/camstage/engine/internal/infrastructure/config"
	"github.com/camstage/camstage/engine/internal/infrastructure/monitoring"
	"github.com/camstage/camstage/engine/internal/logging"
	"github.com/camstage/camstage/engine/internal/shared/clock"
	"github.com/camstage/camstage/engine/internal/signaling"
)

type nullTransport struct{}

func (nullTransport) Deliver(env bus.Envelope) error { return nil }

type nullPeer struct{}

func (nullPeer) Answer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, nil
}
func (nullPeer) AddCandidate(webrtc.ICECandidateInit) error { return nil }
func (nullPeer) Close() error                               { return nil }

func newRouter(t *testing.T) (*gin.Engine, *engine.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	factory := func(string, func()) (signaling.Peer, error) { return nullPeer{}, nil }
	eng := engine.New(config.Default(), nullTransport{}, factory, clock.NewFake(), nil, logging.NewNop())
	t.Cleanup(eng.Close)

	h := NewHandlers(eng, monitoring.New())
	router := gin.New()
	router.GET("/health", h.Health)
	router.GET("/api/state", h.GetState)
	router.GET("/api/stats", h.GetStats)
	router.GET("/api/console", h.GetConsole)
	router.PUT("/api/protocol", h.SetProtocol)
	router.PUT("/api/site", h.SetSite)
	router.PUT("/api/devices", h.AssignDevices)
	router.POST("/api/inject", h.RequestInjection)
	router.GET("/api/permissions/pending", h.GetPendingPermission)
	router.POST("/api/permissions/:id/resolve", h.ResolvePermission)
	router.GET("/api/signaling/sessions", h.ListSignalingSessions)
	return router, eng
}

func do(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, _ := newRouter(t)
	w := do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestProtocolSwitchReflectedInState(t *testing.T) {
	router, _ := newRouter(t)

	w := do(t, router, http.MethodPut, "/api/protocol", `{"protocol":"stealth"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, w.Code)

	var state struct {
		Protocol string `json:"protocol"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, "stealth", state.Protocol)
}

func TestUnknownProtocolRejected(t *testing.T) {
	router, _ := newRouter(t)
	w := do(t, router, http.MethodPut, "/api/protocol", `{"protocol":"invisible"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSiteRequiresHost(t *testing.T) {
	router, _ := newRouter(t)
	w := do(t, router, http.MethodPut, "/api/site", `{"simulation_enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPut, "/api/site", `{"host":"app.example.com","simulation_enabled":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAssignDevices(t *testing.T) {
	router, _ := newRouter(t)
	body := `{"devices":[{"id":"cam-1","type":"camera","name":"Synthetic Camera","simulation_enabled":true}],"default_uri":"media://default"}`
	w := do(t, router, http.MethodPut, "/api/devices", body)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPermissionLifecycle(t *testing.T) {
	router, eng := newRouter(t)

	w := do(t, router, http.MethodGet, "/api/permissions/pending", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	raw, err := json.Marshal(map[string]interface{}{
		"type":       bus.TypePermissionRequest,
		"request_id": "perm_req_1",
		"payload":    map[string]interface{}{"origin": "https://app.example.com", "wants_video": true},
	})
	require.NoError(t, err)
	eng.Bus().Dispatch(raw)

	w = do(t, router, http.MethodGet, "/api/permissions/pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "perm_req_1")

	w = do(t, router, http.MethodPost, "/api/permissions/perm_req_1/resolve", `{"decision":"banana"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/api/permissions/perm_req_1/resolve", `{"decision":"simulate"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/api/permissions/pending", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSignalingSessionsListed(t *testing.T) {
	router, eng := newRouter(t)

	raw, err := json.Marshal(map[string]interface{}{
		"type":       bus.TypeSignalOffer,
		"request_id": "sig_req_1",
		"payload": map[string]string{
			"type": "offer",
			"sdp":  "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n",
		},
	})
	require.NoError(t, err)
	eng.Bus().Dispatch(raw)

	require.Eventually(t, func() bool {
		w := do(t, router, http.MethodGet, "/api/signaling/sessions", "")
		return w.Code == http.StatusOK && strings.Contains(w.Body.String(), "sig_req_1")
	}, time.Second, 5*time.Millisecond)
}

func TestStatsAndConsoleEndpoints(t *testing.T) {
	router, eng := newRouter(t)

	raw, err := json.Marshal(map[string]interface{}{
		"type":    bus.TypeConsole,
		"payload": map[string]string{"level": "log", "message": "hello"},
	})
	require.NoError(t, err)
	eng.Bus().Dispatch(raw)

	w := do(t, router, http.MethodGet, "/api/console", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello")

	w = do(t, router, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInjectEndpoint(t *testing.T) {
	router, _ := newRouter(t)
	w := do(t, router, http.MethodPost, "/api/inject", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
}
