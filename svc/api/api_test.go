package api

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crybin/cfg"
	"crybin/svc/auth"
	"crybin/svc/db"
	"crybin/svc/lim"
	"crybin/svc/svc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, trafficLimit time.Duration) *Server {
	t.Helper()
	store, err := db.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	c := &cfg.Cfg{
		Port:             "0",
		Environment:      "test",
		StorageBackend:   cfg.BackendFilesystem,
		ExpireOptions:    []cfg.ExpireOption{{Label: "5min", Seconds: 300}, {Label: "never", Seconds: 0}},
		ExpireDefault:    "5min",
		FormatterOptions: []string{"plaintext", "markdown"},
		DefaultFormatter: "plaintext",
		Discussion:       true,
		SizeLimit:        4096,
		TrafficLimit:     trafficLimit,
		ContextTimeout:   5 * time.Second,
		MetricsUser:      "prom",
		MetricsPass:      cfg.NewSecret("scrape"),
	}
	salts := auth.NewSaltStore(store)
	pastes := svc.NewPaste(store, salts, c)
	traffic := lim.NewTrafficLimiter(store, salts, c.TrafficLimit, nil)
	return NewServer(c, pastes, traffic, lim.NewAnomalyDetector(traffic.TriggerAdaptiveMode), store, nil)
}

func b64(t *testing.T, n int) string {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(buf)
}

func cipherParams(t *testing.T) string {
	return fmt.Sprintf(`[%q,%q,100000,256,128,"aes","gcm","zlib"]`, b64(t, 16), b64(t, 8))
}

func pasteBody(t *testing.T, discussion, burn int) []byte {
	return []byte(fmt.Sprintf(`{"v":2,"ct":%q,"adata":[%s,"plaintext",%d,%d],"meta":{"expire":"5min"}}`,
		b64(t, 96), cipherParams(t), discussion, burn))
}

func commentBody(t *testing.T, pasteID string) []byte {
	return []byte(fmt.Sprintf(`{"v":2,"ct":%q,"adata":%s,"pasteid":%q,"parentid":%q}`,
		b64(t, 96), cipherParams(t), pasteID, pasteID))
}

func do(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.9:4000"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestPasteLifecycle(t *testing.T) {
	s := newTestServer(t, 0)

	rec := do(s, http.MethodPost, "/", pasteBody(t, 1, 0))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	assert.Equal(t, float64(0), created["status"])
	id := created["id"].(string)
	token := created["deletetoken"].(string)
	assert.Equal(t, "/?"+id, created["url"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(s, http.MethodPost, "/pastes", commentBody(t, id))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	comment := decodeBody(t, rec)
	assert.NotContains(t, comment, "deletetoken")

	rec = do(s, http.MethodGet, "/pastes/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody(t, rec)
	assert.Equal(t, id, view["id"])
	assert.Equal(t, float64(1), view["comment_count"])
	meta := view["meta"].(map[string]interface{})
	assert.NotContains(t, meta, "expire_date")
	assert.NotContains(t, meta, "salt")
	assert.InDelta(t, 300, meta["time_to_live"], 2)

	rec = do(s, http.MethodDelete, "/pastes/"+id+"?deletetoken=wrong", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(s, http.MethodDelete, "/pastes/"+id, []byte(`{"deletetoken":"`+token+`"}`))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(s, http.MethodGet, "/pastes/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	failed := decodeBody(t, rec)
	assert.Equal(t, float64(1), failed["status"])
	assert.Equal(t, "PASTE_NOT_FOUND", failed["code"])
}

func TestCreateErrors(t *testing.T) {
	s := newTestServer(t, 0)

	rec := do(s, http.MethodPost, "/", []byte(`{"v":2`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/", []byte(`{"v":2,"ct":"x","adata":[],"meta":{"expire":"5min"}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MALFORMED_ENVELOPE", decodeBody(t, rec)["code"])

	rec = do(s, http.MethodPost, "/", bytes.Repeat([]byte(" "), 5000))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = do(s, http.MethodGet, "/pastes/not-an-id", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := pasteBody(t, 0, 0)
	require.Equal(t, http.StatusCreated, do(s, http.MethodPost, "/", body).Code)
	rec = do(s, http.MethodPost, "/", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTrafficLimit(t *testing.T) {
	s := newTestServer(t, 10*time.Second)
	require.Equal(t, http.StatusCreated, do(s, http.MethodPost, "/", pasteBody(t, 0, 0)).Code)
	rec := do(s, http.MethodPost, "/", pasteBody(t, 0, 0))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))
	assert.Equal(t, "TRAFFIC_LIMITED", decodeBody(t, rec)["code"])
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, 0)

	rec := do(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	ready := decodeBody(t, rec)
	assert.Equal(t, true, ready["ready"])
	assert.Equal(t, "unavailable", ready["lock"])

	rec = do(s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, rec)["code"])
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "scrape")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crybin_request_duration_seconds")
	assert.Contains(t, rec.Body.String(), "crybin_recent_error_rate_percent")
}

func TestAnomalyDetectionCountsServerErrors(t *testing.T) {
	d := lim.NewAnomalyDetector(nil)
	mw := NewMw(nil, d, &cfg.Cfg{})
	status := http.StatusOK
	h := mw.AnomalyDetection(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	status = http.StatusServiceUnavailable
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.InDelta(t, 25.0, d.AdvanceWindow(), 0.001)
}
