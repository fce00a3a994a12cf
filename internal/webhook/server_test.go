package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlecomte/tradefan/internal/broker"
	"github.com/mlecomte/tradefan/internal/broker/brokertest"
	"github.com/mlecomte/tradefan/internal/config"
	"github.com/mlecomte/tradefan/internal/dispatch"
	"github.com/mlecomte/tradefan/internal/queue"
)

func newTestServer(t *testing.T, yaml string) (*Server, *queue.Sequencer[dispatch.Signal]) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	store, err := config.NewStore(path)
	require.NoError(t, err)

	seq := queue.New[dispatch.Signal](logrus.New())
	registry := broker.NewRegistry(map[string]broker.Broker{
		"acc1": brokertest.New("acc1"),
	}, nil)
	return NewServer(store, seq, registry, logrus.New()), seq
}

const secureYAML = `
webhook:
  secret_token: s3cret
`

const validAlert = `{"symbol":"EURUSD","side":"long","entry":1.1,"sl":1.09,"tp":1.12}`

func post(h http.Handler, target, body string, mod func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAcceptsBearerToken(t *testing.T) {
	s, seq := newTestServer(t, secureYAML)
	rec := post(s.Router(), "/webhook", validAlert, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer s3cret")
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, seq.Depth())

	var resp struct {
		Status        string `json:"status"`
		RequestID     string `json:"request_id"`
		QueuePosition int    `json:"queue_position"`
		Timestamp     string `json:"timestamp"`
		Signal        struct {
			Symbol string `json:"symbol"`
		} `json:"signal"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 1, resp.QueuePosition)
	assert.NotEmpty(t, resp.Timestamp)
	assert.Equal(t, "EURUSD", resp.Signal.Symbol, "echoed signal")
}

func TestWebhookAcceptsHeaderQueryAndBodyTokens(t *testing.T) {
	s, _ := newTestServer(t, secureYAML)
	router := s.Router()

	rec := post(router, "/webhook", validAlert, func(r *http.Request) {
		r.Header.Set("X-Webhook-Token", "s3cret")
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, "header token")

	rec = post(router, "/webhook?token=s3cret", validAlert, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code, "query token")

	bodyWithToken := `{"symbol":"EURUSD","side":"long","entry":1.1,"sl":1.09,"tp":1.12,"token":"s3cret"}`
	rec = post(router, "/webhook", bodyWithToken, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code, "body token")
}

func TestWebhookRejectsBadToken(t *testing.T) {
	s, seq := newTestServer(t, secureYAML)

	rec := post(s.Router(), "/webhook", validAlert, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, seq.Depth())
}

func TestWebhookRejectsMalformedAlert(t *testing.T) {
	s, _ := newTestServer(t, secureYAML)

	rec := post(s.Router(), "/webhook?token=s3cret", `{"symbol":"EURUSD"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookMalformedAlertWithoutTokenIs401(t *testing.T) {
	s, _ := newTestServer(t, secureYAML)

	rec := post(s.Router(), "/webhook", `not even close`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookNoSecretConfigured(t *testing.T) {
	s, seq := newTestServer(t, "webhook: {}\n")

	rec := post(s.Router(), "/webhook", validAlert, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, seq.Depth())
}

func TestWebhookIPAllowList(t *testing.T) {
	yaml := `
webhook:
  secret_token: s3cret
  allowed_ips: ["10.0.0.5"]
`
	s, _ := newTestServer(t, yaml)
	router := s.Router()

	rec := post(router, "/webhook", validAlert, func(r *http.Request) {
		r.RemoteAddr = "192.0.2.1:1234"
		r.Header.Set("Authorization", "Bearer s3cret")
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, "unlisted address")

	rec = post(router, "/webhook", validAlert, func(r *http.Request) {
		r.RemoteAddr = "10.0.0.5:1234"
		r.Header.Set("Authorization", "Bearer s3cret")
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, "listed address")

	rec = post(router, "/webhook", validAlert, func(r *http.Request) {
		r.RemoteAddr = "52.89.214.238:1234"
		r.Header.Set("Authorization", "Bearer s3cret")
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, "tradingview source")
}

func TestWebhookForwardedForFirstEntry(t *testing.T) {
	yaml := `
webhook:
  allowed_ips: ["10.0.0.5"]
`
	s, _ := newTestServer(t, yaml)

	rec := post(s.Router(), "/webhook", validAlert, func(r *http.Request) {
		r.RemoteAddr = "192.0.2.1:1234"
		r.Header.Set("X-Forwarded-For", "10.0.0.5, 192.0.2.1")
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWebhookTestEndpointDoesNotEnqueue(t *testing.T) {
	s, seq := newTestServer(t, secureYAML)

	rec := post(s.Router(), "/webhook/test?token=s3cret", validAlert, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, seq.Depth())

	var resp struct {
		Status string `json:"status"`
		Signal struct {
			Symbol string `json:"symbol"`
		} `json:"signal"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "valid", resp.Status)
	assert.Equal(t, "EURUSD", resp.Signal.Symbol)
}

func TestHealthAndStatusEndpoints(t *testing.T) {
	s, _ := newTestServer(t, secureYAML)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "status requires the token")

	req = httptest.NewRequest(http.MethodGet, "/queue", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "queue requires the token")

	req = httptest.NewRequest(http.MethodGet, "/queue?token=s3cret", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/status?token=s3cret", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Brokers map[string]struct {
			Connected bool `json:"connected"`
		} `json:"brokers"`
		QueueDepth int `json:"queue_depth"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Contains(t, status.Brokers, "acc1")
	assert.True(t, status.Brokers["acc1"].Connected)
}
