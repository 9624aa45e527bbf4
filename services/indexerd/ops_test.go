package indexerd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func get(t *testing.T, h http.Handler, path string) (*http.Response, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	res := rec.Result()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, body
}

func TestHealthReflectsListenerAndDatabase(t *testing.T) {
	signers := map[string]string{"claimer": "0xc749169dB9C231E1797Aa9cD7f5B7a88AeD25b08"}
	ops := NewOpsServer(fakePinger{}, signers)

	res, _ := get(t, ops, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	ops.SetRunning(true)
	res, body := get(t, ops, "/healthz")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var payload struct {
		Status   string            `json:"status"`
		Listener bool              `json:"listener"`
		Signers  map[string]string `json:"signers"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, "ok", payload.Status)
	require.True(t, payload.Listener)
	require.Equal(t, signers, payload.Signers)

	down := NewOpsServer(fakePinger{err: errors.New("connection refused")}, nil)
	down.SetRunning(true)
	res, body = get(t, down, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	require.Contains(t, string(body), "unreachable")
	require.NotContains(t, string(body), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	NewMetrics().RecordResubscribe("participated")
	ops := NewOpsServer(nil, nil)

	res, body := get(t, ops, "/metrics")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(body), "claimindexer_listener_resubscribes_total")
}
