package rpc

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	d := NewDispatcher()
	d.Handle("session-get", func(args json.RawMessage) (string, interface{}, error) {
		return "success", map[string]string{"version": "test"}, nil
	})
	s := New(Config{WebRoot: t.TempDir()}, d, log.Default)
	return s
}

func TestCSRFRejectsMissingSessionId(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/transmission/rpc", bytes.NewReader([]byte(`{"method":"session-get"}`)))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, s.sessionID, rec.Header().Get("X-Transmission-Session-Id"))
}

func TestCSRFAcceptsEchoedSessionId(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/transmission/rpc", bytes.NewReader([]byte(`{"method":"session-get"}`)))
	req.Header.Set("X-Transmission-Session-Id", s.sessionID)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Result)
}

func TestOptionsEchoesRequestedHeaders(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/transmission/rpc", nil)
	req.Header.Set("Access-Control-Request-Headers", "X-Custom")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "X-Custom", rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestBasicAuthRejectsWrongCredentials(t *testing.T) {
	d := NewDispatcher()
	s := New(Config{Username: "admin", Password: "secret", WebRoot: t.TempDir()}, d, log.Default)
	req := httptest.NewRequest(http.MethodPost, "/transmission/rpc", nil)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAntiBruteForceLocksOutAfterThreshold(t *testing.T) {
	d := NewDispatcher()
	s := New(Config{
		Username:               "admin",
		Password:               "secret",
		AntiBruteForce:         true,
		LoginAttemptsThreshold: 2,
	}, d, log.Default)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/transmission/rpc", nil)
		req.SetBasicAuth("admin", "wrong")
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/transmission/rpc", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRootRedirectsToWeb(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/transmission/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/transmission/web/", rec.Header().Get("Location"))
}

func TestUnknownMethodReportsErrorNotCrash(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/transmission/rpc", bytes.NewReader([]byte(`{"method":"bogus"}`)))
	req.Header.Set("X-Transmission-Session-Id", s.sessionID)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Result, "error")
}

func TestGzipResponseWhenAcceptedAndSmaller(t *testing.T) {
	d := NewDispatcher()
	d.Handle("big", func(args json.RawMessage) (string, interface{}, error) {
		s := make([]string, 0, 200)
		for i := 0; i < 200; i++ {
			s = append(s, "repeated-value-for-compression")
		}
		return "success", s, nil
	})
	s := New(Config{}, d, log.Default)

	req := httptest.NewRequest(http.MethodPost, "/transmission/rpc", bytes.NewReader([]byte(`{"method":"big"}`)))
	req.Header.Set("X-Transmission-Session-Id", s.sessionID)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	gr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(gr)
	require.NoError(t, err)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(plain, &resp))
	assert.Equal(t, "success", resp.Result)
}
