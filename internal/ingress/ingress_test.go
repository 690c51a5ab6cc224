package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentstack/agentstack/internal/bus"
	"github.com/agentstack/agentstack/internal/keydir"
	"github.com/agentstack/agentstack/internal/model"
	"github.com/agentstack/agentstack/internal/ratelimit"
)

const (
	testKey     = "ak_0123456789abcdef01234567"
	testProject = "proj-1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeKeyStore serves one project key and counts lookups so tests can assert
// the fast-reject path never scans.
type fakeKeyStore struct {
	keys    []keydir.ProjectKey
	err     error
	lookups atomic.Int64
}

func (f *fakeKeyStore) LookupAllProjectKeys(context.Context) ([]keydir.ProjectKey, error) {
	f.lookups.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.keys, nil
}

func (f *fakeKeyStore) Close() {}

type testEnv struct {
	handler http.Handler
	bus     *bus.Bus
	store   *fakeKeyStore
	probe   *Probe
	mr      *miniredis.Miniredis
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()

	hash, err := keydir.HashKey(testKey)
	require.NoError(t, err)
	store := &fakeKeyStore{keys: []keydir.ProjectKey{{ProjectID: testProject, VerifierHash: hash}}}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b := bus.NewWithClient(client, 1000, testLogger())

	probe := NewProbe(nil, nil)
	srv := New(ServerConfig{
		Keys:           keydir.New(store, time.Minute, testLogger()),
		Bus:            b,
		Limiter:        limiter,
		Probe:          probe,
		Logger:         testLogger(),
		Port:           0,
		MaxBodyBytes:   1024,
		RequestTimeout: 5 * time.Second,
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	return &testEnv{handler: srv.Handler(), bus: b, store: store, probe: probe, mr: mr}
}

func (e *testEnv) post(t *testing.T, body string, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testKey)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) queuedSpans(t *testing.T) []model.Span {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.bus.CreateGroup(ctx, bus.StreamSpans, "test-reader", bus.FromOldest))
	msgs, err := e.bus.Read(ctx, bus.StreamSpans, "test-reader", "c1", 100, 0)
	require.NoError(t, err)
	spans := make([]model.Span, len(msgs))
	for i, m := range msgs {
		require.NoError(t, msgpack.Unmarshal(m.Payload, &spans[i]))
	}
	return spans
}

func spanJSON(id string) string {
	return fmt.Sprintf(`{"span_id":%q,"trace_id":"t1","name":"agent.step","start_time":1000,"end_time":2000000}`, id)
}

func TestIngestEnvelope(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.post(t, `{"spans":[`+spanJSON("s1")+`,`+spanJSON("s2")+`]}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp model.IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, 2, resp.SpansQueued)

	spans := e.queuedSpans(t)
	require.Len(t, spans, 2)
	assert.Equal(t, testProject, spans[0].ProjectID)
	assert.Equal(t, model.SpanStatusUnset, spans[0].Status)
}

func TestIngestBareArrayAndSingleObject(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.post(t, `[`+spanJSON("s1")+`]`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.post(t, spanJSON("s2"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Len(t, e.queuedSpans(t), 2)
}

func TestIngestProjectIDNeverTrustedFromClient(t *testing.T) {
	e := newTestEnv(t, nil)
	body := `{"spans":[{"span_id":"s1","trace_id":"t1","name":"n","start_time":1,"end_time":2,"project_id":"spoofed"}]}`
	rec := e.post(t, body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	spans := e.queuedSpans(t)
	require.Len(t, spans, 1)
	assert.Equal(t, testProject, spans[0].ProjectID)
}

func TestIngestUnknownKey(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.post(t, spanJSON("s1"), func(r *http.Request) {
		r.Header.Set("X-API-Key", "ak_zzzzzzzzzzzzzzzzzzzzzzzz")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeUnauthorized, resp.Error)
}

func TestIngestMalformedKeySkipsStore(t *testing.T) {
	e := newTestEnv(t, nil)

	// One character below the minimum length: rejected before any lookup.
	short := "ak_" + strings.Repeat("x", 23)
	rec := e.post(t, spanJSON("s1"), func(r *http.Request) { r.Header.Set("X-API-Key", short) })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int64(0), e.store.lookups.Load())

	// At the minimum length the slow path runs.
	atMin := "ak_" + strings.Repeat("x", 24)
	rec = e.post(t, spanJSON("s1"), func(r *http.Request) { r.Header.Set("X-API-Key", atMin) })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int64(1), e.store.lookups.Load())
}

func TestIngestInvalidSpansDiscarded(t *testing.T) {
	e := newTestEnv(t, nil)

	// Second span has start after end and is dropped; batch still succeeds.
	bad := `{"span_id":"s2","trace_id":"t1","name":"n","start_time":5,"end_time":1}`
	rec := e.post(t, `{"spans":[`+spanJSON("s1")+`,`+bad+`]}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp model.IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.SpansQueued)
}

func TestIngestAllSpansInvalid(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.post(t, `{"spans":[{"span_id":"","trace_id":"t1","name":"n","start_time":1,"end_time":2}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestMalformedJSON(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.post(t, `{"spans": [{]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.post(t, ``)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestBodySizeBoundary(t *testing.T) {
	e := newTestEnv(t, nil)

	// Pad an attribute so the body lands exactly on the limit (1024 in tests).
	base := `{"spans":[{"span_id":"s1","trace_id":"t1","name":"n","start_time":1,"end_time":2,"attributes":{"pad":"PAD"}}]}`
	pad := strings.Repeat("x", 1024-len(base)+3)
	exact := strings.Replace(base, "PAD", pad, 1)
	require.Len(t, exact, 1024)

	rec := e.post(t, exact)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	over := strings.Replace(base, "PAD", pad+"x", 1)
	rec = e.post(t, over)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodePayloadTooLarge, resp.Error)
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestIngestGzipBody(t *testing.T) {
	e := newTestEnv(t, nil)
	body := gzipBytes(t, []byte(`{"spans":[`+spanJSON("s1")+`]}`))

	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	req.Header.Set("X-API-Key", testKey)
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestIngestGzipLimitAppliesAfterDecompression(t *testing.T) {
	e := newTestEnv(t, nil)

	// Highly compressible payload well beyond the 1024 byte limit.
	big := gzipBytes(t, []byte(`{"spans":[{"name":"`+strings.Repeat("a", 100_000)+`"}]}`))
	require.Less(t, len(big), 1024)

	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(big))
	req.Header.Set("X-API-Key", testKey)
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIngestOversizeCompressedStream(t *testing.T) {
	e := newTestEnv(t, nil)

	// Incompressible payload: the compressed stream itself is far beyond the
	// limit, and the rejection must still be a capacity one.
	raw := make([]byte, 256*1024)
	rnd := rand.New(rand.NewSource(1))
	rnd.Read(raw)
	body := gzipBytes(t, raw)
	require.Greater(t, len(body), 1024)

	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	req.Header.Set("X-API-Key", testKey)
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIngestCorruptGzip(t *testing.T) {
	e := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", strings.NewReader("not gzip"))
	req.Header.Set("X-API-Key", testKey)
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer limiter.Close()
	e := newTestEnv(t, limiter)

	rec := e.post(t, spanJSON("s1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.post(t, spanJSON("s2"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeRateLimited, resp.Error)
}

func TestIngestBusUnavailable(t *testing.T) {
	e := newTestEnv(t, nil)
	e.mr.Close()

	rec := e.post(t, spanJSON("s1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeUnavailable, resp.Error)
}

func TestIngestMetadataStoreUnavailable(t *testing.T) {
	e := newTestEnv(t, nil)
	e.store.err = model.ErrUnavailable

	rec := e.post(t, spanJSON("s1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeUnavailable, resp.Error)
}

func TestHealthAlwaysOK(t *testing.T) {
	e := newTestEnv(t, nil)
	e.mr.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyReflectsDependencyWindow(t *testing.T) {
	e := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// A successful ingest marks both dependencies.
	e.post(t, spanJSON("s1"))
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/v1/traces", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	// Unlisted origins get no CORS headers.
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDEchoed(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.post(t, spanJSON("s1"), func(r *http.Request) {
		r.Header.Set("X-Request-ID", "req-42")
	})
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
