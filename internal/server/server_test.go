package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lumix-ai/lottoseq/internal/core"
	"github.com/lumix-ai/lottoseq/internal/generation"
	"github.com/lumix-ai/lottoseq/internal/monitoring"
	"github.com/lumix-ai/lottoseq/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type stubGenerator struct {
	mu   sync.Mutex
	last generation.Request
	err  error
}

func (g *stubGenerator) Generate(ctx context.Context, req generation.Request) (generation.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = req
	if g.err != nil {
		return generation.Response{}, g.err
	}
	return generation.Response{Variant: req.Variant, BatchID: uuid.New()}, nil
}

func (g *stubGenerator) lastRequest() generation.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func (g *stubGenerator) fail(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

func testConfig() Config {
	return Config{MaxConcurrent: 2, Sets: 5, Temperature: 1, TopK: 15, WriteTimeout: 5 * time.Second}
}

// serve runs s on an in-memory listener and returns a GET helper.
func serve(t *testing.T, s *Server) func(uri string) (int, []byte) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go s.Serve(ln)
	t.Cleanup(func() { s.Shutdown() })

	client := &fasthttp.Client{Dial: func(addr string) (net.Conn, error) { return ln.Dial() }}
	return func(uri string) (int, []byte) {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		req.SetRequestURI("http://lottoseq" + uri)
		require.NoError(t, client.Do(req, resp))
		return resp.StatusCode(), append([]byte(nil), resp.Body()...)
	}
}

func TestHealth(t *testing.T) {
	get := serve(t, New(testConfig(), &stubGenerator{}, nil, nil))
	status, body := get("/")
	require.Equal(t, fasthttp.StatusOK, status)
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "ok", out["status"])

	status, _ = get("/nope")
	assert.Equal(t, fasthttp.StatusNotFound, status)
}

func TestGenerateRandomEndToEnd(t *testing.T) {
	svc, err := generation.NewService(generation.Options{}, nil, core.NewContext(core.DeviceCPU, 1), nil)
	require.NoError(t, err)
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	defer store.Close()

	get := serve(t, New(testConfig(), svc, store, monitoring.New()))
	status, body := get("/generate?model=random&sets=3")
	require.Equal(t, fasthttp.StatusOK, status, string(body))

	var out struct {
		Results [][]int `json:"results"`
		Model   string  `json:"model"`
		BatchID string  `json:"batch_id"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "random", out.Model)
	require.Len(t, out.Results, 3)
	for _, r := range out.Results {
		require.Len(t, r, 7)
		seen := map[int]bool{}
		for _, n := range r {
			assert.False(t, seen[n])
			seen[n] = true
		}
	}

	id, err := uuid.Parse(out.BatchID)
	require.NoError(t, err)
	batch, found, err := store.LoadBatch(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, batch.Sets, 3)

	status, body = get("/batch?id=" + out.BatchID)
	require.Equal(t, fasthttp.StatusOK, status, string(body))
	var stored struct {
		Results [][]int `json:"results"`
		Model   string  `json:"model"`
		BatchID string  `json:"batch_id"`
	}
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, out.Results, stored.Results)
	assert.Equal(t, "random", stored.Model)
	assert.Equal(t, out.BatchID, stored.BatchID)

	status, _ = get("/batch?id=" + uuid.NewString())
	assert.Equal(t, fasthttp.StatusNotFound, status)
	status, _ = get("/batch?id=nope")
	assert.Equal(t, fasthttp.StatusBadRequest, status)
}

func TestBatchWithoutRecorder(t *testing.T) {
	get := serve(t, New(testConfig(), &stubGenerator{}, nil, nil))
	status, body := get("/batch?id=" + uuid.NewString())
	assert.Equal(t, fasthttp.StatusNotFound, status)
	assert.Contains(t, string(body), "not recorded")
}

func TestGenerateClampsAndDefaults(t *testing.T) {
	gen := &stubGenerator{}
	get := serve(t, New(testConfig(), gen, nil, nil))

	status, _ := get("/generate")
	require.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, generation.Request{Variant: generation.VariantTransformer, Sets: 5, Temperature: 1, TopK: 15, Bonus: true}, gen.lastRequest())

	status, _ = get("/generate?model=gan&sets=1000&temperature=0.01&top_k=99")
	require.Equal(t, fasthttp.StatusOK, status)
	last := gen.lastRequest()
	assert.Equal(t, generation.VariantGAN, last.Variant)
	assert.Equal(t, 100, last.Sets)
	assert.Equal(t, 0.1, last.Temperature)
	assert.Equal(t, 45, last.TopK)

	status, _ = get("/generate?sets=-4")
	require.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, 1, gen.lastRequest().Sets)
}

func TestGenerateErrorMapping(t *testing.T) {
	gen := &stubGenerator{}
	get := serve(t, New(testConfig(), gen, nil, nil))

	status, body := get("/generate?model=lstm")
	assert.Equal(t, fasthttp.StatusBadRequest, status)
	assert.Contains(t, string(body), "detail")

	status, _ = get("/generate?sets=many")
	assert.Equal(t, fasthttp.StatusBadRequest, status)

	gen.fail(errors.New("checkpoint missing"))
	status, body = get("/generate")
	assert.Equal(t, fasthttp.StatusInternalServerError, status)
	assert.Contains(t, string(body), "checkpoint missing")
}

func TestMetricsEndpoint(t *testing.T) {
	m := monitoring.New()
	m.CheckpointSaved("transformer")
	get := serve(t, New(testConfig(), &stubGenerator{}, nil, m))

	status, body := get("/metrics")
	require.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, string(body), `lottoseq_checkpoints_saved_total{model="transformer"} 1`)
}
