// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lumix-ai/lottoseq/internal/generation"
	"github.com/lumix-ai/lottoseq/internal/monitoring"
	"github.com/lumix-ai/lottoseq/internal/sampler"
	"github.com/lumix-ai/lottoseq/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"golang.org/x/sync/semaphore"
)

// Generator is satisfied by *generation.Service.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (generation.Response, error)
}

// Recorder is satisfied by *storage.Store.
type Recorder interface {
	RecordBatch(ctx context.Context, b storage.Batch) error
	LoadBatch(ctx context.Context, id uuid.UUID) (storage.Batch, bool, error)
}

type Config struct {
	Addr          string
	MaxConcurrent int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	// Defaults for query parameters the client leaves out.
	Sets        int
	Temperature float64
	TopK        int
}

// Server - HTTP front of the generation service.
type Server struct {
	config   Config
	gen      Generator
	recorder Recorder
	metrics  *monitoring.Metrics
	sem      *semaphore.Weighted
	started  time.Time

	metricsHandler fasthttp.RequestHandler
	srv            *fasthttp.Server
}

// New wires the routes. recorder and metrics may be nil.
func New(cfg Config, gen Generator, recorder Recorder, metrics *monitoring.Metrics) *Server {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	s := &Server{
		config:         cfg,
		gen:            gen,
		recorder:       recorder,
		metrics:        metrics,
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		started:        time.Now(),
		metricsHandler: fasthttpadaptor.NewFastHTTPHandler(metrics.Handler()),
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handle,
		Name:         "lottoseq",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.config.Addr).Int("max_concurrent", s.config.MaxConcurrent).Msg("HTTP server listening")
	return s.srv.ListenAndServe(s.config.Addr)
}

func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

// Handle routes one request.
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/":
		s.handleHealth(ctx)
	case "/generate":
		s.handleGenerate(ctx)
	case "/batch":
		s.handleBatch(ctx)
	case "/metrics":
		s.metricsHandler(ctx)
	default:
		writeError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"status":  "ok",
		"message": "lottoseq generator is running",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

type generateResponse struct {
	Results []sampler.GeneratedSet `json:"results"`
	Model   string                 `json:"model"`
	BatchID string                 `json:"batch_id"`
}

func (s *Server) handleGenerate(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}
	req, err := s.parseRequest(ctx.QueryArgs())
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()
	if err := s.sem.Acquire(reqCtx, 1); err != nil {
		writeError(ctx, fasthttp.StatusServiceUnavailable, "server busy")
		return
	}
	defer s.sem.Release(1)

	resp, err := s.gen.Generate(reqCtx, req)
	if err != nil {
		status := fasthttp.StatusInternalServerError
		if errors.Is(err, generation.ErrUnknownVariant) || errors.Is(err, sampler.ErrInvalidParams) {
			status = fasthttp.StatusBadRequest
		}
		writeError(ctx, status, err.Error())
		return
	}

	if s.recorder != nil {
		batch := storage.Batch{
			ID:          resp.BatchID,
			Variant:     string(resp.Variant),
			Temperature: req.Temperature,
			TopK:        req.TopK,
			Sets:        resp.Sets,
		}
		if err := s.recorder.RecordBatch(reqCtx, batch); err != nil {
			log.Warn().Err(err).Str("batch_id", resp.BatchID.String()).Msg("Failed to record generation")
		}
	}

	writeJSON(ctx, fasthttp.StatusOK, generateResponse{
		Results: resp.Sets,
		Model:   string(resp.Variant),
		BatchID: resp.BatchID.String(),
	})
}

type batchResponse struct {
	BatchID     string                 `json:"batch_id"`
	Model       string                 `json:"model"`
	Temperature float64                `json:"temperature"`
	TopK        int                    `json:"top_k"`
	Results     []sampler.GeneratedSet `json:"results"`
	CreatedAt   time.Time              `json:"created_at"`
}

// handleBatch returns a recorded batch by id.
func (s *Server) handleBatch(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.recorder == nil {
		writeError(ctx, fasthttp.StatusNotFound, "generations are not recorded")
		return
	}
	id, err := uuid.ParseBytes(ctx.QueryArgs().Peek("id"))
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "id must be a batch uuid")
		return
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()
	b, found, err := s.recorder.LoadBatch(reqCtx, id)
	if err != nil {
		log.Error().Err(err).Str("batch_id", id.String()).Msg("Failed to load batch")
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(ctx, fasthttp.StatusNotFound, "batch not found")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, batchResponse{
		BatchID:     b.ID.String(),
		Model:       b.Variant,
		Temperature: b.Temperature,
		TopK:        b.TopK,
		Results:     b.Sets,
		CreatedAt:   b.CreatedAt,
	})
}

// parseRequest reads model, sets, temperature and top_k, fills defaults and
// clamps the numbers into range.
func (s *Server) parseRequest(args *fasthttp.Args) (generation.Request, error) {
	variant, err := generation.ParseVariant(string(args.Peek("model")))
	if err != nil {
		return generation.Request{}, err
	}
	req := generation.Request{
		Variant:     variant,
		Sets:        s.config.Sets,
		Temperature: s.config.Temperature,
		TopK:        s.config.TopK,
		Bonus:       true,
	}
	if v := args.Peek("sets"); len(v) > 0 {
		if req.Sets, err = strconv.Atoi(string(v)); err != nil {
			return generation.Request{}, errors.New("sets must be an integer")
		}
	}
	if v := args.Peek("temperature"); len(v) > 0 {
		if req.Temperature, err = strconv.ParseFloat(string(v), 64); err != nil {
			return generation.Request{}, errors.New("temperature must be a number")
		}
	}
	if v := args.Peek("top_k"); len(v) > 0 {
		if req.TopK, err = strconv.Atoi(string(v)); err != nil {
			return generation.Request{}, errors.New("top_k must be an integer")
		}
	}
	return req.Clamp(), nil
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		ctx.Error("internal error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"detail": msg})
}
