package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"xscrow/internal/config"
	"xscrow/internal/errs"
	"xscrow/internal/events"
	"xscrow/internal/hmacauth"
	"xscrow/internal/idempotency"
	"xscrow/internal/oracle"
	"xscrow/internal/registry"
)

const headerIdempotencyKey = "X-Idempotency-Key"

// HealthChecker is anything /health can probe.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// jobQueue is implemented by networks that hold jobs in process.
type jobQueue interface {
	Jobs() []oracle.Job
	FulfillRaw(ctx context.Context, id common.Hash, result []byte) error
}

type Deps struct {
	Factory  *registry.Factory
	Network  oracle.Network
	Events   *events.Log
	Store    idempotency.Store
	Chain    HealthChecker
	Database HealthChecker
	Logger   *slog.Logger
}

type Server struct {
	cfg          *config.AppConfig
	factory      *registry.Factory
	network      oracle.Network
	events       *events.Log
	store        idempotency.Store
	hmac         *hmacauth.Verifier
	operatorHMAC *hmacauth.Verifier
	httpServer   *http.Server
	metrics      *metricsRegistry
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	dbHealthFn   func(context.Context) error
	rpcHealthFn  func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := deps.Store
	if store == nil {
		store = idempotency.NewMemoryStore()
	}

	metrics := newMetricsRegistry()
	deps.Events.AddSink(metrics)

	s := &Server{
		cfg:     cfg,
		factory: deps.Factory,
		network: deps.Network,
		events:  deps.Events,
		store:   store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		operatorHMAC: &hmacauth.Verifier{
			Secret:  cfg.Oracle.OperatorSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "server")),
	}

	if deps.Database != nil {
		s.dbHealthFn = deps.Database.Ping
	} else if checker, ok := store.(HealthChecker); ok {
		s.dbHealthFn = checker.Ping
	}
	if deps.Chain != nil {
		s.rpcHealthFn = deps.Chain.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Service.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type", headerIdempotencyKey,
			hmacauth.HeaderSignature, hmacauth.HeaderTimestamp, hmacauth.HeaderCaller,
		},
		MaxAge: 300,
	}))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/api/v1/metrics", s.metrics.handler())
	r.Get("/api/v1/events/ws", s.handleEventStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/api/v1/owners/{owner}/escrows/{index}", s.handleProductAt)
		r.Get("/api/v1/escrows/{ledger}", s.handleEscrowInfo)
		r.Get("/api/v1/escrows/{ledger}/balances/{address}", s.handleBalance)

		r.Group(func(r chi.Router) {
			r.Use(s.hmac.Middleware)

			r.Post("/api/v1/escrows", s.handleCreate)
			r.Route("/api/v1/escrows/{ledger}", func(r chi.Router) {
				r.Post("/deposits", s.handleDeposit)
				r.Post("/withdrawals", s.handleRequestWithdraw)
				r.Post("/force-settlements", s.handleForceSettle)
				r.Post("/pause", s.handlePause)
				r.Post("/unpause", s.handleUnpause)
				r.Put("/fee", s.handleSetFee)
				r.Put("/treasuries", s.handleSetTreasuries)
				r.Put("/oracle-ref", s.handleSetOracleRef)
				r.Put("/owner", s.handleTransferOwnership)
				r.Get("/oracle", s.handleOracleSettings)
				r.Put("/oracle/operator", s.handleSetOperator)
				r.Put("/oracle/job", s.handleSetJobID)
				r.Put("/oracle/endpoint", s.handleSetEndpoint)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.operatorHMAC.Middleware)

			r.Post("/api/v1/callbacks/oracle", s.handleOracleCallback)
			r.Get("/api/v1/oracle/jobs", s.handleJobs)
		})
	})

	return r
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", slog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func statusFor(err error) int {
	code, ok := errs.CodeOf(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	switch code {
	case errs.CodeInvalidAmount, errs.CodeFeeOutOfBounds, errs.CodeInvalidAddress, errs.CodeInvalidResult:
		return http.StatusBadRequest
	case errs.CodeUnauthorized:
		return http.StatusForbidden
	case errs.CodeSystemPaused:
		return http.StatusConflict
	case errs.CodeUnknownRequest, errs.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, _ := errs.CodeOf(err)
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// callerFrom returns the principal bound by the request signature.
func callerFrom(r *http.Request) (common.Address, error) {
	caller := hmacauth.Caller(r.Context())
	if !common.IsHexAddress(caller) {
		return common.Address{}, errs.New(errs.CodeInvalidAddress, "missing or invalid "+hmacauth.HeaderCaller+" header")
	}
	return common.HexToAddress(caller), nil
}

func parseAddress(field, v string) (common.Address, error) {
	v = strings.TrimSpace(v)
	if !common.IsHexAddress(v) {
		return common.Address{}, errs.New(errs.CodeInvalidAddress, field+" is not a valid address")
	}
	return common.HexToAddress(v), nil
}

// execute runs op once per (caller, path, X-Idempotency-Key) within the
// configured window. Requests without the header always execute.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, caller common.Address, op string, fn func(ctx context.Context) (int, any, error)) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	scoped := ""
	if key != "" {
		scoped = idempotency.Key(caller.Hex(), r.Method+" "+r.URL.Path+":"+key)
		if existing, _ := s.store.Get(ctx, scoped); existing != nil {
			writeRaw(w, existing.StatusCode, existing.Response)
			s.metrics.incOperation(op, "cached")
			return
		}
	}

	status, body, err := fn(ctx)
	if err != nil {
		s.metrics.incOperation(op, "failed")
		s.logger.Warn("operation failed",
			slog.String("operation", op), slog.String("caller", caller.Hex()), slog.Any("err", err))
		writeError(w, err)
		return
	}

	b, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	if scoped != "" {
		now := time.Now()
		if err := s.store.Save(ctx, scoped, idempotency.Record{
			StatusCode: status,
			Response:   b,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
		}); err != nil {
			s.logger.Warn("idempotency save failed", slog.String("operation", op), slog.Any("err", err))
		}
	}
	writeRaw(w, status, b)
	s.metrics.incOperation(op, "ok")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string `json:"status"`
		RPC        any    `json:"rpc"`
		Database   any    `json:"database"`
		QueueDepth int    `json:"queue_depth"`
		Escrows    int    `json:"escrows"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: s.updateDLQDepth(),
		Escrows:    len(s.factory.Deployments()),
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	s.metrics.setDLQDepth(depth)
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.Service.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.DLQPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("dlq read error", slog.Any("err", err))
		}
		return 0
	}
	return len(entries)
}
