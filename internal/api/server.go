package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"Attest-Chain/internal/ledger"
	"Attest-Chain/internal/observability/metrics"
	"Attest-Chain/pkg/logger"
)

// RelayerHeader 携带转发委托请求的地址，仅用于审计。
const RelayerHeader = "X-Relayer-Address"

// Ledger 是 API 依赖的账本能力。
type Ledger interface {
	AttestFor(ctx context.Context, caller common.Address, req ledger.DelegatedAttest) (ledger.Attestation, error)
	ContestFor(ctx context.Context, caller common.Address, req ledger.DelegatedContest) error
	RevokeAttestationFor(ctx context.Context, caller common.Address, req ledger.DelegatedRevoke) error
	SetEscrowAuthority(ctx context.Context, caller, authority common.Address) error
	MigrateAttestation(ctx context.Context, caller common.Address, m ledger.Migration) (ledger.Attestation, error)
	EndInitialization(ctx context.Context, caller common.Address) error
	Status(ctx context.Context) (ledger.Status, error)
	Attestation(ctx context.Context, id uint64) (ledger.Attestation, error)
	Revocation(ctx context.Context, link common.Hash) (ledger.Revocation, error)
}

// Balances 提供托管余额查询。
type Balances interface {
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	LockedBalance(ctx context.Context, account common.Address) (*big.Int, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr       string
	ledger     Ledger
	balances   Balances
	metrics    *metrics.Metrics
	adminToken string
	shutdown   time.Duration
	logger     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithBalances 启用托管余额查询接口。
func WithBalances(b Balances) Option {
	return func(s *Server) { s.balances = b }
}

// WithMetrics 记录 HTTP 指标并在 /metrics 暴露。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAdminToken 设置管理接口的 Bearer 口令；为空时管理接口全部拒绝。
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = strings.TrimSpace(token) }
}

// WithShutdownTimeout 设置优雅退出的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdown = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, l Ledger, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		ledger:   l,
		shutdown: 5 * time.Second,
		logger:   logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/attestations/{id}", s.handleGetAttestation)
		r.Get("/revocations/{link}", s.handleGetRevocation)
		r.Get("/escrow/accounts/{address}", s.handleGetBalance)

		r.Post("/attestations", s.handleAttestFor)
		r.Post("/contests", s.handleContestFor)
		r.Post("/revocations", s.handleRevokeFor)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Put("/escrow-authority", s.handleSetEscrowAuthority)
			r.Post("/migrations", s.handleMigrate)
			r.Post("/end-initialization", s.handleEndInitialization)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			logger.Audit().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"request_id", w.Header().Get(requestIDHeader),
			)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "UNAUTHENTICATED", Message: "缺少或错误的管理口令"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

const requestIDHeader = "X-Request-ID"

// requestID 为每个请求分配 ID，已有的 ID 原样透传。
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
