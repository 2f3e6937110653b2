// Package streamd exposes stream accounting and transaction orchestration over
// HTTP for a single signing account.
package streamd

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"salaryflow/core/allowance"
	flowerrors "salaryflow/core/errors"
	"salaryflow/core/streams"
	"salaryflow/core/tx"
	"salaryflow/gateway/middleware"
	"salaryflow/native/fees"
)

// ScopeWrite is the token scope required on every mutating route.
const ScopeWrite = "streams:write"

// Rate limit groups understood by the router.
const (
	LimitReads   = "reads"
	LimitActions = "actions"
)

const defaultActionWait = 30 * time.Second

// Config captures the dependencies required to construct the server.
type Config struct {
	Streams    *streams.Service
	Actions    *streams.Actions
	Allowances *allowance.Manager
	Registry   *tx.Registry
	Classifier *flowerrors.Classifier
	Fees       fees.Policy

	// Account signs every action; Contract is the default allowance spender.
	Account  common.Address
	Contract common.Address
	ReadOnly bool

	ActionWait time.Duration
	FromBlock  uint64

	Auth          *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
}

// Server routes HTTP requests onto the stream service and action facade.
type Server struct {
	streams    *streams.Service
	actions    *streams.Actions
	allowances *allowance.Manager
	registry   *tx.Registry
	classifier *flowerrors.Classifier
	fees       fees.Policy

	account  common.Address
	contract common.Address
	readOnly bool

	actionWait time.Duration
	fromBlock  uint64

	cfg    Config
	logger *slog.Logger
	router http.Handler
}

var errMissingDependency = errors.New("streamd: streams service, actions and registry are required")

// New constructs the server and its router.
func New(cfg Config) (*Server, error) {
	if cfg.Streams == nil || cfg.Actions == nil || cfg.Registry == nil {
		return nil, errMissingDependency
	}
	if cfg.ActionWait <= 0 {
		cfg.ActionWait = defaultActionWait
	}
	if cfg.Classifier == nil {
		cfg.Classifier = flowerrors.NewClassifier()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		streams:    cfg.Streams,
		actions:    cfg.Actions,
		allowances: cfg.Allowances,
		registry:   cfg.Registry,
		classifier: cfg.Classifier,
		fees:       cfg.Fees.Clone(),
		account:    cfg.Account,
		contract:   cfg.Contract,
		readOnly:   cfg.ReadOnly,
		actionWait: cfg.ActionWait,
		fromBlock:  cfg.FromBlock,
		cfg:        cfg,
		logger:     cfg.Logger,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.cfg.CORS))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(reads chi.Router) {
			reads.Use(s.limit(LimitReads))
			reads.With(s.observe("stream")).Get("/streams/{id}", s.getStream)
			reads.With(s.observe("stream_action")).Get("/streams/{id}/actions/{kind}", s.getPending)
			reads.With(s.observe("account_streams")).Get("/accounts/{address}/streams", s.accountStreams)
			reads.With(s.observe("account_history")).Get("/accounts/{address}/history", s.accountHistory)
			reads.With(s.observe("account_stats")).Get("/accounts/{address}/stats", s.accountStats)
			reads.With(s.observe("stream_history")).Get("/streams/{id}/history", s.streamHistory)
			reads.With(s.observe("create_action")).Get("/creates/{kind}", s.getCreatePending)
			reads.With(s.observe("actions")).Get("/actions", s.activeActions)
			reads.With(s.observe("fees")).Get("/fees", s.quoteFee)
			reads.With(s.observe("fees_aggregate")).Post("/fees/aggregate", s.aggregateFees)
			reads.With(s.observe("rates")).Get("/rates", s.convertRate)
			reads.With(s.observe("allowances_check")).Post("/allowances/check", s.checkAllowances)
		})
		v1.Group(func(writes chi.Router) {
			writes.Use(s.limit(LimitActions))
			if s.cfg.Auth != nil {
				writes.Use(s.cfg.Auth.Middleware(ScopeWrite))
			}
			writes.Use(s.requireSigner)
			writes.With(s.observe("create")).Post("/streams", s.createStream)
			writes.With(s.observe("action")).Post("/streams/{id}/{action}", s.runAction)
			writes.With(s.observe("action_ack")).Post("/streams/{id}/actions/{kind}/ack", s.acknowledge)
			writes.With(s.observe("action_reset")).Post("/streams/{id}/actions/{kind}/reset", s.reset)
			writes.With(s.observe("create_ack")).Post("/creates/{kind}/ack", s.acknowledgeCreate)
			writes.With(s.observe("create_reset")).Post("/creates/{kind}/reset", s.resetCreate)
			writes.With(s.observe("allowances_approve")).Post("/allowances/approve", s.approveAllowances)
		})
	})
	return r
}

func passthrough(next http.Handler) http.Handler { return next }

func (s *Server) limit(group string) func(http.Handler) http.Handler {
	if s.cfg.RateLimiter == nil {
		return passthrough
	}
	return s.cfg.RateLimiter.Middleware(group)
}

func (s *Server) observe(route string) func(http.Handler) http.Handler {
	if s.cfg.Observability == nil {
		return passthrough
	}
	return s.cfg.Observability.Middleware(route)
}

// requireSigner refuses mutating requests when the daemon has no key.
func (s *Server) requireSigner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.readOnly {
			writeError(w, http.StatusServiceUnavailable, errors.New("streamd is running without a signer"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
