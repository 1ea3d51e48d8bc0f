// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/optionpilot/trading-backend/internal/data"
	"github.com/optionpilot/trading-backend/internal/events"
	"github.com/optionpilot/trading-backend/internal/execution"
	"github.com/optionpilot/trading-backend/internal/metrics"
	"github.com/optionpilot/trading-backend/internal/orchestrator"
	"github.com/optionpilot/trading-backend/internal/pipeline"
	"github.com/optionpilot/trading-backend/internal/regime"
	"github.com/optionpilot/trading-backend/internal/scheduler"
	"github.com/optionpilot/trading-backend/internal/strategy"
	"github.com/optionpilot/trading-backend/pkg/types"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const expirationLayout = "2006-01-02"

// Stages is the stage access the API needs.
type Stages interface {
	pipeline.Stages
	Status() []orchestrator.StageStatus
	Healthy() bool
}

// RunHistory reads journalled runs.
type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]*types.RunResult, error)
}

// Portfolio exposes the paper account.
type Portfolio interface {
	Account(ctx context.Context) (types.AccountState, error)
	Positions() []types.Position
}

// Options wires the server to the rest of the process. Only Stages is
// required; routes backed by a nil dependency answer 503.
type Options struct {
	AppName       string
	Version       string
	PaperTrading  bool
	Symbol        string           // Default symbol for the dashboard
	HistoryPeriod int              // Daily bars fed to signal and regime reads
	SpreadType    types.SpreadType // Side recommended on a neutral read

	Stages    Stages
	Runner    *pipeline.Runner
	Scheduler *scheduler.Scheduler
	Journal   RunHistory
	Portfolio Portfolio
	Regimes   *regime.RegimeDetector
	Metrics   *metrics.Metrics
	Bus       *events.EventBus
}

// Server is the HTTP/WebSocket API server
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	opts       Options
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	busSub     *events.Subscription
	stopHub    context.CancelFunc
}

// NewServer creates a new API server and starts its WebSocket hub.
func NewServer(logger *zap.Logger, config *types.ServerConfig, opts Options) *Server {
	if opts.Symbol == "" {
		opts.Symbol = "SPX"
	}
	if opts.HistoryPeriod <= 0 {
		opts.HistoryPeriod = 60
	}
	if opts.SpreadType == "" {
		opts.SpreadType = types.SpreadTypePut
	}
	if opts.Regimes == nil {
		opts.Regimes = regime.NewRegimeDetector(logger, nil)
	}
	if config.WebSocketPath == "" {
		config.WebSocketPath = "/ws"
	}

	logger = logger.Named("api")
	hubCtx, stopHub := context.WithCancel(context.Background())
	server := &Server{
		logger:  logger,
		config:  config,
		opts:    opts,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		stopHub: stopHub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS is open, so is the socket
			},
		},
	}
	go server.hub.Run(hubCtx)
	if opts.Bus != nil {
		server.busSub = server.hub.Attach(opts.Bus)
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleRoot).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Market data
	s.router.HandleFunc("/api/market/quote/{symbol}", s.handleQuote).Methods("GET")
	s.router.HandleFunc("/api/market/option-chain/{symbol}", s.handleOptionChain).Methods("GET")
	s.router.HandleFunc("/api/market/volatility/{symbol}", s.handleVolatility).Methods("GET")

	// Dashboard and trading
	s.router.HandleFunc("/api/dashboard/signals", s.handleSignals).Methods("GET")
	s.router.HandleFunc("/api/trading/execute", s.handleExecute).Methods("POST")
	s.router.HandleFunc("/api/positions", s.handlePositions).Methods("GET")

	// Pipeline
	s.router.HandleFunc("/api/pipeline/run", s.handleRun).Methods("POST")
	s.router.HandleFunc("/api/pipeline/runs", s.handleRuns).Methods("GET")
	s.router.HandleFunc("/api/pipeline/last", s.handleLastRun).Methods("GET")
	s.router.HandleFunc("/api/scheduler/jobs", s.handleJobs).Methods("GET")

	if s.config.EnableMetrics && s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics.Handler()).Methods("GET")
	}

	// WebSocket
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Router exposes the routes without CORS, for embedding and tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Starting API server", zap.String("addr", addr))

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop disconnects WebSocket clients and gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.busSub != nil && s.opts.Bus != nil {
		s.opts.Bus.Unsubscribe(s.busSub)
	}
	s.stopHub()

	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// stageMissing answers 500 with the operator-facing message for role.
func stageMissing(w http.ResponseWriter, role orchestrator.Role) {
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s plugin not loaded", role.Label()))
}

// handleRoot returns the service banner
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":       s.opts.AppName + " API",
		"version":       s.opts.Version,
		"paper_trading": s.opts.PaperTrading,
	})
}

// handleHealth reports per-role plugin status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.opts.Stages.Healthy() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"plugins": s.opts.Stages.Status(),
		"time":    time.Now().Unix(),
	})
}

func (s *Server) dataError(w http.ResponseWriter, err error) {
	if errors.Is(err, data.ErrInvalidSymbol) || errors.Is(err, data.ErrInvalidPeriod) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("Market data request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

// handleQuote returns the current snapshot for a symbol
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	ds, err := s.opts.Stages.DataSource()
	if err != nil {
		stageMissing(w, orchestrator.RoleData)
		return
	}
	md, err := ds.GetMarketData(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		s.dataError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

// handleOptionChain returns the chain for one expiration
func (s *Server) handleOptionChain(w http.ResponseWriter, r *http.Request) {
	ds, err := s.opts.Stages.DataSource()
	if err != nil {
		stageMissing(w, orchestrator.RoleData)
		return
	}

	var expiration time.Time
	if raw := r.URL.Query().Get("expiration"); raw != "" {
		expiration, err = time.Parse(expirationLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "expiration must be YYYY-MM-DD")
			return
		}
	}

	chain, err := ds.GetOptionChain(r.Context(), mux.Vars(r)["symbol"], expiration)
	if err != nil {
		s.dataError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// handleVolatility returns ATR, VIX and the ATR percentile regime
func (s *Server) handleVolatility(w http.ResponseWriter, r *http.Request) {
	ds, err := s.opts.Stages.DataSource()
	if err != nil {
		stageMissing(w, orchestrator.RoleData)
		return
	}
	symbol := mux.Vars(r)["symbol"]

	md, err := ds.GetMarketData(r.Context(), symbol)
	if err != nil {
		s.dataError(w, err)
		return
	}
	bars, err := ds.GetHistoricalData(r.Context(), symbol, s.opts.HistoryPeriod)
	if err != nil {
		s.dataError(w, err)
		return
	}
	state := s.opts.Regimes.Detect(md.Symbol, bars)
	recent := s.opts.Regimes.GetRegimeHistory(md.Symbol, 10)
	history := make([]regime.RegimeType, len(recent))
	for i, h := range recent {
		history[i] = h.Primary
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":         md.Symbol,
		"atr":            md.ATR,
		"vix":            md.VIX,
		"regime":         state.Primary,
		"atr_percentile": state.Percentile,
		"threshold":      state.Threshold,
		"samples":        state.Samples,
		"history":        history,
		"timestamp":      md.Timestamp,
	})
}

// Recommendation is the trade idea shown next to a signal.
type Recommendation struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// recommend maps a bias to the spread that sells premium against it.
func recommend(sig *types.Signal, neutralSide types.SpreadType) Recommendation {
	switch sig.Bias {
	case types.MarketBiasBullish:
		return Recommendation{Action: "PUT_CREDIT_SPREAD", Reason: "Bullish bias, sell downside premium"}
	case types.MarketBiasBearish:
		return Recommendation{Action: "CALL_CREDIT_SPREAD", Reason: "Bearish bias, sell upside premium"}
	}
	return Recommendation{
		Action: string(neutralSide) + "_CREDIT_SPREAD",
		Reason: "Neutral bias, range-bound premium on the configured side",
	}
}

// handleSignals runs the signal stage on fresh data without trading
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	ds, err := s.opts.Stages.DataSource()
	if err != nil {
		stageMissing(w, orchestrator.RoleData)
		return
	}
	sg, err := s.opts.Stages.SignalGenerator()
	if err != nil {
		stageMissing(w, orchestrator.RoleSignals)
		return
	}

	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		symbol = s.opts.Symbol
	}
	md, err := ds.GetMarketData(r.Context(), symbol)
	if err != nil {
		s.dataError(w, err)
		return
	}
	bars, err := ds.GetHistoricalData(r.Context(), symbol, s.opts.HistoryPeriod)
	if err != nil {
		s.dataError(w, err)
		return
	}
	sig, err := sg.Execute(r.Context(), types.SignalInput{Market: md, History: bars})
	if err != nil {
		s.logger.Error("Signal generation failed", zap.String("symbol", symbol), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":         sig.Symbol,
		"market_bias":    sig.Bias,
		"confidence":     sig.Confidence,
		"score":          sig.Score,
		"signals":        sig.Indicators,
		"recommendation": recommend(sig, s.opts.SpreadType),
		"timestamp":      sig.Timestamp,
	})
}

// ExecuteRequest is a manually entered spread order.
type ExecuteRequest struct {
	Symbol            string          `json:"symbol"`
	SpreadType        string          `json:"spread_type"`
	ShortStrike       decimal.Decimal `json:"short_strike"`
	LongStrike        decimal.Decimal `json:"long_strike"`
	Quantity          int             `json:"quantity"`
	Expiration        string          `json:"expiration"`
	LimitCredit       decimal.Decimal `json:"limit_credit"`
	ProbabilityProfit float64         `json:"probability_profit"`
}

// candidate validates the request and prices it as a spread candidate.
func (req ExecuteRequest) candidate(now time.Time) (*types.SpreadCandidate, error) {
	if req.Quantity <= 0 {
		return nil, errors.New("quantity must be positive")
	}
	spreadType, err := types.ParseSpreadType(strings.ToUpper(req.SpreadType))
	if err != nil {
		return nil, err
	}
	if err := types.ValidateStrikes(spreadType, req.ShortStrike, req.LongStrike); err != nil {
		if spreadType == types.SpreadTypePut {
			return nil, errors.New("put credit spread short strike must be above the long strike")
		}
		return nil, errors.New("call credit spread short strike must be below the long strike")
	}
	expiration, err := time.Parse(expirationLayout, req.Expiration)
	if err != nil {
		return nil, errors.New("expiration must be YYYY-MM-DD")
	}
	width := req.ShortStrike.Sub(req.LongStrike).Abs()
	if !req.LimitCredit.IsPositive() || req.LimitCredit.GreaterThanOrEqual(width) {
		return nil, fmt.Errorf("limit credit must be positive and below the %s width", width)
	}

	c := &types.SpreadCandidate{
		Symbol:            strings.ToUpper(strings.TrimSpace(req.Symbol)),
		SpreadType:        spreadType,
		ShortStrike:       req.ShortStrike,
		LongStrike:        req.LongStrike,
		Expiration:        expiration,
		Credit:            req.LimitCredit,
		Quantity:          req.Quantity,
		Width:             width,
		ProbabilityProfit: req.ProbabilityProfit,
		DaysToExpiration:  strategy.DaysToExpiration(now, expiration),
	}
	if c.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	c.MaxLoss = c.MaxLossPerContract().Mul(decimal.NewFromInt(int64(c.Quantity)))
	return c, nil
}

// handleExecute routes a manual order through the risk gate and executor
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	candidate, err := req.candidate(time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	gate, err := s.opts.Stages.RiskGate()
	if err != nil {
		stageMissing(w, orchestrator.RoleRisk)
		return
	}
	exec, err := s.opts.Stages.Executor()
	if err != nil {
		stageMissing(w, orchestrator.RoleExecutor)
		return
	}

	decision, err := gate.Execute(r.Context(), candidate)
	if err != nil {
		s.logger.Error("Risk check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !decision.Approved {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"status":   types.RunStatusRejected,
			"decision": decision,
		})
		return
	}

	order := types.NewOrderFromCandidate(candidate, decision.ApprovedQuantity(candidate.Quantity))
	result, err := exec.Execute(context.WithoutCancel(r.Context()), order)
	if err != nil {
		if errors.Is(err, execution.ErrInvalidOrder) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Order submission failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.logger.Info("Manual order submitted",
		zap.String("order_id", result.OrderID),
		zap.String("status", string(result.Status)),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    result.Status,
		"execution": result,
		"decision":  decision,
	})
}

// handlePositions returns the paper account and its open positions
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Portfolio == nil {
		writeError(w, http.StatusServiceUnavailable, "portfolio not available")
		return
	}
	account, err := s.opts.Portfolio.Account(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":   account,
		"drawdown":  account.Drawdown(),
		"positions": s.opts.Portfolio.Positions(),
	})
}

// handleRun triggers a manual pipeline run and waits for its result
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not available")
		return
	}
	// A disconnecting client does not cancel the run.
	res, err := s.opts.Runner.Run(context.WithoutCancel(r.Context()), pipeline.TriggerManual)
	if errors.Is(err, pipeline.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRuns returns journalled runs, newest first
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.opts.Journal.RecentRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("Journal read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleLastRun returns the most recent finished run
func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not available")
		return
	}
	last := s.opts.Runner.Last()
	if last == nil {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// handleJobs lists scheduled triggers with their next fire time
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []scheduler.Job{}
	if s.opts.Scheduler != nil {
		jobs = s.opts.Scheduler.Jobs()
	}
	running := s.opts.Runner != nil && s.opts.Runner.IsRunning()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":        jobs,
		"run_running": running,
	})
}

// handleWebSocket upgrades the connection and hands it to the hub
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}
	s.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}
