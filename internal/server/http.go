package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"StableLedger/internal/engine"
	"StableLedger/internal/observability"
	"StableLedger/internal/query"
)

// HTTPServer serves the position API: operation submission and account
// queries, plus the liveness, readiness and metrics endpoints.
type HTTPServer struct {
	engine  *engine.Engine
	queries *query.Service
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
	server  *http.Server
}

func NewHTTPServer(addr string, eng *engine.Engine, queries *query.Service, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) *HTTPServer {
	s := &HTTPServer{
		engine:  eng,
		queries: queries,
		health:  health,
		metrics: metrics,
		log:     log.With().Str("component", "http").Logger(),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the full route table. Exposed separately so tests can
// drive the handlers through httptest without binding a port.
func (s *HTTPServer) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/deposit", s.instrument("deposit", s.handleDeposit))
	mux.HandleFunc("POST /v1/mint", s.instrument("mint", s.handleMint))
	mux.HandleFunc("POST /v1/burn", s.instrument("burn", s.handleBurn))
	mux.HandleFunc("POST /v1/redeem", s.instrument("redeem", s.handleRedeem))
	mux.HandleFunc("POST /v1/deposit-and-mint", s.instrument("deposit_and_mint", s.handleDepositAndMint))
	mux.HandleFunc("POST /v1/redeem-for-dsc", s.instrument("redeem_for_dsc", s.handleRedeemForDsc))
	mux.HandleFunc("POST /v1/liquidate", s.instrument("liquidate", s.handleLiquidate))

	mux.HandleFunc("GET /v1/accounts/{id}", s.instrument("account", s.handleAccount))
	mux.HandleFunc("GET /v1/accounts/{id}/health", s.instrument("account_health", s.handleAccountHealth))
	mux.HandleFunc("GET /v1/usd-value", s.instrument("usd_value", s.handleUsdValue))
	mux.HandleFunc("GET /v1/token-amount", s.instrument("token_amount", s.handleTokenAmount))
	mux.HandleFunc("GET /v1/supply", s.instrument("supply", s.handleSupply))

	mux.HandleFunc("GET /v1/accounts/{id}/operations", s.instrument("operations", s.handleOperationHistory))
	mux.HandleFunc("GET /v1/accounts/{id}/journal", s.instrument("journal", s.handleJournalHistory))
	mux.HandleFunc("GET /v1/integrity", s.instrument("integrity", s.handleIntegrity))

	if s.health != nil {
		mux.HandleFunc("/healthz", s.health.LivenessHandler)
		mux.HandleFunc("/readyz", s.health.ReadinessHandler)
	}
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// Start runs the server until the context is cancelled.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// Wire types
// ============================================================================

type operationRequest struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount"`
}

type compositeRequest struct {
	UserID           string `json:"user_id"`
	Asset            string `json:"asset"`
	AmountCollateral string `json:"amount_collateral"`
	AmountDsc        string `json:"amount_dsc"`
}

type liquidateRequest struct {
	LiquidatorID string `json:"liquidator_id"`
	TargetID     string `json:"target_id"`
	Asset        string `json:"asset"`
	DebtToCover  string `json:"debt_to_cover"`
}

type operationResponse struct {
	OpID        string  `json:"op_id"`
	Sequence    uint64  `json:"sequence"`
	OpType      string  `json:"op_type"`
	Actor       string  `json:"actor"`
	Target      *string `json:"target,omitempty"`
	Asset       string  `json:"asset"`
	Amount      string  `json:"amount"`
	TimestampUs int64   `json:"timestamp_us"`
	StateHash   string  `json:"state_hash"`
	PrevHash    string  `json:"prev_hash"`
}

type compositeResponse struct {
	First  operationResponse `json:"first"`
	Second operationResponse `json:"second"`
}

type accountResponse struct {
	UserID             string            `json:"user_id"`
	CollateralValueUsd string            `json:"collateral_value_usd"`
	Debt               string            `json:"debt"`
	HealthFactor       string            `json:"health_factor"`
	Collateral         map[string]string `json:"collateral"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func recordJSON(rec *engine.OperationRecord) operationResponse {
	resp := operationResponse{
		OpID:        rec.OpID.String(),
		Sequence:    rec.Sequence,
		OpType:      rec.OpType,
		Actor:       rec.Actor.String(),
		Asset:       rec.Asset,
		Amount:      rec.Amount.Dec(),
		TimestampUs: rec.TimestampUs,
		StateHash:   hex.EncodeToString(rec.StateHash[:]),
		PrevHash:    hex.EncodeToString(rec.PrevHash[:]),
	}
	if rec.Target != (uuid.UUID{}) {
		target := rec.Target.String()
		resp.Target = &target
	}
	return resp
}

// ============================================================================
// Operation handlers
// ============================================================================

func (s *HTTPServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	user, amount, ok := s.decodeOperation(w, r, &req)
	if !ok {
		return
	}
	rec, err := s.engine.DepositCollateral(user, req.Asset, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recordJSON(rec))
}

func (s *HTTPServer) handleMint(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	user, amount, ok := s.decodeOperation(w, r, &req)
	if !ok {
		return
	}
	rec, err := s.engine.MintDsc(user, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recordJSON(rec))
}

func (s *HTTPServer) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	user, amount, ok := s.decodeOperation(w, r, &req)
	if !ok {
		return
	}
	rec, err := s.engine.BurnDsc(user, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recordJSON(rec))
}

func (s *HTTPServer) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	user, amount, ok := s.decodeOperation(w, r, &req)
	if !ok {
		return
	}
	rec, err := s.engine.RedeemCollateral(user, req.Asset, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recordJSON(rec))
}

func (s *HTTPServer) handleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	user, collateral, dsc, req, ok := s.decodeComposite(w, r)
	if !ok {
		return
	}
	depRec, mintRec, err := s.engine.DepositCollateralAndMintDsc(user, req.Asset, collateral, dsc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, compositeResponse{
		First:  recordJSON(depRec),
		Second: recordJSON(mintRec),
	})
}

func (s *HTTPServer) handleRedeemForDsc(w http.ResponseWriter, r *http.Request) {
	user, collateral, dsc, req, ok := s.decodeComposite(w, r)
	if !ok {
		return
	}
	burnRec, redRec, err := s.engine.RedeemCollateralForDsc(user, req.Asset, collateral, dsc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, compositeResponse{
		First:  recordJSON(burnRec),
		Second: recordJSON(redRec),
	})
}

func (s *HTTPServer) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, fmt.Sprintf("decode request: %v", err))
		return
	}
	liquidator, err := uuid.Parse(req.LiquidatorID)
	if err != nil {
		s.writeBadRequest(w, "invalid liquidator_id")
		return
	}
	target, err := uuid.Parse(req.TargetID)
	if err != nil {
		s.writeBadRequest(w, "invalid target_id")
		return
	}
	cover, err := parseAmount(req.DebtToCover)
	if err != nil {
		s.writeBadRequest(w, "invalid debt_to_cover")
		return
	}

	rec, err := s.engine.Liquidate(liquidator, target, req.Asset, cover)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recordJSON(rec))
}

// ============================================================================
// Query handlers
// ============================================================================

func (s *HTTPServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	user, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeBadRequest(w, "invalid account id")
		return
	}

	info, err := s.engine.AccountInformation(user)
	if err != nil {
		s.writeError(w, err)
		return
	}

	collateral := make(map[string]string, len(info.Collateral))
	for symbol, bal := range info.Collateral {
		collateral[symbol] = bal.Dec()
	}
	s.writeJSON(w, http.StatusOK, accountResponse{
		UserID:             user.String(),
		CollateralValueUsd: info.CollateralValueUsd.Dec(),
		Debt:               info.Debt.Dec(),
		HealthFactor:       info.HealthFactor.Dec(),
		Collateral:         collateral,
	})
}

func (s *HTTPServer) handleAccountHealth(w http.ResponseWriter, r *http.Request) {
	user, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeBadRequest(w, "invalid account id")
		return
	}

	hf, err := s.engine.HealthFactor(user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"health_factor": hf.Dec()})
}

func (s *HTTPServer) handleUsdValue(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	amount, err := parseAmount(r.URL.Query().Get("amount"))
	if err != nil {
		s.writeBadRequest(w, "invalid amount")
		return
	}

	usd, err := s.engine.UsdValue(asset, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"usd_value": usd.Dec()})
}

func (s *HTTPServer) handleTokenAmount(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	usd, err := parseAmount(r.URL.Query().Get("usd"))
	if err != nil {
		s.writeBadRequest(w, "invalid usd")
		return
	}

	amount, err := s.engine.TokenAmountFromUsd(asset, usd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token_amount": amount.Dec()})
}

func (s *HTTPServer) handleSupply(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"outstanding_supply": s.engine.OutstandingSupply().Dec(),
	})
}

// ============================================================================
// History handlers
// ============================================================================

// History endpoints read the operation log in Postgres. When the server
// runs without a database (embedded or test setups) they answer 503.

func (s *HTTPServer) handleOperationHistory(w http.ResponseWriter, r *http.Request) {
	user, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeBadRequest(w, "invalid account id")
		return
	}
	limit, before, ok := s.parsePage(w, r)
	if !ok {
		return
	}
	if s.queries == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "operation log unavailable", Reason: "no_database"})
		return
	}

	entries, err := s.queries.OperationHistory(r.Context(), user, limit, before)
	if err != nil {
		s.log.Error().Err(err).Msg("operation history query failed")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "query failed", Reason: "internal"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"operations": entries})
}

func (s *HTTPServer) handleJournalHistory(w http.ResponseWriter, r *http.Request) {
	user, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeBadRequest(w, "invalid account id")
		return
	}
	limit, before, ok := s.parsePage(w, r)
	if !ok {
		return
	}
	if s.queries == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "operation log unavailable", Reason: "no_database"})
		return
	}

	entries, err := s.queries.JournalHistory(r.Context(), user, limit, before)
	if err != nil {
		s.log.Error().Err(err).Msg("journal history query failed")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "query failed", Reason: "internal"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "operation log unavailable", Reason: "no_database"})
		return
	}
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("integrity check failed")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "query failed", Reason: "internal"})
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// parsePage reads the limit and before query params shared by the
// history endpoints. limit defaults to 100, capped at 1000.
func (s *HTTPServer) parsePage(w http.ResponseWriter, r *http.Request) (int, *uint64, bool) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeBadRequest(w, "invalid limit")
			return 0, nil, false
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}
	var before *uint64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeBadRequest(w, "invalid before cursor")
			return 0, nil, false
		}
		before = &n
	}
	return limit, before, true
}

// ============================================================================
// Helpers
// ============================================================================

func (s *HTTPServer) decodeOperation(w http.ResponseWriter, r *http.Request, req *operationRequest) (uuid.UUID, *uint256.Int, bool) {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.writeBadRequest(w, fmt.Sprintf("decode request: %v", err))
		return uuid.Nil, nil, false
	}
	user, err := uuid.Parse(req.UserID)
	if err != nil {
		s.writeBadRequest(w, "invalid user_id")
		return uuid.Nil, nil, false
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeBadRequest(w, "invalid amount")
		return uuid.Nil, nil, false
	}
	return user, amount, true
}

func (s *HTTPServer) decodeComposite(w http.ResponseWriter, r *http.Request) (uuid.UUID, *uint256.Int, *uint256.Int, compositeRequest, bool) {
	var req compositeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, fmt.Sprintf("decode request: %v", err))
		return uuid.Nil, nil, nil, req, false
	}
	user, err := uuid.Parse(req.UserID)
	if err != nil {
		s.writeBadRequest(w, "invalid user_id")
		return uuid.Nil, nil, nil, req, false
	}
	collateral, err := parseAmount(req.AmountCollateral)
	if err != nil {
		s.writeBadRequest(w, "invalid amount_collateral")
		return uuid.Nil, nil, nil, req, false
	}
	dsc, err := parseAmount(req.AmountDsc)
	if err != nil {
		s.writeBadRequest(w, "invalid amount_dsc")
		return uuid.Nil, nil, nil, req, false
	}
	return user, collateral, dsc, req, true
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	return uint256.FromDecimal(s)
}

// statusForError maps the engine's rejection taxonomy to HTTP status
// codes: malformed or unknown input is 400, a rule rejection on valid
// input is 409, a failed token boundary call is 502.
func statusForError(err error) int {
	var bhf *engine.BreaksHealthFactorError
	switch {
	case errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrUnsupportedAsset):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInsufficientCollateral),
		errors.Is(err, engine.ErrInsufficientDebt),
		errors.Is(err, engine.ErrHealthFactorOk),
		errors.Is(err, engine.ErrHealthFactorNotImproved),
		errors.As(err, &bhf):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("operation failed")
	}
	s.writeJSON(w, status, errorResponse{
		Error:  err.Error(),
		Reason: engine.RejectionReason(err),
	})
}

func (s *HTTPServer) writeBadRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Reason: "bad_request"})
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *HTTPServer) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r)
		if s.metrics != nil {
			s.metrics.APIRequests.WithLabelValues(endpoint, fmt.Sprintf("%d", rec.status)).Inc()
			s.metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}
