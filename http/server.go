// Package http provides the JSON API of the settlement engine: a gin server
// exposing verify, settle, configuration and event-stream endpoints, plus a
// typed client that mirrors them.
package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	permitpay "github.com/permitpay/permitpay-go"
	"github.com/permitpay/permitpay-go/metrics"
)

const (
	verifyTimeout = 30 * time.Second
	settleTimeout = 60 * time.Second

	// defaultCacheTTL is how long settled results answer duplicate retries.
	defaultCacheTTL = 10 * time.Minute

	// reasonInvalidRequest reports bodies rejected before reaching the
	// engine; engine failures carry their own settlement error codes.
	reasonInvalidRequest = "invalid_request"
	reasonUnauthorized   = "unauthorized"
)

// ServerConfig configures the API server.
type ServerConfig struct {
	// Engine executes settlements. Required.
	Engine *permitpay.Engine

	// Logger for request-level logging (optional).
	Logger *slog.Logger

	// Metrics, when set, is instrumented on the engine and served at
	// GET /metrics.
	Metrics *metrics.Metrics

	// OwnerToken guards the /admin routes. When empty, admin requests are
	// always rejected.
	OwnerToken string

	// RelayerSecret, when set, enables the HS256 bearer gate on the settle
	// endpoints. Verify and read endpoints stay open.
	RelayerSecret string

	// RelayerTokenTTL bounds issued relayer tokens (default 24h).
	RelayerTokenTTL time.Duration

	// CacheTTL is the settle idempotency window (default 10 minutes).
	CacheTTL time.Duration
}

// Server is the HTTP front of one settlement engine. Settle endpoints are
// idempotent per request body: retrying the byte-identical request within
// the cache window returns the original result without touching the ledger
// again.
type Server struct {
	engine     *permitpay.Engine
	logger     *slog.Logger
	cache      *permitpay.SettlementCache
	hub        *EventHub
	auth       *RelayerAuth
	ownerToken string
	router     *gin.Engine
}

// NewServer wires the engine into a ready-to-serve handler. The server
// registers its event hub as a sink on the engine; when cfg.Metrics is set
// it also instruments the engine and exposes the scrape endpoint.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("http: engine is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = defaultCacheTTL
	}

	s := &Server{
		engine:     cfg.Engine,
		logger:     logger,
		cache:      permitpay.NewSettlementCache(ttl),
		hub:        NewEventHub(logger),
		ownerToken: cfg.OwnerToken,
	}
	if cfg.RelayerSecret != "" {
		tokenTTL := cfg.RelayerTokenTTL
		if tokenTTL == 0 {
			tokenTTL = 24 * time.Hour
		}
		s.auth = NewRelayerAuth(cfg.RelayerSecret, tokenTTL)
	}

	go s.hub.Run()
	cfg.Engine.AddEventSink(s.hub)

	if cfg.Metrics != nil {
		cfg.Metrics.Instrument(cfg.Engine)
		cfg.Engine.AddEventSink(cfg.Metrics.Sink())
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/config", s.handleConfig)
	router.GET("/events", gin.WrapH(s.hub))

	router.POST("/verify/native", s.handleVerifyNative)
	router.POST("/verify/token", s.handleVerifyToken)

	settle := router.Group("/settle", s.requireRelayer)
	settle.POST("/native", s.handleSettleNative)
	settle.POST("/token", s.handleSettleToken)

	admin := router.Group("/admin", s.requireOwner)
	admin.POST("/treasury", s.handleSetTreasury)
	admin.POST("/fee-bounds", s.handleSetFeeBounds)
	admin.POST("/fee-signer", s.handleSetFeeSigner)

	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	s.router = router
	return s, nil
}

// Handler returns the root handler for mounting on an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Auth returns the relayer token manager, or nil when the gate is disabled.
func (s *Server) Auth() *RelayerAuth {
	return s.auth
}

// Close stops the event hub. In-flight requests are unaffected.
func (s *Server) Close() {
	s.hub.Close()
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) requireRelayer(c *gin.Context) {
	if s.auth == nil {
		c.Next()
		return
	}

	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false, "errorReason": reasonUnauthorized, "message": ErrMissingToken.Error(),
		})
		return
	}

	relayer, err := s.auth.Validate(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false, "errorReason": reasonUnauthorized, "message": ErrInvalidToken.Error(),
		})
		return
	}

	c.Set("relayer", relayer)
	c.Next()
}

func (s *Server) requireOwner(c *gin.Context) {
	token := c.GetHeader("X-Owner-Token")
	if s.ownerToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.ownerToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "owner token required"})
		return
	}
	c.Next()
}

// ============================================================================
// Read endpoints
// ============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"engine":  s.engine.EngineAddress().Hex(),
		"chainId": s.engine.Codec().ChainID().String(),
	})
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.configPayload())
}

func (s *Server) configPayload() permitpay.FeeConfigPayload {
	cfg := s.engine.Config().Snapshot()
	return permitpay.FeeConfigPayload{
		Engine:       s.engine.EngineAddress().Hex(),
		ChainID:      s.engine.Codec().ChainID().String(),
		Treasury:     cfg.Treasury.Hex(),
		FeeSigner:    cfg.FeeSigner.Hex(),
		SystemFeeBps: cfg.SystemFeeBps,
		MaxFeeBps:    cfg.MaxFeeBps,
	}
}

// ============================================================================
// Verify endpoints
// ============================================================================

func (s *Server) handleVerifyNative(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
	defer cancel()

	var req permitpay.VerifyNativeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	resp, err := s.engine.VerifyNative(ctx, req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleVerifyToken(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
	defer cancel()

	var req permitpay.VerifyTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	resp, err := s.engine.VerifyToken(ctx, req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ============================================================================
// Settle endpoints
// ============================================================================

func (s *Server) handleSettleNative(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), settleTimeout)
	defer cancel()

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "errorReason": reasonInvalidRequest})
		return
	}
	if errs := validateBody(settleNativeSchema, body); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false, "errorReason": reasonInvalidRequest, "message": strings.Join(errs, "; "),
		})
		return
	}

	var req permitpay.SettleNativeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "errorReason": reasonInvalidRequest})
		return
	}

	resp, err := s.settleIdempotent(ctx, body, func(ctx context.Context) (permitpay.SettleResponse, error) {
		return s.engine.SettleNative(ctx, req)
	})
	s.writeSettleResponse(c, resp, err)
}

func (s *Server) handleSettleToken(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), settleTimeout)
	defer cancel()

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "errorReason": reasonInvalidRequest})
		return
	}
	if errs := validateBody(settleTokenSchema, body); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false, "errorReason": reasonInvalidRequest, "message": strings.Join(errs, "; "),
		})
		return
	}

	var req permitpay.SettleTokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "errorReason": reasonInvalidRequest})
		return
	}

	resp, err := s.settleIdempotent(ctx, body, func(ctx context.Context) (permitpay.SettleResponse, error) {
		return s.engine.SettleToken(ctx, req)
	})
	s.writeSettleResponse(c, resp, err)
}

// settleIdempotent runs a settlement behind the cache. Identical bodies
// within the window share one execution and one result; failed attempts are
// not cached, so a retry after a failure settles fresh.
func (s *Server) settleIdempotent(ctx context.Context, body []byte, settle func(context.Context) (permitpay.SettleResponse, error)) (permitpay.SettleResponse, error) {
	resp, _, err := s.cache.Do(ctx, permitpay.SettlementKey(body), settle)
	if err != nil && resp.ErrorReason == "" {
		// Cancelled while waiting on a concurrent attempt.
		resp = permitpay.SettleResponse{Success: false, ErrorReason: "context_cancelled"}
	}
	return resp, err
}

func (s *Server) writeSettleResponse(c *gin.Context, resp permitpay.SettleResponse, err error) {
	if err != nil {
		s.logger.Warn("settlement rejected",
			"variant", resp.Variant,
			"reason", resp.ErrorReason,
			"relayer", c.GetString("relayer"),
		)
		c.JSON(settleStatus(err), resp)
		return
	}
	s.logger.Info("settlement executed",
		"variant", resp.Variant,
		"settlementId", resp.SettlementID,
		"payer", resp.Payer,
		"relayer", c.GetString("relayer"),
	)
	c.JSON(http.StatusOK, resp)
}

// settleStatus maps the settlement error taxonomy onto HTTP statuses:
// caller-correctable failures are 400, fund shortfalls are 402, everything
// else is a server fault.
func settleStatus(err error) int {
	var se *permitpay.SettlementError
	if errors.As(err, &se) {
		switch se.Class() {
		case permitpay.ClassValidation, permitpay.ClassAuthorization, permitpay.ClassPolicy:
			return http.StatusBadRequest
		case permitpay.ClassResource:
			return http.StatusPaymentRequired
		}
	}
	return http.StatusInternalServerError
}

// ============================================================================
// Admin endpoints
// ============================================================================

// Admin requests authenticate with the owner token, so mutations are issued
// on behalf of the configured owner account.

func (s *Server) handleSetTreasury(c *gin.Context) {
	var req permitpay.SetTreasuryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !common.IsHexAddress(req.Treasury) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "treasury is not a valid address"})
		return
	}

	store := s.engine.Config()
	if err := store.SetTreasury(store.Owner(), common.HexToAddress(req.Treasury)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.configPayload())
}

func (s *Server) handleSetFeeBounds(c *gin.Context) {
	var req permitpay.SetFeeBoundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	store := s.engine.Config()
	if err := store.SetFeeBounds(store.Owner(), req.SystemFeeBps, req.MaxFeeBps); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.configPayload())
}

func (s *Server) handleSetFeeSigner(c *gin.Context) {
	var req permitpay.SetFeeSignerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !common.IsHexAddress(req.FeeSigner) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "feeSigner is not a valid address"})
		return
	}

	store := s.engine.Config()
	if err := store.SetFeeSigner(store.Owner(), common.HexToAddress(req.FeeSigner)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.configPayload())
}
