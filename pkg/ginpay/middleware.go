// Package ginpay gates Gin routes behind a settled permit. A caller presents
// a signed token permit in the request header; the middleware verifies it
// against the settlement engine, runs the handler, and settles only after the
// handler produced a response worth charging for.
package ginpay

import (
	"bytes"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	permitpay "github.com/permitpay/permitpay-go"
	permithttp "github.com/permitpay/permitpay-go/http"
)

const (
	// PermitHeader carries the base64 settle request presented by the caller.
	PermitHeader = "X-Permit"

	// SettlementHeader carries the base64 settle response on success.
	SettlementHeader = "X-Permit-Response"
)

// PermitMiddlewareOptions configures PermitMiddleware.
type PermitMiddlewareOptions struct {
	Description     string
	MimeType        string
	Resource        string
	ResourceRootURL string
	ChainID         string
	EngineURL       string
	RelayerToken    string
	Client          *permithttp.Client
	Logger          *slog.Logger
}

// Options adjusts one middleware setting.
type Options func(*PermitMiddlewareOptions)

// WithDescription sets the human-readable description advertised in the
// challenge.
func WithDescription(description string) Options {
	return func(options *PermitMiddlewareOptions) {
		options.Description = description
	}
}

// WithMimeType sets the mime type advertised in the challenge.
func WithMimeType(mimeType string) Options {
	return func(options *PermitMiddlewareOptions) {
		options.MimeType = mimeType
	}
}

// WithResource overrides the resource URL advertised in the challenge.
func WithResource(resource string) Options {
	return func(options *PermitMiddlewareOptions) {
		options.Resource = resource
	}
}

// WithResourceRootURL sets the root prepended to the request path when no
// explicit resource is configured.
func WithResourceRootURL(resourceRootURL string) Options {
	return func(options *PermitMiddlewareOptions) {
		options.ResourceRootURL = resourceRootURL
	}
}

// WithChainID sets the chain id advertised in the challenge.
func WithChainID(chainID string) Options {
	return func(options *PermitMiddlewareOptions) {
		options.ChainID = chainID
	}
}

// WithEngineURL points the middleware at a settlement engine API.
func WithEngineURL(engineURL string) Options {
	return func(options *PermitMiddlewareOptions) {
		options.EngineURL = engineURL
	}
}

// WithRelayerToken sets the bearer token for settle calls, for engines that
// gate settlement.
func WithRelayerToken(token string) Options {
	return func(options *PermitMiddlewareOptions) {
		options.RelayerToken = token
	}
}

// WithClient supplies a prebuilt engine client instead of one derived from
// the engine URL.
func WithClient(client *permithttp.Client) Options {
	return func(options *PermitMiddlewareOptions) {
		options.Client = client
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Options {
	return func(options *PermitMiddlewareOptions) {
		options.Logger = logger
	}
}

// PermitMiddleware charges amount base units of asset, paid to payTo, for
// each request it lets through. Amount is the principal; the engine fee is
// taken from the payer on top of it.
func PermitMiddleware(amount *big.Int, payTo, asset string, opts ...Options) gin.HandlerFunc {
	options := &PermitMiddlewareOptions{}
	for _, opt := range opts {
		opt(options)
	}

	client := options.Client
	if client == nil {
		client = permithttp.NewClient(&permithttp.ClientConfig{
			BaseURL:      options.EngineURL,
			RelayerToken: options.RelayerToken,
		})
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		resource := options.Resource
		if resource == "" {
			resource = options.ResourceRootURL + c.Request.URL.Path
		}

		requirements := &permitpay.PermitRequirements{
			Recipient:   payTo,
			Asset:       asset,
			Amount:      amount.String(),
			EngineURL:   options.EngineURL,
			ChainID:     options.ChainID,
			Resource:    resource,
			Description: options.Description,
			MimeType:    options.MimeType,
		}
		accepts := []*permitpay.PermitRequirements{requirements}

		req, err := permitpay.DecodeSettleTokenFromBase64(c.GetHeader(PermitHeader))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   PermitHeader + " header is required",
				"accepts": accepts,
			})
			return
		}

		if reason := matchRequirements(req, payTo, asset, amount); reason != "" {
			logger.Warn("permit rejected", "path", c.Request.URL.Path, "reason", reason)
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   reason,
				"accepts": accepts,
			})
			return
		}

		verifyResp, err := client.VerifyToken(c.Request.Context(), permitpay.VerifyTokenRequest{
			Permit:    req.Permit,
			Signature: req.Signature,
		})
		if err != nil {
			logger.Error("permit verification failed", "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": err.Error(),
			})
			return
		}
		if !verifyResp.Valid {
			logger.Warn("permit rejected", "path", c.Request.URL.Path, "reason", verifyResp.InvalidReason)
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   verifyResp.InvalidReason,
				"accepts": accepts,
			})
			return
		}

		// Buffer the handler's response so nothing reaches the caller
		// before settlement succeeds.
		buffer := &bufferedWriter{ResponseWriter: c.Writer, status: http.StatusOK}
		c.Writer = buffer

		c.Next()

		// The caller is only charged for responses the handler actually
		// served; aborted and failed handlers pass through uncharged.
		if c.IsAborted() || buffer.status >= http.StatusBadRequest {
			buffer.flush(c, "")
			return
		}

		settleResp, err := client.SettleToken(c.Request.Context(), *req)
		if err != nil {
			logger.Warn("permit settlement failed", "path", c.Request.URL.Path, "error", err)
			c.Writer = buffer.ResponseWriter
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   err.Error(),
				"accepts": accepts,
			})
			return
		}

		settleHeader, err := settleResp.EncodeToBase64String()
		if err != nil {
			logger.Error("settlement header encoding failed", "error", err)
			c.Writer = buffer.ResponseWriter
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": err.Error(),
			})
			return
		}

		logger.Debug("permit settled",
			"path", c.Request.URL.Path,
			"settlementId", settleResp.SettlementID,
			"payer", settleResp.Payer,
		)

		buffer.flush(c, settleHeader)
	}
}

// matchRequirements checks the static permit fields against the route's
// price before spending a verify round-trip on the engine.
func matchRequirements(req *permitpay.SettleTokenRequest, payTo, asset string, amount *big.Int) string {
	if !strings.EqualFold(req.Permit.Recipient, payTo) {
		return "permit pays the wrong recipient"
	}
	if !strings.EqualFold(req.Permit.Asset, asset) {
		return "permit draws on the wrong asset"
	}
	offered, ok := new(big.Int).SetString(req.Permit.Amount, 10)
	if !ok {
		return "permit amount is not a valid integer"
	}
	if offered.Cmp(amount) < 0 {
		return "permit amount is below the price"
	}
	return ""
}

// bufferedWriter holds back the handler's response until settlement
// succeeds. Only the first WriteHeader wins, as on a real writer.
type bufferedWriter struct {
	gin.ResponseWriter
	body    bytes.Buffer
	status  int
	written bool
}

func (w *bufferedWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(b)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}

// flush restores the real writer and replays the buffered response,
// attaching the settlement header when one was earned.
func (w *bufferedWriter) flush(c *gin.Context, settleHeader string) {
	c.Writer = w.ResponseWriter
	if settleHeader != "" {
		c.Header(SettlementHeader, settleHeader)
	}
	c.Writer.WriteHeader(w.status)
	_, _ = c.Writer.Write(w.body.Bytes())
}
