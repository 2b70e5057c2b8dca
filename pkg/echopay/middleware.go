// Package echopay gates Echo routes behind a settled permit. It mirrors
// package ginpay for servers built on labstack/echo: a signed token permit
// travels in the request header, is verified before the handler runs, and is
// settled only once the handler produced a response worth charging for.
package echopay

import (
	"bytes"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

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
func PermitMiddleware(amount *big.Int, payTo, asset string, opts ...Options) echo.MiddlewareFunc {
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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			request := c.Request()

			var resource string
			if options.Resource == "" {
				resource = options.ResourceRootURL + request.URL.Path
			} else {
				resource = options.Resource
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

			req, err := permitpay.DecodeSettleTokenFromBase64(request.Header.Get(PermitHeader))
			if err != nil {
				return c.JSON(http.StatusPaymentRequired, echo.Map{
					"error":   PermitHeader + " header is required",
					"accepts": accepts,
				})
			}

			if reason := matchRequirements(req, payTo, asset, amount); reason != "" {
				logger.Warn("permit rejected", "path", request.URL.Path, "reason", reason)
				return c.JSON(http.StatusPaymentRequired, echo.Map{
					"error":   reason,
					"accepts": accepts,
				})
			}

			verifyResp, err := client.VerifyToken(request.Context(), permitpay.VerifyTokenRequest{
				Permit:    req.Permit,
				Signature: req.Signature,
			})
			if err != nil {
				logger.Error("permit verification failed", "path", request.URL.Path, "error", err)
				return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
			}
			if !verifyResp.Valid {
				logger.Warn("permit rejected", "path", request.URL.Path, "reason", verifyResp.InvalidReason)
				return c.JSON(http.StatusPaymentRequired, echo.Map{
					"error":   verifyResp.InvalidReason,
					"accepts": accepts,
				})
			}

			// Buffer the handler's response so nothing reaches the caller
			// before settlement succeeds.
			res := c.Response()
			original := res.Writer
			buffer := newBufferWriter()
			res.Writer = buffer

			handlerErr := next(c)

			res.Writer = original
			if handlerErr != nil {
				// The error handler renders against the restored writer;
				// the caller is not charged.
				res.Committed = false
				res.Size = 0
				return handlerErr
			}

			// The caller is only charged for responses the handler actually
			// served.
			if buffer.status >= http.StatusBadRequest {
				replay(res, buffer, "")
				return nil
			}

			settleResp, err := client.SettleToken(request.Context(), *req)
			if err != nil {
				logger.Warn("permit settlement failed", "path", request.URL.Path, "error", err)
				res.Committed = false
				res.Size = 0
				return c.JSON(http.StatusPaymentRequired, echo.Map{
					"error":   err.Error(),
					"accepts": accepts,
				})
			}

			settleHeader, err := settleResp.EncodeToBase64String()
			if err != nil {
				logger.Error("settlement header encoding failed", "error", err)
				res.Committed = false
				res.Size = 0
				return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
			}

			logger.Debug("permit settled",
				"path", request.URL.Path,
				"settlementId", settleResp.SettlementID,
				"payer", settleResp.Payer,
			)

			replay(res, buffer, settleHeader)
			return nil
		}
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

// bufferWriter holds back the handler's response until settlement succeeds.
type bufferWriter struct {
	header  http.Header
	body    bytes.Buffer
	status  int
	written bool
}

func newBufferWriter() *bufferWriter {
	return &bufferWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *bufferWriter) Header() http.Header { return w.header }

func (w *bufferWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
}

func (w *bufferWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(b)
}

// replay flushes the buffered response to the restored writer, attaching the
// settlement header when one was earned.
func replay(res *echo.Response, buffer *bufferWriter, settleHeader string) {
	res.Committed = false
	header := res.Writer.Header()
	for key, values := range buffer.header {
		header[key] = values
	}
	if settleHeader != "" {
		header.Set(SettlementHeader, settleHeader)
	}
	res.WriteHeader(buffer.status)
	_, _ = res.Write(buffer.body.Bytes())
}
