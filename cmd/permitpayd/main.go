// Command permitpayd runs the settlement engine as a long-lived service:
// HTTP API on PERMITPAY_ADDR, optional MCP tool server on PERMITPAY_MCP_ADDR,
// SQLite-backed ledger when PERMITPAY_DB_PATH is set.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	permitpay "github.com/permitpay/permitpay-go"
	permithttp "github.com/permitpay/permitpay-go/http"
	"github.com/permitpay/permitpay-go/ledger"
	"github.com/permitpay/permitpay-go/mcp"
	"github.com/permitpay/permitpay-go/metrics"
	"github.com/permitpay/permitpay-go/permit"
	"github.com/permitpay/permitpay-go/pkg/logging"
	"github.com/permitpay/permitpay-go/signer"
)

const shutdownTimeout = 10 * time.Second

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func addressEnv(key string) (common.Address, error) {
	value := os.Getenv(key)
	if value == "" {
		return common.Address{}, fmt.Errorf("%s is required", key)
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s is not a valid address: %q", key, value)
	}
	return common.HexToAddress(value), nil
}

func bpsEnv(key, fallback string) (uint32, error) {
	value, err := strconv.ParseUint(getEnv(key, fallback), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid basis-points value: %w", key, err)
	}
	return uint32(value), nil
}

// resolveFeeSigner turns the configured key material into the authorized
// signer address. PERMITPAY_FEE_SIGNER may carry a bare address (the daemon
// never signs) or a private key; keystore and mnemonic sources take
// precedence when set.
func resolveFeeSigner(codec *permit.Codec) (common.Address, error) {
	if path := os.Getenv("PERMITPAY_KEYSTORE"); path != "" {
		s, err := signer.New(codec, signer.WithKeystore(path, os.Getenv("PERMITPAY_KEYSTORE_PASSWORD")))
		if err != nil {
			return common.Address{}, fmt.Errorf("failed to load keystore: %w", err)
		}
		return s.Address(), nil
	}

	if mnemonic := os.Getenv("PERMITPAY_MNEMONIC"); mnemonic != "" {
		index, err := strconv.ParseUint(getEnv("PERMITPAY_ACCOUNT_INDEX", "0"), 10, 32)
		if err != nil {
			return common.Address{}, fmt.Errorf("PERMITPAY_ACCOUNT_INDEX is not a valid index: %w", err)
		}
		s, err := signer.New(codec, signer.WithMnemonic(mnemonic, uint32(index)))
		if err != nil {
			return common.Address{}, fmt.Errorf("failed to derive signer from mnemonic: %w", err)
		}
		return s.Address(), nil
	}

	value := os.Getenv("PERMITPAY_FEE_SIGNER")
	if value == "" {
		return common.Address{}, fmt.Errorf("PERMITPAY_FEE_SIGNER is required when no keystore or mnemonic is configured")
	}
	if common.IsHexAddress(value) {
		return common.HexToAddress(value), nil
	}
	s, err := signer.New(codec, signer.WithPrivateKey(value))
	if err != nil {
		return common.Address{}, fmt.Errorf("PERMITPAY_FEE_SIGNER is neither an address nor a private key: %w", err)
	}
	return s.Address(), nil
}

func main() {
	logger := logging.Setup()

	if err := run(logger); err != nil {
		logger.Error("permitpayd failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	chainID, ok := new(big.Int).SetString(getEnv("PERMITPAY_CHAIN_ID", "1"), 10)
	if !ok {
		return fmt.Errorf("PERMITPAY_CHAIN_ID is not a valid integer")
	}

	engineAddr, err := addressEnv("PERMITPAY_ENGINE_ADDRESS")
	if err != nil {
		return err
	}
	owner, err := addressEnv("PERMITPAY_OWNER_ADDRESS")
	if err != nil {
		return err
	}
	treasury, err := addressEnv("PERMITPAY_TREASURY")
	if err != nil {
		return err
	}

	systemFeeBps, err := bpsEnv("PERMITPAY_SYSTEM_FEE_BPS", "50")
	if err != nil {
		return err
	}
	maxFeeBps, err := bpsEnv("PERMITPAY_MAX_FEE_BPS", "200")
	if err != nil {
		return err
	}

	codec, err := permit.NewCodec(chainID, engineAddr)
	if err != nil {
		return fmt.Errorf("failed to build permit codec: %w", err)
	}
	feeSigner, err := resolveFeeSigner(codec)
	if err != nil {
		return err
	}

	var led ledger.Ledger
	if dbPath := os.Getenv("PERMITPAY_DB_PATH"); dbPath != "" {
		led, err = ledger.NewSQLiteLedger(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		logger.Info("ledger opened", "driver", "sqlite", "path", dbPath)
	} else {
		led = ledger.NewMemoryLedger()
		logger.Warn("no PERMITPAY_DB_PATH configured, using the in-memory ledger")
	}
	defer led.Close()

	engine, err := permitpay.New(chainID, engineAddr, owner, permitpay.FeeConfig{
		Treasury:     treasury,
		FeeSigner:    feeSigner,
		SystemFeeBps: systemFeeBps,
		MaxFeeBps:    maxFeeBps,
	},
		permitpay.WithLedger(led),
		permitpay.WithLogger(logger),
		permitpay.WithEventSink(&permitpay.LogSink{Logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	server, err := permithttp.NewServer(permithttp.ServerConfig{
		Engine:        engine,
		Logger:        logger,
		Metrics:       metrics.New(),
		OwnerToken:    os.Getenv("PERMITPAY_OWNER_TOKEN"),
		RelayerSecret: os.Getenv("PERMITPAY_JWT_SECRET"),
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}
	defer server.Close()

	addr := getEnv("PERMITPAY_ADDR", ":8402")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server starting",
			"address", addr,
			"chainId", chainID.String(),
			"engine", engineAddr.Hex(),
			"feeSigner", feeSigner.Hex(),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	var mcpServer *http.Server
	if mcpAddr := os.Getenv("PERMITPAY_MCP_ADDR"); mcpAddr != "" {
		toolServer, err := mcp.NewServer(mcp.ServerConfig{Engine: engine, Logger: logger})
		if err != nil {
			return fmt.Errorf("failed to build mcp server: %w", err)
		}
		mcpServer = &http.Server{
			Addr:              mcpAddr,
			Handler:           toolServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("mcp server starting", "address", mcpAddr)
			if err := mcpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("mcp server failed: %w", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if mcpServer != nil {
		if err := mcpServer.Shutdown(ctx); err != nil {
			logger.Error("mcp server shutdown failed", "error", err)
		}
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
