// Package api exposes the coordinator, watcher and operation pipeline over
// HTTP. Foreground ports attach over a websocket.
package api

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-aa-wallet/internal/chain"
	"github.com/0gfoundation/0g-aa-wallet/internal/commitment"
	"github.com/0gfoundation/0g-aa-wallet/internal/config"
	"github.com/0gfoundation/0g-aa-wallet/internal/coordinator"
	"github.com/0gfoundation/0g-aa-wallet/internal/fallback"
	"github.com/0gfoundation/0g-aa-wallet/internal/pipeline"
	"github.com/0gfoundation/0g-aa-wallet/internal/relay"
	"github.com/0gfoundation/0g-aa-wallet/internal/watcher"
)

// Operations is satisfied by *pipeline.Pipeline.
// Decoupled here so handler tests can use a fake.
type Operations interface {
	Submit(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	ConfirmFallback(ctx context.Context, token string, confirm bool) (*pipeline.Result, error)
	Receipt(ctx context.Context, chainID int64, relayURL string, opHash common.Hash) (*relay.Receipt, error)
}

// Handler wires the API routes onto a gin router group.
type Handler struct {
	coord    *coordinator.Coordinator
	watch    *watcher.Watcher
	ops      Operations
	chains   config.Chains
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds the handler. chains bounds the RPC and relay URLs that
// callers may name.
func NewHandler(coord *coordinator.Coordinator, watch *watcher.Watcher, ops Operations, chains config.Chains, log *zap.Logger) *Handler {
	return &Handler{
		coord:  coord,
		watch:  watch,
		ops:    ops,
		chains: chains,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Register mounts all routes. opsAuth, when non-nil, guards the operation
// routes since they spend the configured signer's funds.
func (h *Handler) Register(rg *gin.RouterGroup, opsAuth gin.HandlerFunc) {
	// ── Commit-reveal ──────────────────────────────────────────────────────
	rg.POST("/commitments", h.handleCommit)
	rg.POST("/commitments/reveal", h.handleReveal)
	rg.GET("/commitments/:hash", h.handleGetCommitment)
	rg.POST("/commitments/:hash/committed", h.handleCommitted)
	rg.POST("/commitments/:hash/revealed", h.handleRevealed)

	// ── Watcher ────────────────────────────────────────────────────────────
	rg.GET("/watcher/tasks", h.handleListTasks)
	rg.POST("/watcher/tasks", h.handleStartTask)
	rg.DELETE("/watcher/tasks/:id", h.handleStopTask)
	rg.POST("/watcher/results", h.handleCheckResult)
	rg.GET("/watcher/attach", h.handleAttach)

	// ── Operations ─────────────────────────────────────────────────────────
	ops := rg.Group("/operations")
	if opsAuth != nil {
		ops.Use(opsAuth)
	}
	ops.POST("", h.handleSubmitOperation)
	ops.POST("/fallback/:token", h.handleConfirmFallback)
	ops.GET("/:hash/receipt", h.handleReceipt)
}

// ── Error mapping ───────────────────────────────────────────────────────────

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, commitment.ErrEncoding),
		errors.Is(err, config.ErrUnknownChain),
		errors.Is(err, config.ErrUnlistedURL):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrUnknownCommitment),
		errors.Is(err, pipeline.ErrOfferNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrNotRevealable),
		errors.Is(err, coordinator.ErrAlreadyRevealed),
		errors.Is(err, coordinator.ErrInvalidTransition),
		errors.Is(err, coordinator.ErrCommitmentConflict):
		return http.StatusConflict
	case errors.Is(err, fallback.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, relay.ErrRelaySubmission),
		errors.Is(err, chain.ErrChainRead):
		return http.StatusBadGateway
	case errors.Is(err, watcher.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error(op+" failed", zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// ── Parsing helpers ─────────────────────────────────────────────────────────

func parseHash(s string) ([32]byte, error) {
	var out [32]byte
	raw := common.FromHex(s)
	if len(raw) != 32 {
		return out, badRequest("invalid hash %q", s)
	}
	copy(out[:], raw)
	return out, nil
}

// parseAddress accepts an empty string as the zero address.
func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, badRequest("invalid %s %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseHexBytes(field, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, badRequest("%s must be 0x-prefixed hex", field)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, badRequest("invalid %s: %v", field, err)
	}
	return b, nil
}

// parseAmount reads a decimal or 0x-prefixed wei amount.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, badRequest("invalid amount %q", s)
	}
	return v, nil
}

func parseChainID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid chainId %q", s)
	}
	return id, nil
}

func hexOf(b []byte) string { return "0x" + common.Bytes2Hex(b) }
