// Package auth gates operator routes behind EIP-191 wallet signatures.
//
// A caller sends three headers: X-Wallet-Address, X-Signed-Message (base64
// JSON SignedRequest) and X-Wallet-Signature. A request passes when the
// signature recovers to an authorized wallet and the signed action,
// resource_id and payload describe the request being made. Each nonce is
// accepted once, and only inside MaxFutureWindow.
package auth

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-aa-wallet/internal/userop"
)

// WalletKey is the gin context key holding the authenticated wallet.
const WalletKey = "wallet_address"

const (
	MaxFutureWindow = 5 * time.Minute
	maxBodyBytes    = 1 << 20
	nonceKeyPrefix  = "auth:nonce:"
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
//
// Action is "<METHOD> <route>", for example "POST /api/operations/fallback/:token".
// ResourceID is the request URI (path and query). Payload is the JSON body.
type SignedRequest struct {
	Action     string          `json:"action"`
	ExpiresAt  int64           `json:"expires_at"`
	Nonce      string          `json:"nonce"`
	Payload    json.RawMessage `json:"payload"`
	ResourceID string          `json:"resource_id"`
}

// ActionFor is the Action a client signs for method on route.
func ActionFor(method, route string) string {
	return method + " " + route
}

// rejection is a refusal with the status the caller sees.
type rejection struct {
	status int
	reason string
}

func (r *rejection) Error() string { return r.reason }

func unauthorized(reason string) error { return &rejection{http.StatusUnauthorized, reason} }

// Guard checks signed operator requests against a fixed wallet allowlist.
type Guard struct {
	rdb     *redis.Client
	allowed map[common.Address]struct{}
	clock   clockwork.Clock
	log     *zap.Logger
}

func NewGuard(rdb *redis.Client, allowed []common.Address, log *zap.Logger) *Guard {
	g := &Guard{
		rdb:     rdb,
		allowed: make(map[common.Address]struct{}, len(allowed)),
		clock:   clockwork.NewRealClock(),
		log:     log,
	}
	for _, a := range allowed {
		g.allowed[a] = struct{}{}
	}
	return g
}

// Middleware aborts with 401 for malformed, expired, replayed or mismatched
// requests and 403 for wallets outside the allowlist. On success the wallet
// is stored under WalletKey.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, err := g.verify(c)
		if err != nil {
			var rj *rejection
			if errors.As(err, &rj) {
				c.AbortWithStatusJSON(rj.status, gin.H{"error": rj.reason})
				return
			}
			g.log.Error("auth check failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.Set(WalletKey, wallet.Hex())
		c.Next()
	}
}

func (g *Guard) verify(c *gin.Context) (common.Address, error) {
	walletAddr := c.GetHeader("X-Wallet-Address")
	signedMsgB64 := c.GetHeader("X-Signed-Message")
	sigHex := c.GetHeader("X-Wallet-Signature")
	if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
		return common.Address{}, unauthorized("missing auth headers")
	}

	msg, err := base64.StdEncoding.DecodeString(signedMsgB64)
	if err != nil {
		return common.Address{}, unauthorized("invalid X-Signed-Message encoding")
	}
	var req SignedRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return common.Address{}, unauthorized("invalid signed message JSON")
	}
	now := g.clock.Now().Unix()
	if err := checkWindow(req, now); err != nil {
		return common.Address{}, err
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, unauthorized("invalid signature hex")
	}
	wallet, err := userop.RecoverMessage(msg, sig)
	if err != nil || !strings.EqualFold(wallet.Hex(), walletAddr) {
		return common.Address{}, unauthorized("invalid signature")
	}
	if _, ok := g.allowed[wallet]; !ok {
		g.log.Warn("request signed by unauthorized wallet", zap.String("wallet", wallet.Hex()))
		return common.Address{}, &rejection{http.StatusForbidden, "wallet not authorized"}
	}

	if err := bindRequest(c, req); err != nil {
		return common.Address{}, err
	}

	// Only requests that pass every other check consume their nonce.
	ttl := time.Duration(req.ExpiresAt-now) * time.Second
	set, err := g.rdb.SetNX(c.Request.Context(), nonceKeyPrefix+req.Nonce, 1, ttl).Result()
	if err != nil {
		return common.Address{}, fmt.Errorf("nonce check: %w", err)
	}
	if !set {
		return common.Address{}, unauthorized("nonce already used")
	}
	return wallet, nil
}

func checkWindow(req SignedRequest, now int64) error {
	switch {
	case req.ExpiresAt <= now:
		return unauthorized("request expired")
	case req.ExpiresAt > now+int64(MaxFutureWindow.Seconds()):
		return unauthorized("expires_at too far in future")
	case req.Nonce == "":
		return unauthorized("nonce required")
	}
	return nil
}

// bindRequest matches the signed action, resource_id and payload against the
// live request. The body is restored for the handler.
func bindRequest(c *gin.Context, req SignedRequest) error {
	if req.Action != ActionFor(c.Request.Method, c.FullPath()) {
		return unauthorized("signed action does not match request")
	}
	if req.ResourceID != c.Request.URL.RequestURI() {
		return unauthorized("signed resource_id does not match request")
	}

	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil {
			return unauthorized("unreadable request body")
		}
		if len(body) > maxBodyBytes {
			return &rejection{http.StatusRequestEntityTooLarge, "request body too large"}
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
	}
	want, err := canonicalJSON(req.Payload)
	if err != nil {
		return unauthorized("signed payload is not JSON")
	}
	got, err := canonicalJSON(body)
	if err != nil || !bytes.Equal(want, got) {
		return unauthorized("signed payload does not match request body")
	}
	return nil
}

// canonicalJSON compacts raw; an empty document reads as null.
func canonicalJSON(raw []byte) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
