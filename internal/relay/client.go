// Package relay talks to ERC-4337 bundlers over JSON-RPC and picks the first
// one that can price an operation.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-aa-wallet/internal/metrics"
	"github.com/0gfoundation/0g-aa-wallet/internal/userop"
)

var (
	ErrAllRelaysUnavailable = errors.New("all relays unavailable")
	ErrRelaySubmission      = errors.New("relay submission rejected")
)

// SubmissionError is a relay's explicit rejection of a signed operation.
type SubmissionError struct {
	Relay   string
	Code    int
	Message string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("relay %s rejected operation: %s (code %d)", e.Relay, e.Message, e.Code)
}

func (e *SubmissionError) Is(target error) bool { return target == ErrRelaySubmission }

// Endpoint is one bundler URL serving a chain.
type Endpoint struct {
	URL     string
	ChainID int64
}

// GasEstimate is a relay's answer to eth_estimateUserOperationGas.
type GasEstimate struct {
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
}

// Valid reports whether every field is strictly positive.
func (g GasEstimate) Valid() bool {
	for _, v := range []*big.Int{g.CallGasLimit, g.VerificationGasLimit, g.PreVerificationGas} {
		if v == nil || v.Sign() <= 0 {
			return false
		}
	}
	return true
}

// Apply returns a copy of op carrying the estimated limits.
func (g GasEstimate) Apply(op *userop.UserOperation) *userop.UserOperation {
	out := op.Copy()
	out.CallGasLimit = new(big.Int).Set(g.CallGasLimit)
	out.VerificationGasLimit = new(big.Int).Set(g.VerificationGasLimit)
	out.PreVerificationGas = new(big.Int).Set(g.PreVerificationGas)
	return out
}

// Receipt is the outcome of eth_getUserOperationReceipt. Found is false while
// the operation is not yet included.
type Receipt struct {
	Found         bool
	Success       bool
	Reason        string
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	TxHash        common.Hash
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Client is a stateless bundler JSON-RPC client.
type Client struct {
	http *resty.Client
	log  *zap.Logger
}

func NewClient(timeout time.Duration, log *zap.Logger) *Client {
	c := resty.New()
	c.SetTimeout(timeout)
	c.SetHeader("Content-Type", "application/json")
	return &Client{http: c, log: log}
}

func (c *Client) call(ctx context.Context, url, method string, params []any, result any) error {
	start := time.Now()
	defer func() { metrics.RelayLatency.WithLabelValues(method).Observe(time.Since(start).Seconds()) }()

	var out rpcResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}).
		SetResult(&out).
		ForceContentType("application/json").
		Post(url)
	if err != nil {
		metrics.RelayAttempts.WithLabelValues(method, "transport_error").Inc()
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	if resp.IsError() {
		metrics.RelayAttempts.WithLabelValues(method, "http_error").Inc()
		return fmt.Errorf("%s %s: http %d: %s", method, url, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if out.Error != nil {
		metrics.RelayAttempts.WithLabelValues(method, "rpc_error").Inc()
		return out.Error
	}
	metrics.RelayAttempts.WithLabelValues(method, "ok").Inc()
	if result == nil || len(out.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(out.Result, result); err != nil {
		return fmt.Errorf("%s %s: decode result: %w", method, url, err)
	}
	return nil
}

// EstimateGas asks ep to price op. Unsigned operations are sent with a
// placeholder signature.
func (c *Client) EstimateGas(ctx context.Context, ep Endpoint, op *userop.UserOperation, sig []byte, entryPoint common.Address) (GasEstimate, error) {
	if len(sig) == 0 {
		sig = userop.DummySignature
	}
	var raw struct {
		CallGasLimit         quantity `json:"callGasLimit"`
		VerificationGasLimit quantity `json:"verificationGasLimit"`
		VerificationGas      quantity `json:"verificationGas"`
		PreVerificationGas   quantity `json:"preVerificationGas"`
	}
	params := []any{userop.ToRPC(op, sig), entryPoint}
	if err := c.call(ctx, ep.URL, "eth_estimateUserOperationGas", params, &raw); err != nil {
		return GasEstimate{}, err
	}
	est := GasEstimate{
		CallGasLimit:         raw.CallGasLimit.Int(),
		VerificationGasLimit: raw.VerificationGasLimit.Int(),
		PreVerificationGas:   raw.PreVerificationGas.Int(),
	}
	// Older bundlers answer with verificationGas.
	if est.VerificationGasLimit == nil {
		est.VerificationGasLimit = raw.VerificationGas.Int()
	}
	return est, nil
}

// Submit sends a signed operation and returns the relay's operation hash.
// Rejections are *SubmissionError and are never retried here.
func (c *Client) Submit(ctx context.Context, ep Endpoint, s *userop.SignedOperation, entryPoint common.Address) (common.Hash, error) {
	var opHash common.Hash
	params := []any{userop.ToRPC(&s.Op, s.Signature), entryPoint}
	err := c.call(ctx, ep.URL, "eth_sendUserOperation", params, &opHash)
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return common.Hash{}, &SubmissionError{Relay: ep.URL, Code: rpcErr.Code, Message: rpcErr.Message}
	}
	if err != nil {
		return common.Hash{}, &SubmissionError{Relay: ep.URL, Message: err.Error()}
	}
	if opHash == (common.Hash{}) {
		return common.Hash{}, &SubmissionError{Relay: ep.URL, Message: "empty operation hash"}
	}
	c.log.Info("operation submitted",
		zap.String("relay", ep.URL),
		zap.String("sender", s.Op.Sender.Hex()),
		zap.String("op_hash", opHash.Hex()),
	)
	return opHash, nil
}

// GetReceipt looks up an operation's inclusion receipt.
func (c *Client) GetReceipt(ctx context.Context, ep Endpoint, opHash common.Hash) (*Receipt, error) {
	var raw *struct {
		Success       bool     `json:"success"`
		Reason        string   `json:"reason"`
		ActualGasCost quantity `json:"actualGasCost"`
		ActualGasUsed quantity `json:"actualGasUsed"`
		Receipt       struct {
			TransactionHash common.Hash `json:"transactionHash"`
		} `json:"receipt"`
	}
	if err := c.call(ctx, ep.URL, "eth_getUserOperationReceipt", []any{opHash}, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return &Receipt{}, nil
	}
	return &Receipt{
		Found:         true,
		Success:       raw.Success,
		Reason:        raw.Reason,
		ActualGasCost: raw.ActualGasCost.Int(),
		ActualGasUsed: raw.ActualGasUsed.Int(),
		TxHash:        raw.Receipt.TransactionHash,
	}, nil
}

// quantity decodes the number forms bundlers use: 0x-hex strings, decimal
// strings and bare JSON numbers.
type quantity struct{ v *big.Int }

func (q quantity) Int() *big.Int {
	if q.v == nil {
		return nil
	}
	return new(big.Int).Set(q.v)
}

func (q *quantity) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return fmt.Errorf("quantity %s: bad hex", s)
		}
		q.v = v
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("quantity %s: not a number", s)
	}
	q.v = v
	return nil
}
