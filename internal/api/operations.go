package api

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/0gfoundation/0g-aa-wallet/internal/pipeline"
	"github.com/0gfoundation/0g-aa-wallet/internal/userop"
)

type callRequest struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

type operationRequest struct {
	ChainID int64         `json:"chainId"`
	Sender  string        `json:"sender"`
	Calls   []callRequest `json:"calls"`
}

type offerView struct {
	Token      string `json:"token"`
	From       string `json:"from"`
	GasLimit   uint64 `json:"gasLimit"`
	GasPrice   string `json:"gasPrice"`
	Fee        string `json:"fee"`
	FeeEth     string `json:"feeEth"`
	Balance    string `json:"balance"`
	BalanceEth string `json:"balanceEth"`
	Sufficient bool   `json:"sufficient"`
	ExpiresAt  int64  `json:"expiresAt"`
}

func resultView(r *pipeline.Result) gin.H {
	out := gin.H{"status": r.Status}
	switch r.Status {
	case pipeline.StatusSubmitted:
		out["opHash"] = r.OpHash.Hex()
		out["relay"] = r.Relay
	case pipeline.StatusFallbackSent:
		out["txHash"] = r.TxHash.Hex()
	}
	if r.Offer != nil && r.Status == pipeline.StatusFallbackRequired {
		q := r.Offer.Quote
		out["offer"] = offerView{
			Token:      r.Offer.Token,
			From:       q.From.Hex(),
			GasLimit:   q.GasLimit,
			GasPrice:   q.GasPrice.String(),
			Fee:        q.Fee.String(),
			FeeEth:     q.FeeEther(),
			Balance:    q.Balance.String(),
			BalanceEth: q.BalanceEther(),
			Sufficient: q.Sufficient,
			ExpiresAt:  r.Offer.ExpiresAt.Unix(),
		}
	}
	return out
}

func (body operationRequest) parse() (pipeline.Request, error) {
	if body.ChainID <= 0 {
		return pipeline.Request{}, badRequest("chainId required")
	}
	if !common.IsHexAddress(body.Sender) {
		return pipeline.Request{}, badRequest("invalid sender %q", body.Sender)
	}
	if len(body.Calls) == 0 {
		return pipeline.Request{}, badRequest("at least one call required")
	}
	calls := make([]userop.Call, 0, len(body.Calls))
	for _, cr := range body.Calls {
		if !common.IsHexAddress(cr.To) {
			return pipeline.Request{}, badRequest("invalid call target %q", cr.To)
		}
		value, err := parseAmount(cr.Value)
		if err != nil {
			return pipeline.Request{}, err
		}
		data, err := parseHexBytes("data", cr.Data)
		if err != nil {
			return pipeline.Request{}, err
		}
		calls = append(calls, userop.Call{To: common.HexToAddress(cr.To), Value: value, Data: data})
	}
	return pipeline.Request{ChainID: body.ChainID, Sender: common.HexToAddress(body.Sender), Calls: calls}, nil
}

// POST /operations
func (h *Handler) handleSubmitOperation(c *gin.Context) {
	var body operationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req, err := body.parse()
	if err != nil {
		h.fail(c, "submit operation", err)
		return
	}
	res, err := h.ops.Submit(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "submit operation", err)
		return
	}
	code := http.StatusOK
	if res.Status == pipeline.StatusFallbackRequired {
		code = http.StatusAccepted
	}
	c.JSON(code, resultView(res))
}

type confirmRequest struct {
	Confirm bool `json:"confirm"`
}

// POST /operations/fallback/:token
func (h *Handler) handleConfirmFallback(c *gin.Context) {
	var body confirmRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.ops.ConfirmFallback(c.Request.Context(), c.Param("token"), body.Confirm)
	if err != nil {
		h.fail(c, "confirm fallback", err)
		return
	}
	c.JSON(http.StatusOK, resultView(res))
}

// GET /operations/:hash/receipt?chainId=&relay=
func (h *Handler) handleReceipt(c *gin.Context) {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		h.fail(c, "receipt", err)
		return
	}
	chainID, err := parseChainID(c.Query("chainId"))
	if err != nil {
		h.fail(c, "receipt", err)
		return
	}
	relayURL := c.Query("relay")
	if err := h.chains.CheckRelay(chainID, relayURL); err != nil {
		h.fail(c, "receipt", err)
		return
	}
	rcpt, err := h.ops.Receipt(c.Request.Context(), chainID, relayURL, hash)
	if err != nil {
		h.fail(c, "receipt", err)
		return
	}
	if !rcpt.Found {
		c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
		return
	}
	reason := rcpt.Reason
	if rcpt.Success {
		reason = ""
	}
	c.JSON(http.StatusOK, gin.H{
		"opHash":        common.Hash(hash).Hex(),
		"success":       rcpt.Success,
		"reason":        reason,
		"actualGasCost": rcpt.ActualGasCost.String(),
		"actualGasUsed": rcpt.ActualGasUsed.String(),
		"txHash":        rcpt.TxHash.Hex(),
	})
}
