package api

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/0gfoundation/0g-aa-wallet/internal/coordinator"
	"github.com/0gfoundation/0g-aa-wallet/internal/watcher"
)

type commitRequest struct {
	Payload         string `json:"payload"`
	ChainID         int64  `json:"chainId"`
	ContractAddress string `json:"contractAddress"`
	Committer       string `json:"committer"`
}

type commitmentView struct {
	Hash            string `json:"hash"`
	Payload         string `json:"payload"`
	ChainID         int64  `json:"chainId"`
	ContractAddress string `json:"contractAddress"`
	Committer       string `json:"committer,omitempty"`
	State           string `json:"state"`
	UpdatedAt       int64  `json:"updatedAt"`
}

func viewOf(cm *coordinator.Commitment) commitmentView {
	v := commitmentView{
		Hash:            common.Hash(cm.Hash).Hex(),
		Payload:         hexOf(cm.Payload),
		ChainID:         cm.ChainID,
		ContractAddress: cm.Contract.Hex(),
		State:           cm.State.String(),
		UpdatedAt:       cm.UpdatedAt.Unix(),
	}
	if cm.Committer != (common.Address{}) {
		v.Committer = cm.Committer.Hex()
	}
	return v
}

// POST /commitments
func (h *Handler) handleCommit(c *gin.Context) {
	var body commitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req, err := body.parse()
	if err != nil {
		h.fail(c, "commit", err)
		return
	}

	cm, callData, err := h.coord.Commit(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "commit", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hash":       common.Hash(cm.Hash).Hex(),
		"callData":   hexOf(callData),
		"commitment": viewOf(cm),
	})
}

// parse validates the body. Committer is optional and recorded as given.
func (body commitRequest) parse() (coordinator.CommitRequest, error) {
	payload, err := parseHexBytes("payload", body.Payload)
	if err != nil {
		return coordinator.CommitRequest{}, err
	}
	contract, err := parseAddress("contractAddress", body.ContractAddress)
	if err != nil {
		return coordinator.CommitRequest{}, err
	}
	committer, err := parseAddress("committer", body.Committer)
	if err != nil {
		return coordinator.CommitRequest{}, err
	}
	return coordinator.CommitRequest{
		Payload:   payload,
		ChainID:   body.ChainID,
		Contract:  contract,
		Committer: committer,
	}, nil
}

// GET /commitments/:hash
func (h *Handler) handleGetCommitment(c *gin.Context) {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		h.fail(c, "get commitment", err)
		return
	}
	cm, err := h.coord.Get(c.Request.Context(), hash)
	if err != nil {
		h.fail(c, "get commitment", err)
		return
	}
	c.JSON(http.StatusOK, viewOf(cm))
}

type committedRequest struct {
	// Monitor starts a watcher task for the commitment.
	Monitor    bool   `json:"monitor"`
	RPCURL     string `json:"rpcUrl"`
	IntervalMs int64  `json:"intervalMs"`
}

// POST /commitments/:hash/committed
func (h *Handler) handleCommitted(c *gin.Context) {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		h.fail(c, "mark committed", err)
		return
	}
	var body committedRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	ctx := c.Request.Context()
	st, err := h.coord.MarkCommitted(ctx, hash)
	if err != nil {
		h.fail(c, "mark committed", err)
		return
	}
	resp := gin.H{"hash": common.Hash(hash).Hex(), "state": st.String()}

	if body.Monitor && st < coordinator.StateRevealable {
		cm, err := h.coord.Get(ctx, hash)
		if err != nil {
			h.fail(c, "mark committed", err)
			return
		}
		id, err := h.startTask(ctx, watcher.TaskConfig{
			ID:       common.Hash(hash).Hex(),
			ChainID:  cm.ChainID,
			Contract: cm.Contract,
			Hash:     hash,
			RPCURL:   body.RPCURL,
			Interval: time.Duration(body.IntervalMs) * time.Millisecond,
		})
		if err != nil {
			h.fail(c, "start monitoring", err)
			return
		}
		resp["taskId"] = id
	}
	c.JSON(http.StatusOK, resp)
}

type revealRequest struct {
	Payload         string `json:"payload"`
	ChainID         int64  `json:"chainId"`
	ContractAddress string `json:"contractAddress"`
}

// POST /commitments/reveal
func (h *Handler) handleReveal(c *gin.Context) {
	var body revealRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	payload, err := parseHexBytes("payload", body.Payload)
	if err != nil {
		h.fail(c, "reveal", err)
		return
	}
	contract, err := parseAddress("contractAddress", body.ContractAddress)
	if err != nil {
		h.fail(c, "reveal", err)
		return
	}

	callData, err := h.coord.Reveal(c.Request.Context(), payload, body.ChainID, contract)
	if err != nil {
		h.fail(c, "reveal", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"callData": hexOf(callData)})
}

// POST /commitments/:hash/revealed
func (h *Handler) handleRevealed(c *gin.Context) {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		h.fail(c, "mark revealed", err)
		return
	}
	if err := h.coord.MarkRevealed(c.Request.Context(), hash); err != nil {
		h.fail(c, "mark revealed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hash": common.Hash(hash).Hex(), "state": coordinator.StateRevealed.String()})
}
