package watcher

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MessageType names the JSON messages exchanged with foreground ports.
type MessageType string

const (
	MsgStartMonitoring       MessageType = "START_MONITORING"
	MsgStopMonitoring        MessageType = "STOP_MONITORING"
	MsgCheckTaskStatus       MessageType = "CHECK_TASK_STATUS"
	MsgTaskStatusCheckResult MessageType = "TASK_STATUS_CHECK_RESULT"
	MsgTaskReadyToReveal     MessageType = "TASK_READY_TO_REVEAL"
	MsgAck                   MessageType = "ACK"
	MsgError                 MessageType = "ERROR"
)

// Message is the wire form of every port message; unused fields are omitted.
type Message struct {
	Type            MessageType `json:"type"`
	TaskID          string      `json:"taskId,omitempty"`
	ChainID         int64       `json:"chainId,omitempty"`
	ContractAddress string      `json:"contractAddress,omitempty"`
	CommitmentHash  string      `json:"commitmentHash,omitempty"`
	RPCURL          string      `json:"rpcUrl,omitempty"`
	IntervalMs      int64       `json:"intervalMs,omitempty"`
	CanReveal       *bool       `json:"canReveal,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// TaskConfig is what a caller supplies to start monitoring.
type TaskConfig struct {
	ID       string
	ChainID  int64
	Contract common.Address
	Hash     [32]byte
	RPCURL   string
	Interval time.Duration
}

// Task is a registry entry.
type Task struct {
	TaskConfig
	LastCheckedAt time.Time

	gen uint64
}

func (c TaskConfig) sameTarget(o TaskConfig) bool {
	return c.ChainID == o.ChainID && c.Contract == o.Contract && c.Hash == o.Hash && c.RPCURL == o.RPCURL
}

// TaskConfigFromMessage parses a START_MONITORING message.
func TaskConfigFromMessage(m Message) (TaskConfig, error) {
	if !common.IsHexAddress(m.ContractAddress) {
		return TaskConfig{}, fmt.Errorf("invalid contractAddress %q", m.ContractAddress)
	}
	raw := common.FromHex(m.CommitmentHash)
	if len(raw) != 32 {
		return TaskConfig{}, fmt.Errorf("invalid commitmentHash %q", m.CommitmentHash)
	}
	cfg := TaskConfig{
		ID:       m.TaskID,
		ChainID:  m.ChainID,
		Contract: common.HexToAddress(m.ContractAddress),
		RPCURL:   m.RPCURL,
		Interval: time.Duration(m.IntervalMs) * time.Millisecond,
	}
	copy(cfg.Hash[:], raw)
	return cfg, nil
}

func checkMessage(t *Task) Message {
	return Message{
		Type:            MsgCheckTaskStatus,
		TaskID:          t.ID,
		ChainID:         t.ChainID,
		ContractAddress: t.Contract.Hex(),
		CommitmentHash:  common.Hash(t.Hash).Hex(),
		RPCURL:          t.RPCURL,
	}
}
