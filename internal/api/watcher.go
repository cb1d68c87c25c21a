package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-aa-wallet/internal/watcher"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	writeWait  = 10 * time.Second
)

type taskView struct {
	TaskID          string `json:"taskId"`
	ChainID         int64  `json:"chainId"`
	ContractAddress string `json:"contractAddress"`
	CommitmentHash  string `json:"commitmentHash"`
	RPCURL          string `json:"rpcUrl,omitempty"`
	IntervalMs      int64  `json:"intervalMs"`
	LastCheckedAt   int64  `json:"lastCheckedAt"`
}

// GET /watcher/tasks
func (h *Handler) handleListTasks(c *gin.Context) {
	tasks, err := h.watch.Tasks(c.Request.Context())
	if err != nil {
		h.fail(c, "list tasks", err)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView{
			TaskID:          t.ID,
			ChainID:         t.ChainID,
			ContractAddress: t.Contract.Hex(),
			CommitmentHash:  common.Hash(t.Hash).Hex(),
			RPCURL:          t.RPCURL,
			IntervalMs:      t.Interval.Milliseconds(),
			LastCheckedAt:   t.LastCheckedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

// POST /watcher/tasks takes the START_MONITORING message fields.
func (h *Handler) handleStartTask(c *gin.Context) {
	var msg watcher.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	cfg, err := watcher.TaskConfigFromMessage(msg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.startTask(c.Request.Context(), cfg)
	if err != nil {
		h.fail(c, "start monitoring", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": id})
}

// startTask admits a task only for a configured chain and one of its listed
// RPC endpoints.
func (h *Handler) startTask(ctx context.Context, cfg watcher.TaskConfig) (string, error) {
	if err := h.chains.CheckRPC(cfg.ChainID, cfg.RPCURL); err != nil {
		return "", err
	}
	return h.watch.StartMonitoring(ctx, cfg)
}

// DELETE /watcher/tasks/:id
func (h *Handler) handleStopTask(c *gin.Context) {
	if err := h.watch.StopMonitoring(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "stop monitoring", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type checkResultRequest struct {
	TaskID    string `json:"taskId" binding:"required"`
	CanReveal *bool  `json:"canReveal" binding:"required"`
}

// POST /watcher/results
func (h *Handler) handleCheckResult(c *gin.Context) {
	var body checkResultRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "taskId and canReveal required"})
		return
	}
	if err := h.watch.ReportCheckResult(c.Request.Context(), body.TaskID, *body.CanReveal); err != nil {
		h.fail(c, "report check result", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ── Websocket port ──────────────────────────────────────────────────────────

// GET /watcher/attach upgrades to a websocket that acts as a foreground port:
// it receives CHECK_TASK_STATUS and TASK_READY_TO_REVEAL, and may send
// START_MONITORING, STOP_MONITORING and TASK_STATUS_CHECK_RESULT.
func (h *Handler) handleAttach(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	port, err := h.watch.Attach(c.Request.Context())
	if err != nil {
		conn.WriteJSON(watcher.Message{Type: watcher.MsgError, Error: err.Error()}) //nolint:errcheck
		conn.Close()
		return
	}
	log := h.log.With(zap.String("port", port.ID))

	s := &portSession{conn: conn}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(port.C, log)
	}()

	s.readLoop(h, log)

	// Detach closes port.C, which ends the write loop.
	if err := h.watch.Detach(context.Background(), port); err != nil {
		log.Debug("detach", zap.Error(err))
	}
	<-writerDone
	conn.Close()
}

type portSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *portSession) write(m watcher.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return s.conn.WriteJSON(m)
}

func (s *portSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *portSession) writeLoop(in <-chan watcher.Message, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case m, ok := <-in:
			if !ok {
				return
			}
			if err := s.write(m); err != nil {
				log.Info("port write failed", zap.Error(err))
				// Unblocks readLoop.
				s.conn.Close()
				for range in {
				}
				return
			}
		case <-ticker.C:
			if err := s.ping(); err != nil {
				s.conn.Close()
				for range in {
				}
				return
			}
		}
	}
}

func (s *portSession) readLoop(h *Handler, log *zap.Logger) {
	s.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg watcher.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("port read failed", zap.Error(err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck

		reply := h.handlePortMessage(msg)
		if err := s.write(reply); err != nil {
			return
		}
	}
}

// handlePortMessage applies one inbound port message and returns the ACK or
// ERROR reply.
func (h *Handler) handlePortMessage(msg watcher.Message) watcher.Message {
	w := h.watch
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	fail := func(err error) watcher.Message {
		return watcher.Message{Type: watcher.MsgError, TaskID: msg.TaskID, Error: err.Error()}
	}
	switch msg.Type {
	case watcher.MsgStartMonitoring:
		cfg, err := watcher.TaskConfigFromMessage(msg)
		if err != nil {
			return fail(err)
		}
		id, err := h.startTask(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		return watcher.Message{Type: watcher.MsgAck, TaskID: id}
	case watcher.MsgStopMonitoring:
		if err := w.StopMonitoring(ctx, msg.TaskID); err != nil {
			return fail(err)
		}
		return watcher.Message{Type: watcher.MsgAck, TaskID: msg.TaskID}
	case watcher.MsgTaskStatusCheckResult:
		if msg.CanReveal == nil {
			return fail(badRequest("canReveal required"))
		}
		if err := w.ReportCheckResult(ctx, msg.TaskID, *msg.CanReveal); err != nil {
			return fail(err)
		}
		return watcher.Message{Type: watcher.MsgAck, TaskID: msg.TaskID}
	}
	return fail(badRequest("unsupported message type %q", msg.Type))
}
