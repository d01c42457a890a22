package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contree/broker/internal/schema"
	"github.com/contree/broker/internal/syncer"
)

// OperationUpdateData describes an operation state change.
type OperationUpdateData struct {
	ID          string       `json:"id"`
	Kind        schema.Kind  `json:"kind,omitempty"`
	State       schema.State `json:"state"`
	ExitCode    *int         `json:"exit_code,omitempty"`
	ResultImage string       `json:"result_image,omitempty"`
}

// SyncCompleteData describes a finished sync.
type SyncCompleteData struct {
	Root           string        `json:"root,omitempty"`
	DirectoryState string        `json:"directory_state"`
	Files          int           `json:"files"`
	Hashed         int           `json:"hashed"`
	Uploaded       int           `json:"uploaded"`
	UploadedBytes  int64         `json:"uploaded_bytes"`
	Reused         bool          `json:"reused"`
	Duration       time.Duration `json:"duration"`
}

// StatsData contains running totals.
type StatsData struct {
	Operations    int                  `json:"operations"`
	ByState       map[schema.State]int `json:"by_state"`
	Syncs         int                  `json:"syncs"`
	UploadedBytes int64                `json:"uploaded_bytes"`
}

// Handler turns tracker and planner events into dashboard messages. It
// implements operation.Observer and syncer.Observer.
type Handler struct {
	server *Server
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]schema.State
	stats  StatsData
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		server: server,
		logger: logger,
		states: make(map[string]schema.State),
		stats:  StatsData{ByState: make(map[schema.State]int)},
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// OperationUpdated handles an operation state change.
func (h *Handler) OperationUpdated(op schema.Operation) {
	h.mu.Lock()
	if prev, ok := h.states[op.ID]; ok {
		h.stats.ByState[prev]--
	} else {
		h.stats.Operations++
	}
	h.states[op.ID] = op.State
	h.stats.ByState[op.State]++
	h.mu.Unlock()

	data := OperationUpdateData{ID: op.ID, Kind: op.Kind, State: op.State}
	if op.Result != nil {
		code := op.Result.ExitCode
		data.ExitCode = &code
		data.ResultImage = op.Result.ResultImage
	}
	h.send(MessageTypeOperationUpdate, data)
	h.server.Broadcast(h.statsMessage())
}

// SyncCompleted handles a finished sync.
func (h *Handler) SyncCompleted(root string, res syncer.Result) {
	h.mu.Lock()
	h.stats.Syncs++
	h.stats.UploadedBytes += res.Stats.UploadedBytes
	h.mu.Unlock()

	h.send(MessageTypeSyncComplete, SyncCompleteData{
		Root:           root,
		DirectoryState: res.State.ID,
		Files:          res.Stats.Files,
		Hashed:         res.Stats.Hashed,
		Uploaded:       res.Stats.Uploaded,
		UploadedBytes:  res.Stats.UploadedBytes,
		Reused:         res.Stats.Reused,
		Duration:       res.Stats.Duration,
	})
	h.server.Broadcast(h.statsMessage())
}

// GetStats returns a copy of the running totals.
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.stats
	out.ByState = make(map[schema.State]int, len(h.stats.ByState))
	for k, v := range h.stats.ByState {
		if v > 0 {
			out.ByState[k] = v
		}
	}
	return out
}

func (h *Handler) statsMessage() Message {
	data, err := json.Marshal(h.GetStats())
	if err != nil {
		h.logger.Warn("failed to marshal stats", zap.Error(err))
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("failed to marshal message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}
