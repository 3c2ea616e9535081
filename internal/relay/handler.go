package relay

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-turns/internal/httpjson"
	"go-turns/internal/llm"
	"go-turns/internal/sse"
)

type HandlerOptions struct {
	Upstream llm.DeltaProvider
	Model    string
	Logger   *zap.Logger
}

// NewHandler serves POST requests by opening the upstream delta stream and
// relaying it as canonical event frames.
func NewHandler(opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &handler{upstream: opts.Upstream, model: opts.Model, logger: logger}
}

type handler struct {
	upstream llm.DeltaProvider
	model    string
	logger   *zap.Logger
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpjson.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req Request
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		httpjson.Error(w, http.StatusBadRequest, "messages cannot be empty")
		return
	}
	if strings.TrimSpace(req.TurnID) == "" {
		req.TurnID = uuid.NewString()
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = h.model
	}

	stream, err := h.upstream.ChatStream(r.Context(), llm.ChatRequest{Model: req.Model, Messages: req.Messages})
	if err != nil {
		h.logger.Warn("relay upstream open failed", zap.String("turn_id", req.TurnID), zap.Error(err))
		status := http.StatusBadGateway
		var pe *llm.ProviderError
		if errors.As(err, &pe) && pe.Status >= 400 && pe.Status < 500 {
			status = pe.Status
		}
		httpjson.Error(w, status, err.Error())
		return
	}
	defer stream.Close()

	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	if err := Relay(r.Context(), w, stream, req.TurnID, req.Model); err != nil {
		h.logger.Info("relay ended early", zap.String("turn_id", req.TurnID), zap.Error(err))
		return
	}
	h.logger.Debug("relay finished", zap.String("turn_id", req.TurnID))
}
