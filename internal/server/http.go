package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"go-turns/internal/app"
	"go-turns/internal/httpjson"
	"go-turns/internal/storage"
	"go-turns/internal/turn"
)

type HTTPServer struct {
	app    *app.App
	logger *zap.Logger
}

func New(a *app.App, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{app: a, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	if relay := s.app.RelayHandler(); relay != nil {
		mux.Handle("/v1/relay", relay)
	} else {
		mux.HandleFunc("/v1/relay", func(w http.ResponseWriter, _ *http.Request) {
			httpjson.Error(w, http.StatusServiceUnavailable, "relay upstream is not configured")
		})
	}
	mux.HandleFunc("/conversations", s.handleConversations)
	mux.HandleFunc("/conversations/", s.handleConversationSub)
	mux.HandleFunc("/responses/", s.handleResponse)
	return mux
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpjson.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpjson.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	httpjson.Write(w, http.StatusOK, s.app.Metrics())
}

func (s *HTTPServer) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Title string `json:"title,omitempty"`
		}
		if r.ContentLength != 0 {
			if err := httpjson.Decode(r, &req); err != nil {
				httpjson.Error(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		c, err := s.app.CreateConversation(r.Context(), req.Title)
		if err != nil {
			s.writeAppErr(w, err)
			return
		}
		httpjson.Write(w, http.StatusCreated, c)
	case http.MethodGet:
		limit := 30
		if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		items, err := s.app.ListConversationIDs(r.Context(), limit)
		if err != nil {
			s.writeAppErr(w, err)
			return
		}
		httpjson.Write(w, http.StatusOK, map[string]any{"conversations": items})
	default:
		httpjson.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) handleConversationSub(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/conversations/")
	path = strings.Trim(path, "/")
	if path == "" {
		httpjson.Error(w, http.StatusBadRequest, "conversation id required")
		return
	}
	parts := strings.Split(path, "/")
	cid := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			httpjson.Error(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		c, err := s.app.GetConversation(r.Context(), cid)
		if err != nil {
			s.writeAppErr(w, err)
			return
		}
		httpjson.Write(w, http.StatusOK, c)
		return
	}

	switch parts[1] {
	case "transcript":
		if r.Method != http.MethodGet {
			httpjson.Error(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		items, err := s.app.Transcript(r.Context(), cid)
		if err != nil {
			s.writeAppErr(w, err)
			return
		}
		httpjson.Write(w, http.StatusOK, map[string]any{"items": items})
	case "turns":
		if len(parts) == 3 {
			s.handleTurn(w, r, cid, parts[2])
			return
		}
		if r.Method != http.MethodPost {
			httpjson.Error(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Input string `json:"input"`
			Wait  bool   `json:"wait,omitempty"`
		}
		if err := httpjson.Decode(r, &req); err != nil {
			httpjson.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		t, err := s.app.SubmitTurn(r.Context(), cid, req.Input)
		if err != nil {
			s.writeAppErr(w, err)
			return
		}
		s.writeTurn(w, r, t, req.Wait)
	case "retry":
		if r.Method != http.MethodPost {
			httpjson.Error(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			ItemID string `json:"item_id"`
			Wait   bool   `json:"wait,omitempty"`
		}
		if err := httpjson.Decode(r, &req); err != nil {
			httpjson.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.ItemID) == "" {
			httpjson.Error(w, http.StatusBadRequest, "item_id is required")
			return
		}
		t, err := s.app.Retry(r.Context(), cid, req.ItemID)
		if err != nil {
			s.writeAppErr(w, err)
			return
		}
		s.writeTurn(w, r, t, req.Wait)
	default:
		httpjson.Error(w, http.StatusNotFound, "not found")
	}
}

func (s *HTTPServer) handleTurn(w http.ResponseWriter, r *http.Request, cid, tid string) {
	switch r.Method {
	case http.MethodGet:
		snap, err := s.app.GetTurn(r.Context(), cid, tid)
		if err != nil {
			s.writeAppErr(w, err)
			return
		}
		httpjson.Write(w, http.StatusOK, snap)
	case http.MethodDelete:
		if err := s.app.Cancel(cid, tid); err != nil {
			s.writeAppErr(w, err)
			return
		}
		httpjson.Write(w, http.StatusAccepted, map[string]any{"conversation_id": cid, "turn_id": tid, "cancelled": true})
	default:
		httpjson.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) handleResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpjson.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/responses/"), "/")
	if id == "" {
		httpjson.Error(w, http.StatusBadRequest, "response id required")
		return
	}
	doc, err := s.app.GetResponse(r.Context(), id)
	if err != nil {
		s.writeAppErr(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, doc)
}

// writeTurn answers with the final snapshot when wait is set, otherwise with
// the turn handle while it keeps running.
func (s *HTTPServer) writeTurn(w http.ResponseWriter, r *http.Request, t *turn.Turn, wait bool) {
	if !wait {
		httpjson.Write(w, http.StatusAccepted, map[string]any{
			"conversation_id": t.ConversationID,
			"turn_id":         t.ID,
			"state":           t.State(),
		})
		return
	}
	snap, err := t.Wait(r.Context())
	if err != nil {
		s.logger.Info("client left before turn finished", zap.String("turn_id", t.ID), zap.Error(err))
		return
	}
	httpjson.Write(w, http.StatusOK, snap)
}

func (s *HTTPServer) writeAppErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, app.ErrTurnNotFound):
		status = http.StatusNotFound
	case errors.Is(err, app.ErrEmptyInput), errors.Is(err, turn.ErrItemNotFound):
		status = http.StatusBadRequest
	case errors.Is(err, app.ErrTurnNotActive):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	httpjson.Error(w, status, err.Error())
}
