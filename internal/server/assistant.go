package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"careline/internal/dispatch"
)

type assistantRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message" minLength:"1"`
}

func registerAssistant(api huma.API, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "assistant-message",
		Method:      http.MethodPost,
		Path:        "/assistant/messages",
		Summary:     "Send a message to the assistant",
	}, func(ctx context.Context, input *struct {
		Body assistantRequest `json:"body"`
	}) (*struct {
		Body struct {
			SessionID string          `json:"session_id"`
			Result    dispatch.Result `json:"result"`
		} `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		sessionID := input.Body.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		res, err := d.Handle(ctx, dispatch.Request{
			TenantID:  p.TenantID,
			SessionID: sessionID,
			ActorID:   p.UserID,
			Message:   input.Body.Message,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				SessionID string          `json:"session_id"`
				Result    dispatch.Result `json:"result"`
			} `json:"body"`
		}{}
		out.Body.SessionID = sessionID
		out.Body.Result = *res
		return out, nil
	})
}

// registerAssistantStream wires the SSE variant straight onto the chi
// router; huma buffers responses, which defeats streaming.
func registerAssistantStream(router chi.Router, basePath string, d *dispatch.Dispatcher) {
	router.Post(path.Join(basePath, "assistant/messages/stream"), func(w http.ResponseWriter, r *http.Request) {
		p, err := requirePrincipal(r.Context())
		if err != nil {
			writeAuthError(w, "authentication required")
			return
		}
		var body assistantRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": "bad_request", "message": "message is required"},
			})
			return
		}
		sessionID := body.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		deltas := make(chan string, 64)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for delta := range deltas {
				writeSSE(w, flusher, map[string]any{"type": "delta", "text": delta})
			}
		}()

		res, err := d.HandleStream(ctx, dispatch.Request{
			TenantID:  p.TenantID,
			SessionID: sessionID,
			ActorID:   p.UserID,
			Message:   body.Message,
		}, deltas)
		close(deltas)
		<-done

		if err != nil {
			writeSSE(w, flusher, map[string]any{"type": "error", "message": handleError(err).Error()})
			return
		}
		writeSSE(w, flusher, map[string]any{"type": "result", "session_id": sessionID, "result": res})
	})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}
