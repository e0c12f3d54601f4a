package api

import (
	"encoding/json"
	"net/http"

	"github.com/hexwave/chatmux/internal/oneshot"
)

type turnRequest struct {
	Provider       string `json:"provider"`
	Prompt         string `json:"prompt"`
	Platform       string `json:"platform,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Model          string `json:"model,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
}

type turnResponse struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// processTurn is the single-shot, non-streaming surface used by webhook bot
// gateways and file-upload flows: only the final text matters.
func (h *Handler) processTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Provider == "" || req.Prompt == "" {
		http.Error(w, "provider and prompt are required", http.StatusBadRequest)
		return
	}

	result, err := h.runner.ProcessTurn(r.Context(), req.Provider, req.Prompt, oneshot.Options{
		UserID:         userID(r),
		Platform:       req.Platform,
		ConversationID: req.ConversationID,
		Model:          req.Model,
		SystemPrompt:   req.SystemPrompt,
	})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(turnResponse{Error: err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(turnResponse{Result: result})
}
