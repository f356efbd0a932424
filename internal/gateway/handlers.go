// ABOUTME: HTTP handlers for healthcheck, conversation turns and conversation teardown
// ABOUTME: Validates query parameters, maps service errors to status codes and writes JSON

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf16"

	"github.com/2389/clyde-relay/internal/backend"
	"github.com/2389/clyde-relay/internal/conversation"
	"github.com/2389/clyde-relay/internal/lifecycle"
	"github.com/2389/clyde-relay/internal/registry"
)

// Client-facing messages.
const (
	msgNotReady         = "Discord is not ready yet"
	msgShuttingDown     = "Server is shutting down"
	msgMissingTurn      = "Please provide a message and conversationID"
	msgMissingTeardown  = "Please provide a conversationID"
	msgInvalidID        = "Invalid conversationID. Must be a string with only letters and numbers, no spaces and no more than 32 characters"
	msgNotFound         = "Conversation does not exist"
	msgDeleted          = "Conversation deleted"
	msgTimeout          = "Timed out waiting for a response"
	msgTooManyRequests  = "Too many requests, please try again later."
	msgInternal         = "Internal server error"
	msgBackendErrPrefix = "Messaging backend error: "
)

type healthResponse struct {
	Status string `json:"status"`
}

type turnResponse struct {
	Response string `json:"response"`
}

type teardownResponse struct {
	Response string `json:"response"`
	Success  bool   `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleHealthcheck reports readiness. It always answers 200.
func (g *Gateway) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	status := "not ready"
	if lifecycle.FromContext(r.Context()) == lifecycle.Ready {
		status = "ok"
	}
	g.writeJSON(w, http.StatusOK, healthResponse{Status: status})
}

// handleTurn relays ?message= into the ?conversationID= conversation and
// answers with the responder's reply.
func (g *Gateway) handleTurn(w http.ResponseWriter, r *http.Request) {
	if !g.checkReady(w, r) {
		return
	}

	q := r.URL.Query()
	message := q.Get("message")
	conversationID := q.Get("conversationID")
	if message == "" || conversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, msgMissingTurn)
		return
	}

	if utf16Len(message) > g.maxMessageLength {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("Message is too long. Must be under %d characters", g.maxMessageLength))
		return
	}

	conversationID, err := registry.NormalizeConversationID(conversationID)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, msgInvalidID)
		return
	}

	reply, err := g.conversations.Turn(r.Context(), conversationID, message)
	if err != nil {
		g.writeServiceError(w, r, "turn", conversationID, err)
		return
	}
	g.writeJSON(w, http.StatusOK, turnResponse{Response: reply})
}

// handleTeardown deletes the ?conversationID= conversation.
func (g *Gateway) handleTeardown(w http.ResponseWriter, r *http.Request) {
	if !g.checkReady(w, r) {
		return
	}

	conversationID := r.URL.Query().Get("conversationID")
	if conversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, msgMissingTeardown)
		return
	}

	conversationID, err := registry.NormalizeConversationID(conversationID)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, msgInvalidID)
		return
	}

	err = g.conversations.Teardown(r.Context(), conversationID)
	switch {
	case errors.Is(err, registry.ErrChannelNotFound):
		// Historically a 200 with an error body.
		g.sendJSONError(w, http.StatusOK, msgNotFound)
	case err != nil:
		g.writeServiceError(w, r, "teardown", conversationID, err)
	default:
		g.writeJSON(w, http.StatusOK, teardownResponse{Response: msgDeleted, Success: true})
	}
}

// checkReady rejects the request unless the snapshotted state is Ready.
func (g *Gateway) checkReady(w http.ResponseWriter, r *http.Request) bool {
	switch lifecycle.FromContext(r.Context()) {
	case lifecycle.Ready:
		return true
	case lifecycle.ShuttingDown:
		g.sendJSONError(w, http.StatusServiceUnavailable, msgShuttingDown)
	default:
		g.sendJSONError(w, http.StatusBadRequest, msgNotReady)
	}
	return false
}

// writeServiceError maps a conversation service failure to a response.
// Nothing is written when the client has already gone away.
func (g *Gateway) writeServiceError(w http.ResponseWriter, r *http.Request, op, conversationID string, err error) {
	if r.Context().Err() != nil {
		g.logger.Info("client went away", "op", op, "conversation_id", conversationID, "error", err)
		return
	}

	switch {
	case errors.Is(err, conversation.ErrReplyTimeout):
		g.logger.Warn("reply timed out", "op", op, "conversation_id", conversationID)
		g.sendJSONError(w, http.StatusGatewayTimeout, msgTimeout)
	case errors.Is(err, conversation.ErrWaiterCancelled):
		g.sendJSONError(w, http.StatusServiceUnavailable, msgShuttingDown)
	case errors.Is(err, registry.ErrInvalidConversationID):
		g.sendJSONError(w, http.StatusBadRequest, msgInvalidID)
	case errors.Is(err, backend.ErrBackend):
		g.logger.Error("backend failure", "op", op, "conversation_id", conversationID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, backendErrorMessage(err))
	default:
		g.logger.Error("request failed", "op", op, "conversation_id", conversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, msgInternal)
	}
}

// backendErrorMessage renders a backend failure for clients. The sentinel's
// own text is dropped so the prefix is not repeated.
func backendErrorMessage(err error) string {
	detail := strings.ReplaceAll(err.Error(), ": "+backend.ErrBackend.Error(), "")
	return msgBackendErrPrefix + detail
}

// writeJSON writes v as a JSON response. Replies are passed through
// verbatim, so HTML escaping is off.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, errorResponse{Error: message})
}

// utf16Len counts UTF-16 code units, the unit the message limit has always
// been expressed in.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
