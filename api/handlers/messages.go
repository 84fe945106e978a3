package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/synapse/broker"
	"github.com/BaSui01/synapse/internal/auth"
	"github.com/BaSui01/synapse/storage"
	"github.com/BaSui01/synapse/types"
)

// MessageHandler serves the message history and accepts new user messages.
type MessageHandler struct {
	store  *storage.Store
	broker broker.Broker
	logger *zap.Logger
}

// NewMessageHandler creates a message handler.
func NewMessageHandler(store *storage.Store, b broker.Broker, logger *zap.Logger) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageHandler{
		store:  store,
		broker: b,
		logger: logger.With(zap.String("component", "message_handler")),
	}
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type sendMessageResponse struct {
	MessageID string `json:"message_id"`
	TurnID    string `json:"turn_id"`
}

// HandleList returns up to limit messages newest first, restricted to rows
// created strictly before the "before" cursor when one is given.
func (h *MessageHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	group, ok := loadOwnedGroup(w, r, h.store, h.logger)
	if !ok {
		return
	}

	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
				"before must be an RFC 3339 timestamp", h.logger)
			return
		}
		before = parsed
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
				"limit must be a non-negative integer", h.logger)
			return
		}
		limit = parsed
	}

	messages, err := h.store.ListMessages(r.Context(), group.ID, before, limit)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to list messages").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, messages)
}

// HandleSend stores the user message, enqueues a turn start, and returns 202.
// If the enqueue fails after the broker's internal retries the message is
// already durable, so the client can retry without duplicating it.
func (h *MessageHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	group, ok := loadOwnedGroup(w, r, h.store, h.logger)
	if !ok {
		return
	}
	claims, _ := auth.IdentityFromContext(r.Context())

	var req sendMessageRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Content == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "content is required", h.logger)
		return
	}

	turnID := uuid.New().String()
	msg := types.NewMessage(types.SenderUser, req.Content)

	if err := h.store.SaveTurnMessages(r.Context(), group.ID, turnID, []types.Message{msg}); err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to store message").WithCause(err), h.logger)
		return
	}

	payload := broker.StartTurnPayload{
		GroupID:   group.ID,
		Content:   req.Content,
		UserID:    claims.Subject,
		MessageID: msg.ID,
		TurnID:    turnID,
	}
	if err := h.broker.Enqueue(r.Context(), broker.QueueOrchestrator, broker.JobStartTurn, payload); err != nil {
		WriteError(w, types.NewError(types.ErrDispatchFailed,
			"message stored but the turn could not be started").WithCause(err), h.logger)
		return
	}

	WriteStatus(w, http.StatusAccepted, sendMessageResponse{MessageID: msg.ID, TurnID: turnID})
}
