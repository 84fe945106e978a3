package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/synapse/broadcast"
	"github.com/BaSui01/synapse/internal/auth"
	"github.com/BaSui01/synapse/storage"
	"github.com/BaSui01/synapse/types"
)

// Subscriber opens a live feed of broadcast payloads for one group.
type Subscriber interface {
	Subscribe(ctx context.Context, groupID string) (<-chan broadcast.Payload, error)
}

// WSHandler bridges the per-group broadcast channel to websocket clients.
type WSHandler struct {
	store      *storage.Store
	subscriber Subscriber
	manager    *auth.Manager
	logger     *zap.Logger
}

// NewWSHandler creates a websocket gateway handler.
func NewWSHandler(store *storage.Store, subscriber Subscriber, manager *auth.Manager, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		store:      store,
		subscriber: subscriber,
		manager:    manager,
		logger:     logger.With(zap.String("component", "ws_handler")),
	}
}

// HandleConnect authenticates, upgrades the connection, and streams every
// broadcast payload for the group until the client disconnects. Browsers
// cannot set headers on websocket requests, so the token is also accepted as
// a query parameter.
func (h *WSHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	claims, err := h.manager.Verify(token)
	if err != nil {
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "invalid or expired token", h.logger)
		return
	}

	r = r.WithContext(auth.WithIdentity(r.Context(), claims))
	group, ok := loadOwnedGroup(w, r, h.store, h.logger)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	// The gateway is write-only; CloseRead cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())

	feed, err := h.subscriber.Subscribe(ctx, group.ID)
	if err != nil {
		h.logger.Error("broadcast subscribe failed",
			zap.String("group_id", group.ID),
			zap.Error(err),
		)
		conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}

	h.logger.Info("websocket client connected",
		zap.String("group_id", group.ID),
		zap.String("user_id", claims.Subject),
	)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case payload, open := <-feed:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			data, err := json.Marshal(payload)
			if err != nil {
				h.logger.Warn("dropping unencodable payload", zap.Error(err))
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				h.logger.Debug("websocket write failed, client gone", zap.Error(err))
				return
			}
		}
	}
}
