package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/synapse/internal/auth"
	"github.com/BaSui01/synapse/storage"
	"github.com/BaSui01/synapse/types"
)

// GroupHandler serves group and roster management.
type GroupHandler struct {
	store  *storage.Store
	logger *zap.Logger
}

// NewGroupHandler creates a group handler.
func NewGroupHandler(store *storage.Store, logger *zap.Logger) *GroupHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroupHandler{
		store:  store,
		logger: logger.With(zap.String("component", "group_handler")),
	}
}

type createGroupRequest struct {
	Name               string `json:"name"`
	OrchestratorPrompt string `json:"orchestrator_prompt"`
}

type addMemberRequest struct {
	Alias        string   `json:"alias"`
	SystemPrompt string   `json:"system_prompt"`
	Tools        []string `json:"tools"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	Temperature  float64  `json:"temperature"`
}

// HandleCreate creates a group owned by the caller. Every group is seeded
// with an Orchestrator and a User member.
func (h *GroupHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "authentication required", h.logger)
		return
	}

	var req createGroupRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Name == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "name is required", h.logger)
		return
	}

	group, err := h.store.CreateGroup(r.Context(), claims.Subject, req.Name, req.OrchestratorPrompt)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to create group").WithCause(err), h.logger)
		return
	}
	WriteStatus(w, http.StatusCreated, group)
}

// HandleList lists the caller's groups.
func (h *GroupHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "authentication required", h.logger)
		return
	}

	groups, err := h.store.ListGroups(r.Context(), claims.Subject)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to list groups").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, groups)
}

// HandleGet returns one group owned by the caller.
func (h *GroupHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	group, ok := h.ownedGroup(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, group)
}

// HandleAddMember adds a configured agent to the group roster.
func (h *GroupHandler) HandleAddMember(w http.ResponseWriter, r *http.Request) {
	group, ok := h.ownedGroup(w, r)
	if !ok {
		return
	}

	var req addMemberRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Alias == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "alias is required", h.logger)
		return
	}
	switch req.Alias {
	case types.SenderUser, types.SenderOrchestrator, types.SenderSystemError:
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"alias is reserved", h.logger)
		return
	}
	if req.Provider == "" {
		req.Provider = "openai"
	}

	member, err := h.store.AddMember(r.Context(), group.ID, types.GroupMember{
		Alias:        req.Alias,
		SystemPrompt: req.SystemPrompt,
		Tools:        req.Tools,
		Provider:     req.Provider,
		Model:        req.Model,
		Temperature:  req.Temperature,
	})
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to add member").WithCause(err), h.logger)
		return
	}
	WriteStatus(w, http.StatusCreated, member)
}

// HandleListMembers lists the group roster.
func (h *GroupHandler) HandleListMembers(w http.ResponseWriter, r *http.Request) {
	group, ok := h.ownedGroup(w, r)
	if !ok {
		return
	}

	members, err := h.store.ListMembers(r.Context(), group.ID)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to list members").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, members)
}

func (h *GroupHandler) ownedGroup(w http.ResponseWriter, r *http.Request) (*storage.Group, bool) {
	return loadOwnedGroup(w, r, h.store, h.logger)
}

// loadOwnedGroup loads the path group and enforces that the caller owns it.
func loadOwnedGroup(w http.ResponseWriter, r *http.Request, store *storage.Store, logger *zap.Logger) (*storage.Group, bool) {
	claims, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "authentication required", logger)
		return nil, false
	}

	group, err := store.GetGroup(r.Context(), r.PathValue("group_id"))
	if errors.Is(err, storage.ErrNotFound) {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "group not found", logger)
		return nil, false
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to load group").WithCause(err), logger)
		return nil, false
	}
	if group.OwnerID != claims.Subject {
		WriteErrorMessage(w, http.StatusForbidden, types.ErrForbidden, "group belongs to another user", logger)
		return nil, false
	}
	return group, true
}
