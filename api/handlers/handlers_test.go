package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/synapse/broker"
	"github.com/BaSui01/synapse/internal/auth"
	"github.com/BaSui01/synapse/storage"
	"github.com/BaSui01/synapse/types"
)

type enqueued struct {
	queue   string
	name    string
	payload any
}

type fakeBroker struct {
	jobs []enqueued
	err  error
}

func (b *fakeBroker) Enqueue(_ context.Context, queue, name string, payload any) error {
	if b.err != nil {
		return b.err
	}
	b.jobs = append(b.jobs, enqueued{queue: queue, name: name, payload: payload})
	return nil
}

func (b *fakeBroker) Close() error { return nil }

type fixture struct {
	store   *storage.Store
	manager *auth.Manager
	sink    *fakeBroker
	mux     *http.ServeMux
	user    *storage.User
}

func setupHandlers(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := storage.NewStore(db, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate())

	manager, err := auth.NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	hash, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	user, err := store.CreateUser(context.Background(), "alice", hash)
	require.NoError(t, err)

	sink := &fakeBroker{}
	authHandler := NewAuthHandler(store, manager, zap.NewNop())
	groupHandler := NewGroupHandler(store, zap.NewNop())
	messageHandler := NewMessageHandler(store, sink, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/register", authHandler.HandleRegister)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.HandleLogin)
	mux.HandleFunc("POST /api/v1/groups", groupHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/groups", groupHandler.HandleList)
	mux.HandleFunc("GET /api/v1/groups/{group_id}", groupHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/groups/{group_id}/members", groupHandler.HandleAddMember)
	mux.HandleFunc("GET /api/v1/groups/{group_id}/members", groupHandler.HandleListMembers)
	mux.HandleFunc("GET /api/v1/groups/{group_id}/messages", messageHandler.HandleList)
	mux.HandleFunc("POST /api/v1/groups/{group_id}/messages", messageHandler.HandleSend)

	return &fixture{store: store, manager: manager, sink: sink, mux: mux, user: user}
}

// do issues a request as the fixture user, simulating the auth middleware.
func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.doAs(t, &auth.Claims{Username: f.user.Username}, method, path, body, f.user.ID)
}

func (f *fixture) doAnonymous(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) doAs(t *testing.T, claims *auth.Claims, method, path string, body any, subject string) *httptest.ResponseRecorder {
	t.Helper()
	claims.Subject = subject
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(auth.WithIdentity(req.Context(), claims))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Success bool `json:"success"`
		Data    T    `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	return resp.Data
}

func TestRegisterAndLogin(t *testing.T) {
	f := setupHandlers(t)

	rec := f.doAnonymous(t, http.MethodPost, "/api/v1/auth/register",
		map[string]string{"username": "bob", "password": "long enough"})
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData[tokenResponse](t, rec)
	assert.NotEmpty(t, data.Token)
	assert.Equal(t, "bob", data.Username)

	claims, err := f.manager.Verify(data.Token)
	require.NoError(t, err)
	assert.Equal(t, data.UserID, claims.Subject)

	rec = f.doAnonymous(t, http.MethodPost, "/api/v1/auth/register",
		map[string]string{"username": "bob", "password": "long enough"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.doAnonymous(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": "bob", "password": "long enough"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.doAnonymous(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": "bob", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	f := setupHandlers(t)

	rec := f.doAnonymous(t, http.MethodPost, "/api/v1/auth/register",
		map[string]string{"username": "bob", "password": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateGroupSeedsRoster(t *testing.T) {
	f := setupHandlers(t)

	rec := f.do(t, http.MethodPost, "/api/v1/groups",
		map[string]string{"name": "research", "orchestrator_prompt": "coordinate"})
	require.Equal(t, http.StatusCreated, rec.Code)
	group := decodeData[storage.Group](t, rec)
	require.NotEmpty(t, group.ID)

	rec = f.do(t, http.MethodGet, "/api/v1/groups/"+group.ID+"/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	members := decodeData[[]types.GroupMember](t, rec)
	require.Len(t, members, 2)

	aliases := []string{members[0].Alias, members[1].Alias}
	assert.Contains(t, aliases, types.SenderOrchestrator)
	assert.Contains(t, aliases, types.SenderUser)
}

func TestGroupRequiresAuthentication(t *testing.T) {
	f := setupHandlers(t)

	rec := f.doAnonymous(t, http.MethodPost, "/api/v1/groups", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGroupOwnershipEnforced(t *testing.T) {
	f := setupHandlers(t)

	rec := f.do(t, http.MethodPost, "/api/v1/groups", map[string]string{"name": "mine"})
	require.Equal(t, http.StatusCreated, rec.Code)
	group := decodeData[storage.Group](t, rec)

	rec = f.doAs(t, &auth.Claims{Username: "mallory"},
		http.MethodGet, "/api/v1/groups/"+group.ID, nil, "other-user")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/groups/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddMemberRejectsReservedAlias(t *testing.T) {
	f := setupHandlers(t)

	rec := f.do(t, http.MethodPost, "/api/v1/groups", map[string]string{"name": "g"})
	require.Equal(t, http.StatusCreated, rec.Code)
	group := decodeData[storage.Group](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/groups/"+group.ID+"/members",
		map[string]any{"alias": types.SenderOrchestrator})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/groups/"+group.ID+"/members",
		map[string]any{"alias": "Researcher", "model": "gpt-4o", "tools": []string{"web_search"}})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestSendMessageEnqueuesTurnStart(t *testing.T) {
	f := setupHandlers(t)

	rec := f.do(t, http.MethodPost, "/api/v1/groups", map[string]string{"name": "g"})
	require.Equal(t, http.StatusCreated, rec.Code)
	group := decodeData[storage.Group](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/groups/"+group.ID+"/messages",
		map[string]string{"content": "research Go schedulers"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	data := decodeData[sendMessageResponse](t, rec)
	require.NotEmpty(t, data.MessageID)
	require.NotEmpty(t, data.TurnID)

	require.Len(t, f.sink.jobs, 1)
	job := f.sink.jobs[0]
	assert.Equal(t, broker.QueueOrchestrator, job.queue)
	assert.Equal(t, broker.JobStartTurn, job.name)
	payload, ok := job.payload.(broker.StartTurnPayload)
	require.True(t, ok)
	assert.Equal(t, group.ID, payload.GroupID)
	assert.Equal(t, "research Go schedulers", payload.Content)
	assert.Equal(t, data.MessageID, payload.MessageID)
	assert.Equal(t, data.TurnID, payload.TurnID)
	assert.Equal(t, f.user.ID, payload.UserID)

	// The user message is durable before the turn starts.
	msgs, err := f.store.ListMessages(context.Background(), group.ID, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.SenderUser, msgs[0].SenderAlias)
}

func TestSendMessageBrokerFailureIsLoud(t *testing.T) {
	f := setupHandlers(t)

	rec := f.do(t, http.MethodPost, "/api/v1/groups", map[string]string{"name": "g"})
	require.Equal(t, http.StatusCreated, rec.Code)
	group := decodeData[storage.Group](t, rec)

	f.sink.err = fmt.Errorf("stream append failed")
	rec = f.do(t, http.MethodPost, "/api/v1/groups/"+group.ID+"/messages",
		map[string]string{"content": "hello"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// Stored despite the failed enqueue.
	msgs, err := f.store.ListMessages(context.Background(), group.ID, time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestListMessagesCursor(t *testing.T) {
	f := setupHandlers(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/api/v1/groups", map[string]string{"name": "g"})
	require.Equal(t, http.StatusCreated, rec.Code)
	group := decodeData[storage.Group](t, rec)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		msg := types.NewMessage(types.SenderUser, fmt.Sprintf("msg %d", i))
		msg.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, f.store.SaveTurnMessages(ctx, group.ID, "turn-1", []types.Message{msg}))
	}

	rec = f.do(t, http.MethodGet, "/api/v1/groups/"+group.ID+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeData[[]storage.Message](t, rec)
	require.Len(t, page, 2)
	assert.Equal(t, "msg 2", page[0].Content)

	cursor := page[1].CreatedAt.Format(time.RFC3339Nano)
	rec = f.do(t, http.MethodGet, "/api/v1/groups/"+group.ID+"/messages?before="+cursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decodeData[[]storage.Message](t, rec)
	require.Len(t, page, 1)
	assert.Equal(t, "msg 0", page[0].Content)

	rec = f.do(t, http.MethodGet, "/api/v1/groups/"+group.ID+"/messages?before=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
