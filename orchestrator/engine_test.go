package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/synapse/broker"
	"github.com/BaSui01/synapse/checkpoint"
	"github.com/BaSui01/synapse/gather"
	"github.com/BaSui01/synapse/internal/metrics"
	"github.com/BaSui01/synapse/storage"
	"github.com/BaSui01/synapse/types"
)

type recordedBroadcast struct {
	groupID string
	turnID  string
	msg     types.Message
}

type fakePublisher struct {
	published []recordedBroadcast
}

func (p *fakePublisher) Publish(_ context.Context, groupID, turnID string, msg types.Message) error {
	p.published = append(p.published, recordedBroadcast{groupID: groupID, turnID: turnID, msg: msg})
	return nil
}

type engineFixture struct {
	engine      *Engine
	sink        *fakeBroker
	checkpoints checkpoint.Store
	gatherings  *gather.Store
	store       *storage.Store
	publisher   *fakePublisher
	groupID     string
}

func setupEngine(t *testing.T) *engineFixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := storage.NewStore(db, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate())

	ctx := context.Background()
	group, err := store.CreateGroup(ctx, "owner-1", "research", "coordinate the team")
	require.NoError(t, err)
	for _, alias := range []string{"Researcher", "Writer"} {
		_, err = store.AddMember(ctx, group.ID, types.GroupMember{
			Alias:    alias,
			Provider: "openai",
			Model:    "gpt-4o",
		})
		require.NoError(t, err)
	}

	sink := &fakeBroker{}
	gatherings := gather.NewStore(client, "synapse:", time.Minute, zap.NewNop())
	checkpoints := checkpoint.NewMemoryStore()
	publisher := &fakePublisher{}

	engine := NewEngine(
		checkpoints,
		gatherings,
		NewDispatcher(sink, gatherings, zap.NewNop()),
		store,
		publisher,
		EngineConfig{TurnCeiling: DefaultTurnCeiling},
		metrics.NewCollector("synapse", prometheus.NewRegistry(), nil),
		zap.NewNop(),
	)

	return &engineFixture{
		engine:      engine,
		sink:        sink,
		checkpoints: checkpoints,
		gatherings:  gatherings,
		store:       store,
		publisher:   publisher,
		groupID:     group.ID,
	}
}

func startPayload(t *testing.T, f *engineFixture, content string) []byte {
	t.Helper()
	data, err := json.Marshal(broker.StartTurnPayload{
		GroupID:   f.groupID,
		Content:   content,
		UserID:    "owner-1",
		MessageID: "msg-user-1",
		TurnID:    "turn-1",
	})
	require.NoError(t, err)
	return data
}

func resultPayload(t *testing.T, f *engineFixture, msg types.Message, gatheringID string) []byte {
	t.Helper()
	data, err := json.Marshal(broker.WorkerResultPayload{
		ThreadID:    f.groupID,
		Message:     msg,
		GatheringID: gatheringID,
	})
	require.NoError(t, err)
	return data
}

func TestEngine_StartTurnDispatchesOrchestrator(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleStartTurn(ctx, startPayload(t, f, "research X")))

	// The user message routes to the orchestrator on the solo path.
	require.Len(t, f.sink.jobs, 1)
	job := f.sink.jobs[0].payload.(broker.RunAgentPayload)
	assert.Equal(t, types.SenderOrchestrator, job.Alias)
	assert.Empty(t, job.GatheringID)
	assert.Len(t, job.Members, 4)

	// The user message was flushed durably and broadcast before dispatch.
	rows, err := f.store.ListMessages(ctx, f.groupID, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "msg-user-1", rows[0].ID)
	require.Len(t, f.publisher.published, 1)
	assert.Equal(t, "turn-1", f.publisher.published[0].turnID)

	state, err := f.checkpoints.Load(ctx, f.groupID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.TurnCount)
	assert.Equal(t, 1, state.LastSavedIndex)
	assert.LessOrEqual(t, state.LastSavedIndex, len(state.Messages))
}

func TestEngine_SoloWorkerResultContinuesTurn(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, f.engine.HandleStartTurn(ctx, startPayload(t, f, "research X")))
	f.sink.jobs = nil

	reply := types.NewMessage(types.SenderOrchestrator, "@[Researcher] please dig in")
	require.NoError(t, f.engine.HandleWorkerResult(ctx, resultPayload(t, f, reply, "")))

	require.Len(t, f.sink.jobs, 1)
	job := f.sink.jobs[0].payload.(broker.RunAgentPayload)
	assert.Equal(t, "Researcher", job.Alias)
	assert.Empty(t, job.GatheringID)

	state, err := f.checkpoints.Load(ctx, f.groupID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Researcher"}, state.NextActors)
	assert.Equal(t, 2, state.TurnCount)
	assert.Equal(t, 2, state.LastSavedIndex)
}

func TestEngine_GatheredResultsResumeExactlyOnce(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, f.engine.HandleStartTurn(ctx, startPayload(t, f, "research X")))

	fanout := types.NewMessage(types.SenderOrchestrator, "@[Researcher] and @[Writer], go")
	require.NoError(t, f.engine.HandleWorkerResult(ctx, resultPayload(t, f, fanout, "")))

	// Two agents dispatched under one gathering.
	agentJobs := f.sink.jobs[len(f.sink.jobs)-2:]
	gatheringID := agentJobs[0].payload.(broker.RunAgentPayload).GatheringID
	require.NotEmpty(t, gatheringID)
	f.sink.jobs = nil

	// First completion: below the expected count, nothing resumes.
	first := types.NewMessage("Writer", "draft ready")
	require.NoError(t, f.engine.HandleWorkerResult(ctx, resultPayload(t, f, first, gatheringID)))
	assert.Empty(t, f.sink.jobs)

	// Second completion wins the claim and resumes with the full batch.
	second := types.NewMessage("Researcher", "findings attached")
	require.NoError(t, f.engine.HandleWorkerResult(ctx, resultPayload(t, f, second, gatheringID)))

	state, err := f.checkpoints.Load(ctx, f.groupID)
	require.NoError(t, err)
	aliases := make([]string, 0, len(state.Messages))
	for _, m := range state.Messages {
		aliases = append(aliases, m.SenderAlias)
	}
	assert.Contains(t, aliases, "Writer")
	assert.Contains(t, aliases, "Researcher")

	// Completion order puts the researcher's message last; it handed
	// control back, so the orchestrator is dispatched next.
	require.Len(t, f.sink.jobs, 1)
	assert.Equal(t, types.SenderOrchestrator, f.sink.jobs[0].payload.(broker.RunAgentPayload).Alias)
}

func TestEngine_TaskCompleteFinishesTurn(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, f.engine.HandleStartTurn(ctx, startPayload(t, f, "research X")))
	f.sink.jobs = nil

	done := types.NewMessage(types.SenderOrchestrator, "Summary above. TASK_COMPLETE")
	require.NoError(t, f.engine.HandleWorkerResult(ctx, resultPayload(t, f, done, "")))

	assert.Empty(t, f.sink.jobs)

	state, err := f.checkpoints.Load(ctx, f.groupID)
	require.NoError(t, err)
	assert.Empty(t, state.NextActors)
	assert.Equal(t, len(state.Messages), state.LastSavedIndex)

	// Both messages reached the durable log.
	rows, err := f.store.ListMessages(ctx, f.groupID, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestEngine_SecondTurnKeepsTranscript(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, f.engine.HandleStartTurn(ctx, startPayload(t, f, "research X")))
	done := types.NewMessage(types.SenderOrchestrator, "TASK_COMPLETE")
	require.NoError(t, f.engine.HandleWorkerResult(ctx, resultPayload(t, f, done, "")))
	f.publisher.published = nil

	next, err := json.Marshal(broker.StartTurnPayload{
		GroupID:   f.groupID,
		Content:   "now summarize",
		MessageID: "msg-user-2",
		TurnID:    "turn-2",
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.HandleStartTurn(ctx, next))

	state, err := f.checkpoints.Load(ctx, f.groupID)
	require.NoError(t, err)
	assert.Len(t, state.Messages, 3)
	assert.Equal(t, 1, state.TurnCount)
	assert.Equal(t, "turn-2", state.TurnID)

	// Only the new message is re-broadcast, never the saved history.
	require.Len(t, f.publisher.published, 1)
	assert.Equal(t, "msg-user-2", f.publisher.published[0].msg.ID)
}

func TestEngine_CeilingStopsRunawayTurn(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, f.engine.HandleStartTurn(ctx, startPayload(t, f, "research X")))

	state, err := f.checkpoints.Load(ctx, f.groupID)
	require.NoError(t, err)
	state.TurnCount = DefaultTurnCeiling
	require.NoError(t, f.checkpoints.Save(ctx, f.groupID, state))
	f.sink.jobs = nil

	loop := types.NewMessage(types.SenderOrchestrator, "@[Researcher] keep going forever")
	require.NoError(t, f.engine.HandleWorkerResult(ctx, resultPayload(t, f, loop, "")))

	assert.Empty(t, f.sink.jobs)
	state, err = f.checkpoints.Load(ctx, f.groupID)
	require.NoError(t, err)
	assert.Empty(t, state.NextActors)
	assert.Equal(t, DefaultTurnCeiling+1, state.TurnCount)
}

func TestEngine_MissingCheckpointIsFatal(t *testing.T) {
	f := setupEngine(t)

	msg := types.NewMessage("Researcher", "orphaned result")
	err := f.engine.HandleWorkerResult(context.Background(), resultPayload(t, f, msg, ""))

	require.Error(t, err)
	assert.Equal(t, types.ErrCheckpointMissing, types.GetErrorCode(err))
}

func TestEngine_ExpiredGatheringProcessesSolo(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, f.engine.HandleStartTurn(ctx, startPayload(t, f, "research X")))
	f.sink.jobs = nil

	// No gathering was ever created under this id; the append sees no
	// expected count and the failsafe processes the message solo.
	late := types.NewMessage("Researcher", "slow but not lost")
	require.NoError(t, f.engine.HandleWorkerResult(ctx, resultPayload(t, f, late, "gone-gathering")))

	require.Len(t, f.sink.jobs, 1)
	assert.Equal(t, types.SenderOrchestrator, f.sink.jobs[0].payload.(broker.RunAgentPayload).Alias)

	state, err := f.checkpoints.Load(ctx, f.groupID)
	require.NoError(t, err)
	assert.Equal(t, "slow but not lost", state.Messages[len(state.Messages)-1].Content)
}

func TestEngine_ErrorResultRoutesBackToOrchestrator(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, f.engine.HandleStartTurn(ctx, startPayload(t, f, "research X")))
	f.sink.jobs = nil

	failed := types.NewErrorMessage(`Agent "Researcher" failed to respond: boom`)
	require.NoError(t, f.engine.HandleWorkerResult(ctx, resultPayload(t, f, failed, "")))

	require.Len(t, f.sink.jobs, 1)
	assert.Equal(t, types.SenderOrchestrator, f.sink.jobs[0].payload.(broker.RunAgentPayload).Alias)
}

func TestEngine_ToolCallsDispatchedFromResult(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, f.engine.HandleStartTurn(ctx, startPayload(t, f, "research X")))
	f.sink.jobs = nil

	calling := types.NewMessage("Researcher", "let me look").WithToolCalls([]types.ToolCall{
		{ID: "call-1", Name: "web_search", Arguments: []byte(`{"query":"x"}`)},
	})
	require.NoError(t, f.engine.HandleWorkerResult(ctx, resultPayload(t, f, calling, "")))

	require.Len(t, f.sink.jobs, 1)
	assert.Equal(t, broker.JobRunTool, f.sink.jobs[0].name)
	payload := f.sink.jobs[0].payload.(broker.RunToolPayload)
	assert.Equal(t, "call-1", payload.ToolCallID)
	assert.Equal(t, f.groupID, payload.ThreadID)
}
