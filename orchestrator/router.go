// Package orchestrator implements the turn cycle: routing decisions,
// dispatching units of work, collecting worker results, and persisting the
// transcript. Every entry point is a stateless job handler; the checkpoint
// and coordination stores carry all state between invocations.
package orchestrator

import (
	"regexp"

	"github.com/BaSui01/synapse/types"
)

// mentionPattern matches the @[Alias] call syntax. Aliases may contain
// letters, digits, underscores, spaces, hyphens, and periods.
var mentionPattern = regexp.MustCompile(`@\[([\w\s.-]+?)\]`)

// DefaultTurnCeiling bounds router invocations per turn.
const DefaultTurnCeiling = 20

// FinishReason distinguishes how a turn ended.
type FinishReason string

const (
	// FinishNone means the turn is still in flight.
	FinishNone FinishReason = ""
	// FinishCeiling is the safety fuse: the turn-count ceiling was hit.
	FinishCeiling FinishReason = "ceiling"
	// FinishTaskComplete is the clean finish: the orchestrator emitted the
	// completion marker.
	FinishTaskComplete FinishReason = "task_complete"
	// FinishOrchestratorSilent means the orchestrator spoke with no
	// mentions, tool calls, or completion marker. Treated as finished, but
	// kept distinct because it usually means a forgotten marker.
	FinishOrchestratorSilent FinishReason = "orchestrator_silent"
)

// Decision is the partial-state update produced by one routing pass.
type Decision struct {
	NextActors []string
	TurnCount  int
	Finished   bool
	Reason     FinishReason
}

// Mentions extracts called aliases from content, dropping self-mentions and
// collapsing duplicates while preserving first-mention order.
func Mentions(content, sender string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var actors []string
	for _, m := range matches {
		alias := m[1]
		if alias == sender {
			continue
		}
		if _, dup := seen[alias]; dup {
			continue
		}
		seen[alias] = struct{}{}
		actors = append(actors, alias)
	}
	return actors
}

// Route inspects the most recent message and decides who acts next. Rules
// apply in strict priority order:
//
//  1. Ceiling exceeded: forced termination.
//  2. Error sender: route back to the orchestrator so it can react in-band.
//  3. Completion marker from the orchestrator: clean finish.
//  4. Tool calls pending: no actors; the dispatcher reads the calls directly.
//  5. Mentions: the called aliases act next.
//  6. Non-orchestrator speaker with no delegation: hand control back.
//  7. Orchestrator spoke with nothing actionable: finish.
func Route(state *types.TurnState, ceiling int) Decision {
	if ceiling <= 0 {
		ceiling = DefaultTurnCeiling
	}
	turnCount := state.TurnCount + 1
	if turnCount > ceiling {
		return Decision{TurnCount: turnCount, Finished: true, Reason: FinishCeiling}
	}

	last := state.LastMessage()
	if last == nil {
		return Decision{TurnCount: turnCount, Finished: true, Reason: FinishOrchestratorSilent}
	}

	if last.SenderAlias == types.SenderSystemError {
		return Decision{TurnCount: turnCount, NextActors: []string{types.SenderOrchestrator}}
	}

	if last.IsTaskComplete() && last.SenderAlias == types.SenderOrchestrator {
		return Decision{TurnCount: turnCount, Finished: true, Reason: FinishTaskComplete}
	}

	if last.HasToolCalls() {
		return Decision{TurnCount: turnCount}
	}

	if actors := Mentions(last.Content, last.SenderAlias); len(actors) > 0 {
		return Decision{TurnCount: turnCount, NextActors: actors}
	}

	if last.SenderAlias != types.SenderOrchestrator {
		return Decision{TurnCount: turnCount, NextActors: []string{types.SenderOrchestrator}}
	}

	return Decision{TurnCount: turnCount, Finished: true, Reason: FinishOrchestratorSilent}
}
