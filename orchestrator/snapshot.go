package orchestrator

import (
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// Snapshot captures a handoff's context before the first provider attempt.
// On chain exhaustion or cancellation the snapshot sizes are reported on
// the context.rollback event so the caller can restore pre-handoff state.
type Snapshot struct {
	HandoffID  string    `json:"handoff_id"`
	Context    string    `json:"context"`
	SizeTokens int       `json:"size_tokens"`
	SizeBytes  int       `json:"size_bytes"`
	TakenAt    time.Time `json:"taken_at"`
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens measures text in cl100k_base tokens, falling back to a
// bytes/4 estimate when the encoding is unavailable (offline hosts).
func countTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

func takeSnapshot(handoffID, taskContext string, now time.Time) Snapshot {
	return Snapshot{
		HandoffID:  handoffID,
		Context:    taskContext,
		SizeTokens: countTokens(taskContext),
		SizeBytes:  len(taskContext),
		TakenAt:    now,
	}
}
