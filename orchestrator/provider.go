package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentfabric/agentfabric/types"
)

// Provider executes a task against one inference backend. Implementations
// must honor ctx cancellation and classify failures as transient or
// permanent via TransientError / PermanentError.
type Provider interface {
	Name() string
	Execute(ctx context.Context, taskID, taskContext string) (string, error)
}

// TransientError wraps a failure worth retrying on the same provider.
func TransientError(err error) error {
	if err == nil {
		return nil
	}
	return types.NewError(types.ErrProviderTransient, err.Error()).WithCause(err).WithRetryable(true)
}

// PermanentError wraps a failure that advances the chain immediately, with
// no retry on the failing provider.
func PermanentError(err error) error {
	if err == nil {
		return nil
	}
	return types.NewError(types.ErrProviderPermanent, err.Error()).WithCause(err)
}

// IsTransient reports whether the provider failure is worth retrying.
// Unclassified errors are treated as transient: retrying a permanent
// failure wastes a few attempts, skipping a transient one loses work.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return types.GetErrorCode(err) != types.ErrProviderPermanent
}

// ChainEntry is one provider in an ordered chain with its own attempt
// timeout, retry budget, and optional rate limiter.
type ChainEntry struct {
	Provider    Provider
	Timeout     time.Duration
	MaxAttempts int
	Limiter     *rate.Limiter
}

// chains holds the ordered provider chain per agent type. Read-mostly:
// reconfiguration is visible to subsequently initiated handoffs but never
// preempts in-flight ones.
type chains struct {
	mu     sync.RWMutex
	byType map[string][]ChainEntry
}

func newChains() *chains {
	return &chains{byType: make(map[string][]ChainEntry)}
}

func (c *chains) set(agentType string, entries []ChainEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byType[agentType] = append([]ChainEntry(nil), entries...)
}

// snapshot returns the chain for agentType as it stands now.
func (c *chains) snapshot(agentType string) []ChainEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ChainEntry(nil), c.byType[agentType]...)
}
