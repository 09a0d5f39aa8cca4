package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollector_RecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("agentfabric", reg, zap.NewNop())

	c.RecordHandoff("completed", 120*time.Millisecond)
	c.RecordHandoff("completed", 80*time.Millisecond)
	c.RecordHandoff("vetoed", 300*time.Millisecond)
	c.RecordProviderAttempt("local", "transient_error")
	c.RecordVoteSession("consensus", 2*time.Second)
	c.SetQueueDepth("agent-1", 3)
	c.RecordClaimCheck("hallucination")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.handoffsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handoffsTotal.WithLabelValues("vetoed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.providerAttempts.WithLabelValues("local", "transient_error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueDepth.WithLabelValues("agent-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.voteSessionsTotal.WithLabelValues("consensus")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.claimChecksTotal.WithLabelValues("hallucination")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.RecordHandoff("completed", time.Second)
	c.RecordProviderAttempt("local", "ok")
	c.SetQueueDepth("a", 1)
	c.RecordVoteSession("none", time.Second)
	c.RecordClaimCheck("clean")
}
