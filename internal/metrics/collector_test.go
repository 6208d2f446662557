package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorTimingAndTokens(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpDBQuery, 10*time.Millisecond)
	c.RecordTiming(OpDBQuery, 30*time.Millisecond)
	c.RecordLLMUsage(OpLLMGenerate, 100*time.Millisecond, 40, 10)
	c.RecordLLMUsage(OpLLMGenerate, 200*time.Millisecond, 20, 30)

	snap := c.Snapshot()
	require.NotNil(t, snap.DBQuery)
	assert.Equal(t, int64(2), snap.DBQuery.Count)
	assert.Equal(t, int64(10), snap.DBQuery.MinTimeMs)
	assert.Equal(t, int64(30), snap.DBQuery.MaxTimeMs)
	assert.Nil(t, snap.DBQuery.TotalInputTokens)

	require.NotNil(t, snap.LLMGenerate)
	require.NotNil(t, snap.LLMGenerate.TotalInputTokens)
	assert.Equal(t, int64(60), *snap.LLMGenerate.TotalInputTokens)
	assert.Equal(t, int64(40), *snap.LLMGenerate.TotalOutputTokens)
	assert.Equal(t, int64(20), *snap.LLMGenerate.MinInputTokens)
	assert.Equal(t, int64(30), *snap.LLMGenerate.MaxOutputTokens)
}

func TestCollectorPhasesAndRuns(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(PhaseOp("ingest"), 5*time.Millisecond)
	c.RecordTiming(PhaseOp("extract"), 7*time.Millisecond)

	c.RunStarted()
	c.RunStarted()
	c.RecordRunOutcome("completed")

	snap := c.Snapshot()
	assert.Len(t, snap.Phases, 2)
	require.Contains(t, snap.Phases, "ingest")
	assert.Equal(t, int64(1), snap.Phases["ingest"].Count)
	assert.Equal(t, int64(1), snap.Runs["completed"])
	assert.Equal(t, int64(1), snap.ActiveRuns)
	assert.Nil(t, snap.LLMGenerate)
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordTiming(OpDBQuery, time.Millisecond)
			c.RunStarted()
			c.RecordRunOutcome("failed")
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, int64(50), snap.DBQuery.Count)
	assert.Equal(t, int64(50), snap.Runs["failed"])
	assert.Equal(t, int64(0), snap.ActiveRuns)
}
