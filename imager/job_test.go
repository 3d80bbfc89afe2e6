package imager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStartsIdle(t *testing.T) {
	job := NewJob()

	snap := job.Snapshot()
	assert.Equal(t, StageIdle, snap.Stage)
	assert.Equal(t, 0, snap.Percent)
	assert.Empty(t, snap.JobID)
}

func TestJobSingleSlot(t *testing.T) {
	job := NewJob()

	require.NoError(t, job.Begin("job-1"))
	assert.ErrorIs(t, job.Begin("job-2"), ErrBusy)

	// Terminal stages release the slot for a fresh job.
	job.Fail("boom")
	require.NoError(t, job.Begin("job-3"))
	assert.Equal(t, "job-3", job.Snapshot().JobID)
	assert.Equal(t, StageWiping, job.Snapshot().Stage)

	job.Finish("ok")
	require.NoError(t, job.Begin("job-4"))
}

func TestJobPercentNeverDecreases(t *testing.T) {
	job := NewJob()
	require.NoError(t, job.Begin("job-1"))

	job.Update(StageWiping, 8, "")
	job.Update(StageWriting, 10, "")
	// A stale update must not roll progress back.
	job.Update(StageWriting, 4, "")
	assert.Equal(t, 10, job.Snapshot().Percent)

	job.Update(StageSyncing, 200, "")
	assert.Equal(t, 100, job.Snapshot().Percent)
}

func TestJobByteProgress(t *testing.T) {
	job := NewJob()
	require.NoError(t, job.Begin("job-1"))
	job.Update(StageWriting, 10, "")

	job.SetTotal(1000)
	job.AddBytes(500)

	snap := job.Snapshot()
	assert.Equal(t, int64(500), snap.BytesWritten)
	assert.Equal(t, 10+42, snap.Percent)

	// Writing more than the declared total caps at 95.
	job.AddBytes(5000)
	assert.Equal(t, 95, job.Snapshot().Percent)
}

func TestJobIndeterminateProgressHolds(t *testing.T) {
	job := NewJob()
	require.NoError(t, job.Begin("job-1"))
	job.Update(StageWriting, 10, "")

	// Unknown total: bytes advance, percent holds.
	job.AddBytes(1 << 20)
	snap := job.Snapshot()
	assert.Equal(t, int64(1<<20), snap.BytesWritten)
	assert.Equal(t, 10, snap.Percent)
}

func TestJobFailRetainsMessage(t *testing.T) {
	job := NewJob()
	require.NoError(t, job.Begin("job-1"))

	job.Fail("device write failed: no space left on device")
	snap := job.Snapshot()
	assert.Equal(t, StageError, snap.Stage)
	assert.Equal(t, "device write failed: no space left on device", snap.Error)
}
