package recovery

import (
	"bytes"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogManager_AppendLogAssignsIncreasingLSNs(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLogManager(&buf)

	lsn1 := lm.AppendLog(NewBeginLogRec(1))
	lsn2 := lm.AppendLog(NewInsertLogRec(1, lsn1, []byte("k"), []byte("v")))

	assert.Less(t, lsn1, lsn2)
	rec, ok := lm.Get(lsn2)
	require.True(t, ok)
	assert.Equal(t, TypeInsert, rec.Type)
}

func TestLogManager_FlushWritesPendingBytes(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLogManager(&buf)

	lm.AppendLog(NewBeginLogRec(1))
	lm.AppendLog(NewCommitLogRec(1, 1))
	require.NoError(t, lm.Flush())

	assert.NotZero(t, buf.Len())
	assert.Equal(t, lm.GetFlushedLSN(), uint64(2))

	// a second flush with nothing pending must be a no-op, not an error.
	require.NoError(t, lm.Flush())
}

func TestLogManager_AllInOrder(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLogManager(&buf)

	lm.AppendLog(NewBeginLogRec(1))
	lm.AppendLog(NewBeginLogRec(2))
	lm.AppendLog(NewCommitLogRec(1, 1))

	recs := lm.AllInOrder()
	require.Len(t, recs, 3)
	for i := 1; i < len(recs); i++ {
		assert.Less(t, recs[i-1].LSN, recs[i].LSN)
	}
}

func TestLogManager_LoadLogRebuildsFromWrittenBytes(t *testing.T) {
	var buf bytes.Buffer
	writer := NewLogManager(&buf)

	l1 := writer.AppendLog(NewBeginLogRec(7))
	l2 := writer.AppendLog(NewInsertLogRec(7, l1, []byte("k1"), []byte("v1")))
	l3 := writer.AppendLog(NewCommitLogRec(7, l2))
	require.NoError(t, writer.Flush())

	reader := NewLogManager(&bytes.Buffer{})
	require.NoError(t, reader.LoadLog(bytes.NewReader(buf.Bytes())))

	for _, lsn := range []uint64{l1, l2, l3} {
		_, ok := reader.Get(lsn)
		assert.True(t, ok, "lsn %d missing after LoadLog", lsn)
	}
	assert.Equal(t, l3, reader.GetFlushedLSN())

	// appending after a load must continue the lsn sequence, not restart it.
	next := reader.AppendLog(NewAbortLogRec(7, l3))
	assert.Greater(t, next, l3)
}

func TestLogManager_SetNextLSN(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLogManager(&buf)
	lm.SetNextLSN(9)

	lsn := lm.AppendLog(NewBeginLogRec(1))
	assert.Equal(t, uint64(10), lsn)
}

func TestLogManager_ReplaceLogDropsRecordsBelowKeepFrom(t *testing.T) {
	path := "log_manager_replace_" + uuid.New().String() + ".log"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close(); os.Remove(path) })

	lm := NewLogManager(f)
	l1 := lm.AppendLog(NewBeginLogRec(1))
	l2 := lm.AppendLog(NewInsertLogRec(1, l1, []byte("k"), []byte("v")))
	l3 := lm.AppendLog(NewCommitLogRec(1, l2))
	require.NoError(t, lm.Flush())

	require.NoError(t, lm.ReplaceLog(f, l3))

	_, ok := lm.Get(l1)
	assert.False(t, ok, "record below keepFrom should be dropped")
	_, ok = lm.Get(l2)
	assert.False(t, ok, "record below keepFrom should be dropped")
	_, ok = lm.Get(l3)
	assert.True(t, ok, "record at keepFrom should survive")

	reloaded := NewLogManager(&bytes.Buffer{})
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	require.NoError(t, reloaded.LoadLog(f))
	_, ok = reloaded.Get(l1)
	assert.False(t, ok)
	_, ok = reloaded.Get(l3)
	assert.True(t, ok)
}

func TestLogManager_FlushRecordsBatchSizeStats(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLogManager(&buf)

	lm.AppendLog(NewBeginLogRec(1))
	lm.AppendLog(NewCommitLogRec(1, 1))
	require.NoError(t, lm.Flush())

	require.NotZero(t, lm.Stats().Count("log_flush_bytes"))
}

func TestLogManager_WaitAppendLogUnblocksOnFlush(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLogManager(&buf)

	lsn := lm.AppendLog(NewCommitLogRec(1, 0))

	waiterDone := make(chan struct{})
	go func() {
		for lm.GetFlushedLSN() < lsn {
			lm.flushEvent.Wait()
		}
		close(waiterDone)
	}()

	require.NoError(t, lm.Flush())
	<-waiterDone
	assert.Equal(t, lsn, lm.GetFlushedLSN())
}
