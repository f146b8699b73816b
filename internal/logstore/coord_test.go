package logstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexBischof/mewbase/internal/frame"
	"github.com/AlexBischof/mewbase/internal/observability"
)

func writeRecords(t *testing.T, dir, channel string, maxChunkSize int64, n int) *Channel {
	t.Helper()
	logger := observability.NewNoOpLogger()
	c, err := Open(dir, channel, maxChunkSize, logger, nil)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		f := frame.New("EVENT").Set("i", frame.Int64(int64(i)))
		_, err := c.Append(f).Wait()
		require.NoError(t, err)
	}
	return c
}

func TestCheckAndGetLastFileEmptyChannel(t *testing.T) {
	dir := t.TempDir()
	n, err := CheckAndGetLastFile(dir, "orders", 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCheckAndGetLastFileRejectsGaps(t *testing.T) {
	dir := t.TempDir()
	_, err := createHeadFile(FilePath(dir, "orders", 0), 64, 0, nil)
	require.NoError(t, err)
	_, err = createHeadFile(FilePath(dir, "orders", 2), 64, 10, nil)
	require.NoError(t, err)

	_, err = CheckAndGetLastFile(dir, "orders", 64)
	assert.Error(t, err)
}

func TestCoordOfRecordClampsPastTail(t *testing.T) {
	dir := t.TempDir()
	c := writeRecords(t, dir, "orders", 1<<20, 3)
	defer c.Close()

	coord, err := CoordOfRecord(dir, "orders", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), coord.RecordNumber)
}

func TestCoordOfRecordResolvesEachRecord(t *testing.T) {
	dir := t.TempDir()
	c := writeRecords(t, dir, "orders", 1<<20, 5)
	defer c.Close()

	for i := int64(0); i < 5; i++ {
		coord, err := CoordOfRecord(dir, "orders", i)
		require.NoError(t, err)
		assert.Equal(t, i, coord.RecordNumber)

		got, err := c.ReadAt(coord)
		require.NoError(t, err)
		v, ok := got.Get("i")
		require.True(t, ok)
		n, ok := v.AsInt64()
		require.True(t, ok)
		assert.Equal(t, i, n)
	}
}

func TestCoordOfLastRecordOnEmptyChannelPrecedesFirstRecord(t *testing.T) {
	dir := t.TempDir()
	_, err := createHeadFile(FilePath(dir, "orders", 0), 4096, 0, nil)
	require.NoError(t, err)

	coord, err := CoordOfLastRecord(dir, "orders", 0)
	require.NoError(t, err)
	assert.Equal(t, FileCoord{FileNumber: 0, RecordNumber: -1, ByteOffset: HeaderSize}, coord)
}

// TestRecoveryAfterReopenFindsTail mirrors scenario S3 in §8: a channel is
// closed and reopened, and appends resume after the last durable record
// rather than overwriting it.
func TestRecoveryAfterReopenFindsTail(t *testing.T) {
	dir := t.TempDir()
	logger := observability.NewNoOpLogger()

	c, err := Open(dir, "orders", 1<<20, logger, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := c.Append(frame.New("EVENT").Set("i", frame.Int64(int64(i)))).Wait()
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())

	reopened, err := Open(dir, "orders", 1<<20, logger, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, int64(3), reopened.HeadRecord())

	record, err := reopened.Append(frame.New("EVENT").Set("i", frame.Int64(3))).Wait()
	require.NoError(t, err)
	assert.Equal(t, int64(3), record)
}
