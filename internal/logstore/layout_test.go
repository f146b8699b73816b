package logstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileNamePadsFileNumber(t *testing.T) {
	assert.Equal(t, "orders-000000000000.log", FileName("orders", 0))
	assert.Equal(t, "orders-000000000042.log", FileName("orders", 42))
}

func TestParseFileNumber(t *testing.T) {
	ch, n, ok := parseFileNumber("orders-000000000007.log")
	require.True(t, ok)
	assert.Equal(t, "orders", ch)
	assert.Equal(t, int64(7), n)

	_, _, ok = parseFileNumber("not-a-log-file.txt")
	assert.False(t, ok)

	_, _, ok = parseFileNumber("nohyphen.log")
	assert.False(t, ok)
}

func TestCreateHeadFileZeroFillsAndPreservesHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chan-000000000000.log")

	f, err := createHeadFile(path, 4096, 5, nil)
	require.NoError(t, err)
	defer f.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size())

	r0, err := readHeader(f)
	require.NoError(t, err)
	assert.Equal(t, int64(5), r0)

	pos, err := f.Seek(0, os.SEEK_CUR)
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize), pos)

	body := make([]byte, 16)
	_, err = f.ReadAt(body, HeaderSize)
	require.NoError(t, err)
	for _, b := range body {
		assert.Equal(t, byte(0), b)
	}
}
