// Package logstore implements the on-disk channel log layout and the
// coordinate resolver of §4.2-4.4: a channel is a numbered sequence of
// fixed-size files of framed records, and record-number -> (file, offset)
// resolution is a pair of pure functions over that layout.
//
// Record framing (checksum + length + payload) follows the same shape as
// the teacher's leveldb-derived transaction log (CRC-then-length-prefixed
// chunks), simplified to one record per frame instead of leveldb's
// block-spanning multi-chunk records, since §4.2 specifies whole,
// non-split records.
package logstore

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"golang.org/x/time/rate"
)

const (
	// HeaderSize is the size, in bytes, of the header at the start of
	// every log file. It currently holds only the first record number.
	HeaderSize = 16

	// checksumSize and lengthSize make up FRAME_SIZE from §4.2.
	checksumSize = 4
	lengthSize   = 4
	// FrameSize is the per-record framing overhead before the payload.
	FrameSize = checksumSize + lengthSize

	// zeroFillChunk is the largest chunk written at a time when
	// preallocating a new head file (§4.2).
	zeroFillChunk = 10 * 1024 * 1024

	filenameDigits = 12
)

var filenameRE = regexp.MustCompile(`^(.+)-(\d+)\.log$`)

// FileName returns the log filename for the given channel and file number,
// per §3: "<channel>-<NNNNNNNNNNNN>.log".
func FileName(channel string, fileNumber int64) string {
	return fmt.Sprintf("%s-%0*d.log", channel, filenameDigits, fileNumber)
}

// FilePath joins logsDir and the computed filename.
func FilePath(logsDir, channel string, fileNumber int64) string {
	return filepath.Join(logsDir, FileName(channel, fileNumber))
}

// parseFileNumber extracts the channel name and numeric suffix from a log
// filename, or ok=false if name doesn't match the "<channel>-<digits>.log"
// scheme (§4.3: "reject any file whose base name does not contain '-'").
func parseFileNumber(name string) (channel string, fileNumber int64, ok bool) {
	m := filenameRE.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return m[1], n, true
}

// crcChecksum computes the checksum stored in a record's 4-byte CRC field.
func crcChecksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// createHeadFile creates a brand-new head file, pre-allocated to size
// bytes and zero-filled, per §4.2: "writing zeros in chunks of at most
// 10 MiB ... then fsynced".
//
// limiter paces the zero-fill writes (one Wait per chunk) so a large
// maxChunkSize doesn't let one connection's file-roll monopolize disk
// bandwidth while other connections' goroutines are trying to append or
// read. A nil limiter disables pacing entirely.
func createHeadFile(path string, size int64, firstRecordNumber int64, limiter *rate.Limiter) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logstore: create head file %s: %w", path, err)
	}

	if _, err := f.Seek(HeaderSize, os.SEEK_SET); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("logstore: seek past header %s: %w", path, err)
	}

	zero := make([]byte, zeroFillChunk)
	remaining := size - HeaderSize
	for remaining > 0 {
		n := int64(len(zero))
		if remaining < n {
			n = remaining
		}
		if limiter != nil {
			if err := limiter.WaitN(context.Background(), int(n)); err != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("logstore: rate-limited zero-fill %s: %w", path, err)
			}
		}
		if _, err := f.Write(zero[:n]); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("logstore: zero-fill %s: %w", path, err)
		}
		remaining -= n
	}

	if err := writeHeader(f, firstRecordNumber); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("logstore: fsync %s: %w", path, err)
	}

	if _, err := f.Seek(HeaderSize, os.SEEK_SET); err != nil {
		f.Close()
		return nil, err
	}

	return f, nil
}

func writeHeader(f *os.File, firstRecordNumber int64) error {
	buf := make([]byte, HeaderSize)
	putInt64(buf, firstRecordNumber)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("logstore: write header: %w", err)
	}
	return nil
}

func readHeader(f *os.File) (firstRecordNumber int64, err error) {
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, fmt.Errorf("logstore: read header: %w", err)
	}
	return getInt64(buf), nil
}

func putInt64(buf []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		buf[i] = byte(u >> (8 * (7 - i)))
	}
}

func getInt64(buf []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(buf[i])
	}
	return int64(u)
}
