package logstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/AlexBischof/mewbase/internal/protoerr"
)

// FileCoord locates one record on disk: which file it's in, its record
// number, and the byte offset of the start of its framing bytes within
// that file. A zero ByteOffset is the sentinel for "invalid" (§3).
type FileCoord struct {
	FileNumber   int64
	RecordNumber int64
	ByteOffset   int64
}

// Valid reports whether c is not the invalid sentinel.
func (c FileCoord) Valid() bool {
	return c.ByteOffset != 0
}

// CheckAndGetLastFile implements check_and_get_last_file from §4.3: scan
// logsDir for files belonging to channel, verify the numbering is
// contiguous from 0 and every non-head file has exactly maxChunkSize
// bytes, and return the head file number (0 if the channel has no files
// yet).
func CheckAndGetLastFile(logsDir, channel string, maxChunkSize int64) (int64, error) {
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("logstore: read logs dir: %w", err)
	}

	var numbers []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ch, n, ok := parseFileNumber(e.Name())
		if !ok {
			continue // skipped without a warning: neither this function nor Open logs unmatched names
		}
		if ch != channel {
			continue
		}
		numbers = append(numbers, n)
	}

	if len(numbers) == 0 {
		return 0, nil
	}

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	for i, n := range numbers {
		if n != int64(i) {
			return 0, protoerr.Newf(
				"logstore: channel %q file numbers not contiguous from 0: got %v",
				channel, numbers,
			).Fatal()
		}
	}

	head := numbers[len(numbers)-1]

	for _, n := range numbers {
		if n == head {
			continue
		}
		info, err := os.Stat(FilePath(logsDir, channel, n))
		if err != nil {
			return 0, fmt.Errorf("logstore: stat %s: %w", FileName(channel, n), err)
		}
		if info.Size() != maxChunkSize {
			return 0, protoerr.Newf(
				"logstore: channel %q file %d has size %d, want %d",
				channel, n, info.Size(), maxChunkSize,
			).Fatal()
		}
	}

	if head < 0 {
		head = 0
	}
	return head, nil
}

// CoordOfLastRecord implements coord_of_last_record from §4.3: find the
// coordinate of the last record actually present in the given file,
// discovering the tail by walking records from the header.
func CoordOfLastRecord(logsDir, channel string, fileNumber int64) (FileCoord, error) {
	path := FilePath(logsDir, channel, fileNumber)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileCoord{}, nil
		}
		return FileCoord{}, fmt.Errorf("logstore: open %s: %w", path, err)
	}
	defer f.Close()

	r0, err := readHeader(f)
	if err != nil {
		return FileCoord{}, err
	}

	info, err := f.Stat()
	if err != nil {
		return FileCoord{}, fmt.Errorf("logstore: stat %s: %w", path, err)
	}
	size := info.Size()

	coord := FileCoord{FileNumber: fileNumber, RecordNumber: r0 - 1, ByteOffset: HeaderSize}
	pos := int64(HeaderSize)

	for {
		before := pos
		next, err := skipOneRecord(f, pos, size)
		if err != nil {
			return FileCoord{}, err
		}
		if next == 0 {
			break
		}
		coord = FileCoord{FileNumber: fileNumber, RecordNumber: coord.RecordNumber + 1, ByteOffset: before}
		pos = next
	}

	return coord, nil
}

// CoordOfRecord implements coord_of_record from §4.3: resolve a record
// number to a coordinate, walking files from 0 upward, with
// clamp-to-end semantics for a record number past the tail.
func CoordOfRecord(logsDir, channel string, recordNumber int64) (FileCoord, error) {
	if recordNumber <= 0 {
		return FileCoord{FileNumber: 0, RecordNumber: 0, ByteOffset: HeaderSize}, nil
	}

	var last FileCoord
	fileNum := int64(0)
	for {
		coord, err := findInFile(logsDir, channel, fileNum, recordNumber)
		if err != nil {
			return FileCoord{}, err
		}
		if !coord.Valid() {
			// File absent: the target is past the tail, clamp to the
			// last valid coordinate found so far.
			if last.ByteOffset == 0 && fileNum == 0 {
				return FileCoord{FileNumber: 0, RecordNumber: 0, ByteOffset: HeaderSize}, nil
			}
			return last, nil
		}
		last = coord
		if coord.RecordNumber == recordNumber {
			return coord, nil
		}
		fileNum++
	}
}

// findInFile implements find_in_file from §4.3.
func findInFile(logsDir, channel string, fileNumber, target int64) (FileCoord, error) {
	path := FilePath(logsDir, channel, fileNumber)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileCoord{}, nil
		}
		return FileCoord{}, fmt.Errorf("logstore: open %s: %w", path, err)
	}
	defer f.Close()

	r0, err := readHeader(f)
	if err != nil {
		return FileCoord{}, err
	}

	info, err := f.Stat()
	if err != nil {
		return FileCoord{}, fmt.Errorf("logstore: stat %s: %w", path, err)
	}
	size := info.Size()

	coord := FileCoord{FileNumber: fileNumber, RecordNumber: r0 - 1, ByteOffset: HeaderSize}
	pos := int64(HeaderSize)

	for {
		if coord.RecordNumber == target {
			return coord, nil
		}

		before := pos
		next, err := skipOneRecord(f, pos, size)
		if err != nil {
			return FileCoord{}, err
		}
		if next == 0 {
			return coord, nil
		}
		coord = FileCoord{FileNumber: fileNumber, RecordNumber: coord.RecordNumber + 1, ByteOffset: before}
		pos = next
	}
}

// skipOneRecord implements skip_one_record from §4.3: attempt to skip past
// one record frame starting at pos, returning the position immediately
// after it, or 0 if there is no complete record there.
func skipOneRecord(f *os.File, pos, size int64) (int64, error) {
	if size-pos < FrameSize {
		return 0, nil
	}

	hdr := make([]byte, FrameSize)
	if _, err := f.ReadAt(hdr, pos); err != nil && err != io.EOF {
		return 0, fmt.Errorf("logstore: read record header at %d: %w", pos, err)
	}

	length := binary.LittleEndian.Uint32(hdr[checksumSize:])
	if length == 0 {
		return 0, nil
	}

	next := pos + FrameSize + int64(length)
	if next > size {
		return 0, nil
	}
	return next, nil
}
