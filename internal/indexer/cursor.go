package indexer

import (
	"bufio"
	"io"
	"os"
	"time"
)

// RawLine is one complete, newline-terminated transcript line read past a
// cursor's byte offset.
type RawLine struct {
	LineNum int
	Bytes   []byte
}

// tailResult is what a single sync pass over one file produces.
type tailResult struct {
	Lines     []RawLine
	NewOffset int64
	Mtime     time.Time
	Unchanged bool
}

// tailFile reads every complete line appended to path since
// (fromOffset, fromLine), exactly mirroring the teacher's
// ParseSessionJSONL: only newline-terminated lines advance the offset, so
// a writer mid-append never loses a byte to a premature read.
func tailFile(path string, fromOffset int64, fromLine int, cachedMtime time.Time) (tailResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return tailResult{}, err
	}
	if !cachedMtime.IsZero() && info.ModTime().Equal(cachedMtime) {
		return tailResult{Unchanged: true, NewOffset: fromOffset, Mtime: cachedMtime}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return tailResult{}, err
	}
	defer f.Close()

	if fromOffset > 0 {
		if _, err := f.Seek(fromOffset, io.SeekStart); err != nil {
			return tailResult{}, err
		}
	}

	reader := bufio.NewReader(f)
	offset := fromOffset
	line := fromLine
	var lines []RawLine

	for {
		raw, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return tailResult{}, err
		}
		if len(raw) == 0 {
			break
		}
		if raw[len(raw)-1] != '\n' {
			// Incomplete trailing line: leave it for the next pass.
			break
		}

		offset += int64(len(raw))
		content := raw[:len(raw)-1]
		if len(trimSpace(content)) > 0 {
			line++
			lines = append(lines, RawLine{LineNum: line, Bytes: content})
		}

		if err == io.EOF {
			break
		}
	}

	return tailResult{Lines: lines, NewOffset: offset, Mtime: info.ModTime()}, nil
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
