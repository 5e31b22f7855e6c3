package logtail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

const blockSize = 8 * 1024

// Tail returns the last n lines of the file at path, oldest first.
// Failures are reported in-band as a single line so the result can be shown
// to a user as is: a missing file yields "log file not found: <path>" and any
// other error "failed to read log: <err>". n <= 0 yields no lines.
func Tail(path string, n int) []string {
	if n <= 0 {
		return []string{}
	}
	lines, err := ReadLast(path, n)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{fmt.Sprintf("log file not found: %s", path)}
		}
		return []string{fmt.Sprintf("failed to read log: %v", err)}
	}
	return lines
}

// ReadLast reads the file backwards from EOF in fixed-size blocks until it
// holds n complete lines, so only the tail of large files is loaded.
func ReadLast(path string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	var buf []byte
	pos := fi.Size()
	for pos > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		size := int64(blockSize)
		if pos < size {
			size = pos
		}
		pos -= size
		chunk := make([]byte, size, int(size)+len(buf))
		if _, err := f.ReadAt(chunk, pos); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		buf = append(chunk, buf...)
	}
	return splitLines(buf, n), nil
}

func splitLines(buf []byte, n int) []string {
	if len(buf) == 0 {
		return []string{}
	}
	lines := strings.Split(strings.TrimSuffix(string(buf), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
