package logtail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FollowPollInterval bounds how long an append can go unnoticed when the
// platform drops filesystem events.
var FollowPollInterval = time.Second

// Follow calls fn for every complete line appended to path after Follow
// starts, until ctx is done or fn returns an error. A missing file, or a
// missing parent directory, is waited for. Truncation or replacement of the
// file restarts reading at offset 0.
func Follow(ctx context.Context, path string, fn func(line string) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	dir := filepath.Dir(path)
	watching, err := watchDir(w, dir)
	if err != nil {
		return err
	}

	fl := &follower{path: path, fn: fn}
	if fi, err := os.Stat(path); err == nil {
		fl.offset = fi.Size()
	}

	ticker := time.NewTicker(FollowPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				fl.reset()
			}
			if err := fl.drain(); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", path, err)
		case <-ticker.C:
			if !watching {
				if watching, err = watchDir(w, dir); err != nil {
					return err
				}
			}
			if err := fl.drain(); err != nil {
				return err
			}
		}
	}
}

// watchDir adds dir to w. A directory that does not exist yet is not an
// error; the poll ticker covers it until it appears.
func watchDir(w *fsnotify.Watcher, dir string) (bool, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := w.Add(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	return true, nil
}

type follower struct {
	path    string
	fn      func(string) error
	offset  int64
	partial string
}

func (f *follower) reset() {
	f.offset = 0
	f.partial = ""
}

// drain delivers every complete line between the saved offset and EOF.
func (f *follower) drain() error {
	fi, err := os.Stat(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.reset()
			return nil
		}
		return err
	}
	if fi.Size() < f.offset {
		f.reset()
	}
	if fi.Size() == f.offset {
		return nil
	}

	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(file)
	for {
		chunk, err := r.ReadString('\n')
		f.offset += int64(len(chunk))
		if strings.HasSuffix(chunk, "\n") {
			line := strings.TrimRight(f.partial+chunk, "\r\n")
			f.partial = ""
			if ferr := f.fn(line); ferr != nil {
				return ferr
			}
		} else {
			f.partial += chunk
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
