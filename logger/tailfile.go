package logger

import (
	"bytes"
	"fmt"
	"os"
	"sync"
)

// TailFile is a zapcore.WriteSyncer appending to a file that is trimmed to
// its newest lines. Trimming happens once the file holds twice the limit,
// so the file rewrite is amortized over many entries.
type TailFile struct {
	mu    sync.Mutex
	path  string
	limit int
	file  *os.File
	lines int
}

// OpenTailFile opens path for appending, keeping at most limit lines
func OpenTailFile(path string, limit int) (*TailFile, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid log file line limit: %d", limit)
	}

	t := &TailFile{path: path, limit: limit}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	t.lines = bytes.Count(data, []byte{'\n'})

	if err := t.open(); err != nil {
		return nil, err
	}
	if t.lines > limit {
		if err := t.trim(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *TailFile) open() error {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	t.file = f
	return nil
}

// Write appends p, which zap guarantees to be whole entries
func (t *TailFile) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.file.Write(p)
	if err != nil {
		return n, err
	}
	t.lines += bytes.Count(p[:n], []byte{'\n'})
	if t.lines >= 2*t.limit {
		if err := t.trim(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Sync flushes the file
func (t *TailFile) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Sync()
}

// Close closes the file
func (t *TailFile) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Close()
}

// trim rewrites the file with its newest limit lines. The current file
// stays open for appending until the trimmed copy has replaced it, so a
// failed trim loses no entries. Caller holds mu.
func (t *TailFile) trim() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("failed to read log file: %w", err)
	}
	data = lastLines(data, t.limit)

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write log file: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace log file: %w", err)
	}

	old := t.file
	if err := t.open(); err != nil {
		return err
	}
	_ = old.Close()
	t.lines = bytes.Count(data, []byte{'\n'})
	return nil
}

// lastLines returns the suffix of data holding its last n complete lines
func lastLines(data []byte, n int) []byte {
	end := len(data)
	if end > 0 && data[end-1] == '\n' {
		end--
	}
	for i := end - 1; i >= 0; i-- {
		if data[i] != '\n' {
			continue
		}
		n--
		if n == 0 {
			return data[i+1:]
		}
	}
	return data
}
