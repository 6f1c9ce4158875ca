package kv

import (
	"fmt"
	"os"
	"time"

	"github.com/scr-project/scr/internal/scrlog"
)

// maxIOAttempts bounds the retry-on-local-I/O-error pattern called for in
// design notes §9: callers see either success or a single fail-with-cause
// result, never an unbounded retry loop.
const maxIOAttempts = 3

const ioRetryDelay = 50 * time.Millisecond

// WriteFile marshals v and atomically replaces path, retrying local I/O
// failures a bounded number of times. Writing to a temp file in the same
// directory then renaming avoids readers ever observing a partial file.
func WriteFile(path string, v *Value) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: marshal %s: %w", path, err)
	}

	tmp := path + ".tmp"
	var lastErr error
	for attempt := 1; attempt <= maxIOAttempts; attempt++ {
		lastErr = writeOnce(tmp, path, data)
		if lastErr == nil {
			return nil
		}
		scrlog.Debugf("kv", "write %s attempt %d/%d failed: %v", path, attempt, maxIOAttempts, lastErr)
		time.Sleep(ioRetryDelay)
	}
	return fmt.Errorf("kv: write %s: %w", path, lastErr)
}

func writeOnce(tmp, path string, data []byte) error {
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadFile loads and decodes a key/value tree from path, retrying local I/O
// failures a bounded number of times. A missing file is reported distinctly
// via os.IsNotExist so callers can treat "never written" as an empty tree.
func ReadFile(path string) (*Value, error) {
	var data []byte
	var lastErr error
	for attempt := 1; attempt <= maxIOAttempts; attempt++ {
		data, lastErr = os.ReadFile(path)
		if lastErr == nil {
			break
		}
		if os.IsNotExist(lastErr) {
			return nil, lastErr
		}
		scrlog.Debugf("kv", "read %s attempt %d/%d failed: %v", path, attempt, maxIOAttempts, lastErr)
		time.Sleep(ioRetryDelay)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("kv: read %s: %w", path, lastErr)
	}
	return Unmarshal(data)
}
