package prefixindex

import (
	"os"
	"time"

	"github.com/scr-project/scr/internal/kv"
	"github.com/scr-project/scr/internal/lockfile"
)

// HaltState is the decoded form of `<prefix>/.scr/halt.scr` (spec.md
// §4.11/§6): a user-editable request to stop the job, plus the remaining
// checkpoint counter SCR itself decrements.
type HaltState struct {
	ExitReason        string
	ExitBefore        int64 // unix seconds: exit if now >= this
	ExitAfterSeconds  int64 // stored and round-tripped only; ShouldExit does not consult it
	CheckpointsLeft   int   // decremented on each halt-state refresh; meaningful only when HaveCheckpointCnt is set, and 0 then means exhausted
	HaveCheckpointCnt bool
}

func haltStateToValue(h *HaltState) *kv.Value {
	v := kv.NewMap()
	v.Set("exit_reason", kv.String(h.ExitReason))
	v.Set("exit_before", kv.Int(h.ExitBefore))
	v.Set("exit_after_seconds", kv.Int(h.ExitAfterSeconds))
	if h.HaveCheckpointCnt {
		v.Set("checkpoints_left", kv.Int(int64(h.CheckpointsLeft)))
	}
	return v
}

func haltStateFromValue(v *kv.Value) *HaltState {
	h := &HaltState{}
	h.ExitReason, _ = v.GetString("exit_reason")
	if eb, ok := v.GetInt("exit_before"); ok {
		h.ExitBefore = eb
	}
	if ea, ok := v.GetInt("exit_after_seconds"); ok {
		h.ExitAfterSeconds = ea
	}
	if cl, ok := v.GetInt("checkpoints_left"); ok {
		h.CheckpointsLeft = int(cl)
		h.HaveCheckpointCnt = true
	}
	return h
}

// ToValue serializes h to its canonical key/value tree, letting callers
// (e.g. the broadcast of refreshed halt state to every rank) marshal a
// HaltState without reaching into this package's unexported encoding.
func (h *HaltState) ToValue() *kv.Value { return haltStateToValue(h) }

// HaltStateFromValue reconstructs a HaltState from its canonical key/value
// tree.
func HaltStateFromValue(v *kv.Value) *HaltState { return haltStateFromValue(v) }

// ReadHaltLocked loads the halt file under the advisory lock of spec.md
// §5 ("Halt file: read by rank 0 under an advisory lock"). A missing file
// yields a zero-value HaltState (no halt requested).
func ReadHaltLocked(path string) (*HaltState, error) {
	var h *HaltState
	err := lockfile.WithLock(path+".lock", func() error {
		v, err := kv.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				h = &HaltState{}
				return nil
			}
			return err
		}
		h = haltStateFromValue(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// WriteHaltLocked persists h to path under the advisory lock.
func (h *HaltState) WriteHaltLocked(path string) error {
	return lockfile.WithLock(path+".lock", func() error {
		return kv.WriteFile(path, haltStateToValue(h))
	})
}

// ShouldExit reports whether h's conditions currently require the job to
// exit (spec.md §4.11 "should_exit"): an explicit reason was set, the
// checkpoint counter has been exhausted, or the ExitBefore wall-clock
// deadline passed. ExitAfterSeconds plays no part.
func (h *HaltState) ShouldExit(now time.Time) bool {
	if h.ExitReason != "" {
		return true
	}
	if h.HaveCheckpointCnt && h.CheckpointsLeft <= 0 {
		return true
	}
	if h.ExitBefore != 0 && now.Unix() >= h.ExitBefore {
		return true
	}
	return false
}

// DecrementCheckpoint decrements the remaining-checkpoints counter, called
// at well-defined points per spec.md §4.11 (after complete_output, at
// start of need_checkpoint, at should_exit). A counter that was never set
// is left untouched.
func (h *HaltState) DecrementCheckpoint() {
	if h.HaveCheckpointCnt && h.CheckpointsLeft > 0 {
		h.CheckpointsLeft--
	}
}
