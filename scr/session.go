// Package scr implements the dataset lifecycle state machine of spec.md
// §4.1 and the collective public API of §6, wiring together every
// subsystem under internal/ (descriptors, cache index, filemap, redundancy
// engine, flush, fetch, rebuild, prefix index) behind the strict
// init/start_output/route_file/complete_output/... call sequence every
// rank must make in lockstep.
//
// Session mirrors rclone's fs.Fs in spirit: one long-lived object built
// once at startup (here by Init, there by fs.NewFs) that every subsequent
// call is a method on, rather than a pile of free functions closing over
// package-level globals.
package scr

import (
	"fmt"
	"sync"

	"github.com/scr-project/scr/internal/cacheindex"
	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/config"
	"github.com/scr-project/scr/internal/descriptor"
	"github.com/scr-project/scr/internal/filemap"
	"github.com/scr-project/scr/internal/flush"
	"github.com/scr-project/scr/internal/mover"
	"github.com/scr-project/scr/internal/prefixindex"
	"github.com/scr-project/scr/internal/scrlog"
)

// Version is returned by GetVersion (spec.md §6).
const Version = "scr-go 1.0"

// State is one of the five dataset-lifecycle states of spec.md §4.1.
type State int

const (
	StateUninit State = iota
	StateIdle
	StateCheckpoint
	StateOutput
	StateRestart
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "Uninit"
	case StateIdle:
		return "Idle"
	case StateCheckpoint:
		return "Checkpoint"
	case StateOutput:
		return "Output"
	case StateRestart:
		return "Restart"
	default:
		return "Unknown"
	}
}

// outputDataset is the in-flight state for a dataset between
// start_output/start_checkpoint and complete_output/complete_checkpoint.
type outputDataset struct {
	datasetID int
	fm        *filemapHandle
}

// restartDataset is the in-flight state for a dataset between
// start_restart and complete_restart.
type restartDataset struct {
	name      string
	datasetID int
	fm        *filemapHandle
}

// Session is the single initialized-once runtime context every public SCR
// operation is a method on (design notes §9: "global mutable runtime state
// ... modeled as a single initialized-once context object owned by init and
// dropped by finalize").
//
// Not re-entrant: spec.md §5 permits only one SCR call active per process
// at a time, so Session takes no internal lock around its own state beyond
// what's needed to keep the race detector quiet in tests that assert
// post-conditions from a second goroutine.
type Session struct {
	mu sync.Mutex

	world comm.Comm
	cfg   *config.Config

	// NodeAttr identifies this rank's node for the default NODE group
	// (spec.md §4.4). Must be set identically by ranks sharing a node
	// before Init; defaults to a single shared value (one-node job) if
	// left empty.
	NodeAttr string

	// CntlDir, CacheDir, PrefixDir are this rank's control, cache, and
	// prefix directories (spec.md §3 "Persisted layout").
	CntlDir   string
	CacheDir  string
	PrefixDir string
	JobID     string
	User      string

	mv mover.Mover

	state State

	nodeGroup  *descriptor.Group
	redDescs   []*descriptor.Redundancy // every configured descriptor, spec.md §4.4
	redDesc    *descriptor.Redundancy   // the one Select last picked for the active/last dataset
	cacheStore *descriptor.Store
	prefixStr  *descriptor.Store

	ci         *cacheindex.Index
	prefixIdx  *prefixindex.Index
	haltState  *prefixindex.HaltState

	nextDatasetID    int
	nextCheckpointID int
	currentCkptID    int // checkpoint id of the dataset currently loaded from restart/rebuild, 0 if none

	output  *outputDataset
	restart *restartDataset

	asyncFlusher *flush.AsyncFlusher
	pendingAsync *filemap.DatasetDescriptor

	checkpointsSinceFlush int
}

// New returns an uninitialized Session bound to world. Config may be called
// before Init; every other operation requires Init to have succeeded.
func New(world comm.Comm) *Session {
	return &Session{
		world: world,
		cfg:   config.New(),
		state: StateUninit,
	}
}

// requireState panics (a fatal state-machine violation, spec.md §4.1 "Any
// other call in a state is a fatal error with a state-specific
// diagnostic") unless the session is currently in one of want.
func (s *Session) requireState(op string, want ...State) {
	for _, w := range want {
		if s.state == w {
			return
		}
	}
	scrlog.Fatalf("lifecycle", "%s: invalid in state %s (expected %v)", op, s.state, want)
}

// Config parses one `KEY=value` / `KEY=val SUBKEY=val ...` tuple (spec.md
// §6 "config(string)"). Permitted only before Init (spec.md §4.1 "Config is
// permitted only in Uninit").
func (s *Session) Config(setting string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireState("config", StateUninit)
	return s.cfg.Set(setting)
}

// ConfigFmt is Config with fmt.Sprintf-style formatting (spec.md §6
// "config_fmt(fmt,...)").
func (s *Session) ConfigFmt(format string, args ...interface{}) error {
	return s.Config(fmt.Sprintf(format, args...))
}

// ConfigGet queries a config key's current value (a bare-KEY query per
// spec.md §6, available in any state since it has no side effect).
func (s *Session) ConfigGet(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Get(key)
}

// GetVersion returns a static version string (spec.md §6 "get_version()").
func (s *Session) GetVersion() string { return Version }

// State returns the session's current lifecycle state, mainly for tests
// and diagnostics.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
