// Package mover implements spec.md §6's external mover collaborator
// interface: fetch/flush/test/wait/cancel over a manifest of (source,
// dest) file pairs. The local implementation here transfers with plain
// file copies (grounded on the teacher's local backend Put/Copy), and
// durably records in-flight handle state in a bbolt database so a crash
// mid-flush leaves recoverable state (spec.md §5 "async-flush machinery
// does not spawn threads inside the library" is honored by handing the
// whole manifest to one worker goroutine per handle rather than per file).
package mover

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/scr-project/scr/internal/kv"
	"github.com/scr-project/scr/internal/scrlog"
)

// TransferType names a mover backend (spec.md §6: "sync, pthread, bbapi,
// datawarp, ..."). This module implements "sync" and "async" over plain
// file copies; no other transfer type is defined.
type TransferType string

const (
	TypeSync  TransferType = "sync"
	TypeAsync TransferType = "async"
)

// FilePair names one file to move: Source is read, Dest is written,
// creating parent directories as needed.
type FilePair struct {
	Source string
	Dest   string
}

// Manifest is the unit of work handed to the mover (spec.md §6
// "fetch(manifest,...)" / "flush(manifest,...)").
type Manifest struct {
	Files []FilePair
}

// Status is a handle's terminal or in-progress state.
type Status int

const (
	StatusRunning Status = iota
	StatusDone
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Handle identifies one in-flight or completed transfer.
type Handle string

// Mover is spec.md §6's external mover collaborator.
type Mover interface {
	// Fetch transfers manifest synchronously and returns the final status.
	Fetch(ctx context.Context, manifest Manifest, destDir string, transferType TransferType) (Status, error)

	// Flush begins transferring manifest and returns a handle immediately;
	// for TypeSync the transfer has already completed by the time Flush
	// returns.
	Flush(ctx context.Context, manifest Manifest, prefix string, transferType TransferType) (Handle, error)

	// Test reports the current status without blocking.
	Test(h Handle) (Status, error)

	// Wait blocks until h reaches a terminal status.
	Wait(ctx context.Context, h Handle) (Status, error)

	// Cancel requests an in-flight transfer stop; blocks until acknowledged.
	Cancel(ctx context.Context, h Handle) error
}

// handleRecord is the durable state kept per handle in the bbolt database.
type handleRecord struct {
	Status Status
	Err    string
}

var handlesBucket = []byte("handles")

// Local is a Mover whose Fetch/Flush perform plain file copies, and whose
// handle table is durably backed by a bbolt database at dbPath so a
// restarted process can still Test/Wait a handle created before a crash.
type Local struct {
	mu      sync.Mutex
	db      *bolt.DB
	cancels map[Handle]context.CancelFunc
}

// Open creates (or reopens) a Local mover backed by a bbolt database at
// dbPath.
func Open(dbPath string) (*Local, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mover: mkdir %s: %w", filepath.Dir(dbPath), err)
	}
	db, err := bolt.Open(dbPath, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("mover: open %s: %w", dbPath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(handlesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mover: init buckets: %w", err)
	}
	return &Local{db: db, cancels: make(map[Handle]context.CancelFunc)}, nil
}

// Close releases the underlying database.
func (l *Local) Close() error {
	return l.db.Close()
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mover: mkdir %s: %w", filepath.Dir(dest), err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("mover: open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dest + ".mover-tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mover: create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("mover: copy %s -> %s: %w", src, tmp, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("mover: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("mover: rename %s -> %s: %w", tmp, dest, err)
	}
	return nil
}

func transferAll(ctx context.Context, manifest Manifest) error {
	for _, pair := range manifest.Files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := copyFile(pair.Source, pair.Dest); err != nil {
			return err
		}
	}
	return nil
}

// Fetch implements Mover.Fetch. destDir is informational for this
// implementation: FilePair.Dest already names the exact destination path.
func (l *Local) Fetch(ctx context.Context, manifest Manifest, destDir string, transferType TransferType) (Status, error) {
	if err := transferAll(ctx, manifest); err != nil {
		scrlog.Errorf("mover", "fetch into %s: %v", destDir, err)
		return StatusFailed, err
	}
	return StatusDone, nil
}

// Flush implements Mover.Flush. TypeSync transfers before returning;
// TypeAsync launches one worker goroutine and returns a handle
// immediately, matching spec.md §4.6's async-flush contract.
func (l *Local) Flush(ctx context.Context, manifest Manifest, prefix string, transferType TransferType) (Handle, error) {
	h := Handle(fmt.Sprintf("flush-%s-%s", prefix, uuid.NewString()))

	if transferType == TypeSync {
		if err := l.putHandle(h, handleRecord{Status: StatusRunning}); err != nil {
			return "", err
		}
		err := transferAll(ctx, manifest)
		rec := handleRecord{Status: StatusDone}
		if err != nil {
			rec = handleRecord{Status: StatusFailed, Err: err.Error()}
		}
		if perr := l.putHandle(h, rec); perr != nil {
			return h, perr
		}
		return h, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancels[h] = cancel
	l.mu.Unlock()

	if err := l.putHandle(h, handleRecord{Status: StatusRunning}); err != nil {
		cancel()
		return "", err
	}

	go func() {
		err := transferAll(runCtx, manifest)
		rec := handleRecord{Status: StatusDone}
		switch {
		case runCtx.Err() != nil:
			rec = handleRecord{Status: StatusCanceled}
		case err != nil:
			rec = handleRecord{Status: StatusFailed, Err: err.Error()}
		}
		if perr := l.putHandle(h, rec); perr != nil {
			scrlog.Errorf("mover", "record handle %s completion: %v", h, perr)
		}
	}()

	return h, nil
}

func (l *Local) Test(h Handle) (Status, error) {
	rec, ok, err := l.getHandle(h)
	if err != nil {
		return StatusFailed, err
	}
	if !ok {
		return StatusFailed, fmt.Errorf("mover: unknown handle %s", h)
	}
	return rec.Status, nil
}

func (l *Local) Wait(ctx context.Context, h Handle) (Status, error) {
	for {
		st, err := l.Test(h)
		if err != nil {
			return st, err
		}
		if st != StatusRunning {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return StatusRunning, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (l *Local) Cancel(ctx context.Context, h Handle) error {
	l.mu.Lock()
	cancel, ok := l.cancels[h]
	l.mu.Unlock()
	if ok {
		cancel()
	}
	_, err := l.Wait(ctx, h)
	return err
}

func (l *Local) putHandle(h Handle, rec handleRecord) error {
	v := kv.NewMap()
	v.Set("status", kv.Int(int64(rec.Status)))
	v.Set("err", kv.String(rec.Err))
	data, err := kv.Marshal(v)
	if err != nil {
		return fmt.Errorf("mover: marshal handle %s: %w", h, err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(handlesBucket).Put([]byte(h), data)
	})
}

func (l *Local) getHandle(h Handle) (handleRecord, bool, error) {
	var data []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(handlesBucket).Get([]byte(h))
		if b != nil {
			data = append([]byte(nil), b...)
		}
		return nil
	})
	if err != nil {
		return handleRecord{}, false, fmt.Errorf("mover: read handle %s: %w", h, err)
	}
	if data == nil {
		return handleRecord{}, false, nil
	}
	v, err := kv.Unmarshal(data)
	if err != nil {
		return handleRecord{}, false, fmt.Errorf("mover: decode handle %s: %w", h, err)
	}
	rec := handleRecord{}
	if st, ok := v.GetInt("status"); ok {
		rec.Status = Status(st)
	}
	rec.Err, _ = v.GetString("err")
	return rec, true, nil
}
