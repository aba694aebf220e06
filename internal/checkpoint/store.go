// Package checkpoint persists and restores {step, artifacts} records.
//
// Each record is one file named ckpt-<step>.pb inside a destination
// directory. The step is the only recency key: restore always picks the
// highest step regardless of file timestamps or save order, because the same
// counter drives training progress.
package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/pointpillars/internal/fsutil"
	"github.com/banshee-data/pointpillars/internal/monitoring"
)

const (
	// DefaultMaxToKeep bounds the primary model directory.
	DefaultMaxToKeep = 8
	// EvalMaxToKeep bounds the eval_checkpoints directory, which must keep
	// every checkpoint an evaluation pass ran against.
	EvalMaxToKeep = 100

	filePrefix = "ckpt-"
	fileSuffix = ".pb"
)

var (
	// ErrNoValidCheckpoint is returned when a directory holds checkpoint
	// files but none of them decode. An empty directory is not an error.
	ErrNoValidCheckpoint = errors.New("no valid checkpoint record")
	// ErrArtifactMissing is returned when a record lacks a requested artifact.
	ErrArtifactMissing = errors.New("artifact missing from checkpoint")
)

// Artifact is a piece of state that can be saved into a checkpoint, such as
// network weights or optimizer moments.
type Artifact interface {
	Name() string
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}

// Entry describes a record file found in a directory.
type Entry struct {
	Step int64
	Path string
}

// Store reads and writes checkpoint records on a FileSystem.
type Store struct {
	fs fsutil.FileSystem
}

// NewStore creates a Store. A nil filesystem means the OS filesystem.
func NewStore(fsys fsutil.FileSystem) *Store {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &Store{fs: fsys}
}

// FileName returns the record file name for step.
func FileName(step int64) string {
	return filePrefix + strconv.FormatInt(step, 10) + fileSuffix
}

// Save writes the artifacts as the record for step and then deletes the
// oldest records until at most maxToKeep remain. maxToKeep <= 0 selects
// DefaultMaxToKeep. It returns the path of the written record.
func (s *Store) Save(dir string, step int64, maxToKeep int, artifacts ...Artifact) (string, error) {
	if maxToKeep <= 0 {
		maxToKeep = DefaultMaxToKeep
	}
	rec := &Record{Step: step}
	for _, a := range artifacts {
		blob, err := a.MarshalState()
		if err != nil {
			return "", fmt.Errorf("marshal %s: %w", a.Name(), err)
		}
		rec.Artifacts = append(rec.Artifacts, NamedBlob{Name: a.Name(), Blob: blob})
	}

	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	path := filepath.Join(dir, FileName(step))
	if err := fsutil.WriteFileAtomic(s.fs, path, encodeRecord(rec), 0644); err != nil {
		return "", fmt.Errorf("write checkpoint %d: %w", step, err)
	}

	if err := s.prune(dir, maxToKeep); err != nil {
		return path, err
	}
	return path, nil
}

func (s *Store) prune(dir string, maxToKeep int) error {
	entries, err := s.List(dir)
	if err != nil {
		return err
	}
	for len(entries) > maxToKeep {
		if err := s.fs.Remove(entries[0].Path); err != nil {
			return fmt.Errorf("remove old checkpoint %d: %w", entries[0].Step, err)
		}
		entries = entries[1:]
	}
	return nil
}

// List returns the record files in dir ordered by ascending step. Files whose
// name looks like a record but carries no parseable step are reported with
// Step -1 at the front of the list. A missing directory yields no entries.
func (s *Store) List(dir string) ([]Entry, error) {
	if !s.fs.Exists(dir) {
		return nil, nil
	}
	names, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var entries []Entry
	for _, name := range names {
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		step, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || step < 0 {
			step = -1
		}
		entries = append(entries, Entry{Step: step, Path: filepath.Join(dir, name)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Step < entries[j].Step })
	return entries, nil
}

// Latest returns the highest-step entry in dir.
func (s *Store) Latest(dir string) (Entry, bool, error) {
	entries, err := s.List(dir)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	last := entries[len(entries)-1]
	if last.Step < 0 {
		return Entry{}, false, nil
	}
	return last, true, nil
}

// Load decodes a record file.
func (s *Store) Load(path string) (*Record, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

// RestoreLatest restores the requested artifacts from the highest-step valid
// record in dir. found is false when the directory has no records at all,
// which callers treat as a fresh start. A corrupt newest record is skipped
// in favour of the next highest step.
func (s *Store) RestoreLatest(dir string, artifacts ...Artifact) (step int64, found bool, err error) {
	entries, err := s.List(dir)
	if err != nil {
		return 0, false, err
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Step < 0 {
			continue
		}
		rec, err := s.Load(e.Path)
		if err != nil {
			monitoring.Logf("checkpoint: skipping unreadable record %s: %v", e.Path, err)
			continue
		}
		if rec.Step != e.Step {
			monitoring.Logf("checkpoint: skipping %s: file name says step %d, record says %d", e.Path, e.Step, rec.Step)
			continue
		}
		if err := restoreInto(rec, artifacts); err != nil {
			return 0, false, err
		}
		return rec.Step, true, nil
	}
	return 0, false, fmt.Errorf("%s: %w", dir, ErrNoValidCheckpoint)
}

// RestoreExplicit restores a single artifact from the record at path,
// bypassing latest-step selection. It is used by evaluation-only runs.
func (s *Store) RestoreExplicit(path string, artifact Artifact) (int64, error) {
	rec, err := s.Load(path)
	if err != nil {
		return 0, err
	}
	if err := restoreInto(rec, []Artifact{artifact}); err != nil {
		return 0, err
	}
	return rec.Step, nil
}

func restoreInto(rec *Record, artifacts []Artifact) error {
	for _, a := range artifacts {
		blob, ok := rec.Blob(a.Name())
		if !ok {
			return fmt.Errorf("step %d: %q: %w", rec.Step, a.Name(), ErrArtifactMissing)
		}
		if err := a.UnmarshalState(blob); err != nil {
			return fmt.Errorf("restore %s at step %d: %w", a.Name(), rec.Step, err)
		}
	}
	return nil
}
