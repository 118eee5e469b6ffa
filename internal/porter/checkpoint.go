package porter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is the lifecycle state of one build entry. Transitions only move
// forward: pending -> running -> succeeded | failed | skipped.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// ExecRecord is the execution record of one build entry. The scheduler is
// its sole mutator.
type ExecRecord struct {
	Key          string    `json:"key"`
	Status       Status    `json:"status"`
	Started      time.Time `json:"started,omitempty"`
	Finished     time.Time `json:"finished,omitempty"`
	Artifacts    []string  `json:"artifacts,omitempty"`
	Error        string    `json:"error,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Root         string    `json:"root,omitempty"` // root-cause ancestor for skips
	UploadFailed bool      `json:"upload_failed,omitempty"`
	UploadError  string    `json:"upload_error,omitempty"`
}

// Checkpoint is the persisted set of terminal execution records, the sole
// input needed to resume an interrupted run.
type Checkpoint struct {
	path    string
	Entries map[string]ExecRecord `json:"entries"`
}

// LoadCheckpoint reads a checkpoint file; a missing file is an empty one.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	cp := &Checkpoint{path: path, Entries: make(map[string]ExecRecord)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cp, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint %s: %w", path, err)
	}
	if cp.Entries == nil {
		cp.Entries = make(map[string]ExecRecord)
	}
	// A previous process can only have left terminal statuses behind; a
	// "running" entry means it died mid-write, so the entry reverts.
	for key, e := range cp.Entries {
		if !e.Status.Terminal() {
			delete(cp.Entries, key)
		}
	}
	return cp, nil
}

// Record stores a terminal record and rewrites the checkpoint file
// atomically (write to temp, rename over).
func (cp *Checkpoint) Record(rec ExecRecord) error {
	if !rec.Status.Terminal() {
		return fmt.Errorf("checkpoint only accepts terminal statuses, got %q for %s", rec.Status, rec.Key)
	}
	cp.Entries[rec.Key] = rec
	return cp.save()
}

func (cp *Checkpoint) save() error {
	if cp.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cp.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	tmp := cp.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, cp.path)
}

// Clear removes the checkpoint file, for starting a fresh run.
func (cp *Checkpoint) Clear() error {
	cp.Entries = make(map[string]ExecRecord)
	if cp.path == "" {
		return nil
	}
	if err := os.Remove(cp.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
