package porter

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Summary is the user-facing outcome of a scheduler run.
type Summary struct {
	Interrupted bool
	Records     map[string]ExecRecord
}

func (s *Summary) byStatus(st Status) []string {
	var keys []string
	for key, rec := range s.Records {
		if rec.Status == st {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// UploadFailures lists entries whose build succeeded but publishing did not.
func (s *Summary) UploadFailures() []string {
	var keys []string
	for key, rec := range s.Records {
		if rec.UploadFailed {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Failed reports whether any entry ended failed.
func (s *Summary) Failed() bool {
	return len(s.byStatus(StatusFailed)) > 0
}

// Print renders the final run report: counts first, then the concrete
// reason for every failed and skipped entry.
func (s *Summary) Print() {
	succeeded := s.byStatus(StatusSucceeded)
	failed := s.byStatus(StatusFailed)
	skipped := s.byStatus(StatusSkipped)
	pending := s.byStatus(StatusPending)
	uploads := s.UploadFailures()

	fmt.Println()
	colArrow.Print("-> ")
	if s.Interrupted {
		colError.Println("Run interrupted.")
	}
	colSuccess.Printf("Succeeded: %d  ", len(succeeded))
	colError.Printf("Failed: %d  ", len(failed))
	cPrintf(colWarn, "Skipped: %d", len(skipped))
	if len(pending) > 0 {
		colNote.Printf("  Remaining: %d", len(pending))
	}
	fmt.Println()

	if len(failed) > 0 {
		colArrow.Print("-> ")
		colError.Println("Failed:")
		for _, key := range failed {
			fmt.Printf("  - %-24s %s\n", key, s.Records[key].Error)
		}
	}
	if len(skipped) > 0 {
		colArrow.Print("-> ")
		cPrintln(colWarn, "Skipped:")
		for _, key := range skipped {
			fmt.Printf("  - %-24s %s\n", key, s.Records[key].Reason)
		}
	}
	if len(uploads) > 0 {
		colArrow.Print("-> ")
		cPrintln(colWarn, "Built but not uploaded (run 'porter upload-retry'):")
		for _, key := range uploads {
			fmt.Printf("  - %-24s %s\n", key, s.Records[key].UploadError)
		}
	}
}

// failedEntry is one line of failed_packages.json.
type failedEntry struct {
	Key    string `json:"key"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
	Root   string `json:"root,omitempty"`
}

// WriteFailed records failed and skipped entries for a later retry run.
// Nothing is written (and any stale file is removed) when the run was clean.
func (s *Summary) WriteFailed(path string) error {
	var entries []failedEntry
	for _, key := range s.byStatus(StatusFailed) {
		rec := s.Records[key]
		entries = append(entries, failedEntry{Key: key, Error: rec.Error})
	}
	for _, key := range s.byStatus(StatusSkipped) {
		rec := s.Records[key]
		entries = append(entries, failedEntry{Key: key, Reason: rec.Reason, Root: rec.Root})
	}
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	payload := struct {
		Timestamp string        `json:"_timestamp"`
		Packages  []failedEntry `json:"packages"`
	}{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Packages:  entries,
	}
	data, err := json.MarshalIndent(&payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
