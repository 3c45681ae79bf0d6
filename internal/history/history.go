// Package history provides run history storage with outline extraction.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Andyyyy64/openTiger/internal/stream"
)

// ErrNotFound is returned for unknown run IDs and missing debug logs.
var ErrNotFound = errors.New("not found in history")

// Store manages run history persistence.
type Store struct {
	dir string // Base directory for history files

	mu      sync.RWMutex
	entries map[string]*Entry // In-memory cache keyed by run ID
}

// Entry represents a finished run in history.
type Entry struct {
	RunID           string             `json:"run_id"`
	State           string             `json:"state"`
	Backend         string             `json:"backend"`
	Model           string             `json:"model"`
	WorkDir         string             `json:"workdir,omitempty"`
	Prompt          string             `json:"prompt"`
	PromptPreview   string             `json:"prompt_preview"` // First 200 chars
	StartedAt       time.Time          `json:"started_at"`
	CompletedAt     time.Time          `json:"completed_at"`
	DurationSeconds float64            `json:"duration_seconds"`
	ExitCode        *int               `json:"exit_code,omitempty"`
	RetryCount      int                `json:"retry_count"`
	AbortReasons    []string           `json:"abort_reasons,omitempty"`
	Output          string             `json:"output,omitempty"`
	OutputPreview   string             `json:"output_preview,omitempty"` // First 200 chars
	Error           *EntryError        `json:"error,omitempty"`
	TokenUsage      *stream.TokenUsage `json:"token_usage,omitempty"`
	Steps           []Step             `json:"steps,omitempty"` // Outline of execution steps
	HasDebugLog     bool               `json:"has_debug_log"`   // Whether full debug log exists
}

// EntryError captures error details.
type EntryError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Step represents a single step in the run outline.
type Step struct {
	Type          string `json:"type"`                     // "tool_call", "text", "error"
	Tool          string `json:"tool,omitempty"`           // Tool name for tool_call
	InputPreview  string `json:"input_preview,omitempty"`  // First 200 chars of input
	OutputPreview string `json:"output_preview,omitempty"` // First 200 chars of output
	Truncated     bool   `json:"truncated,omitempty"`      // Whether content was truncated
}

// ListOptions controls pagination for List.
type ListOptions struct {
	Page  int // 1-indexed page number
	Limit int // Items per page (max 100)
}

// ListResult contains paginated history entries.
type ListResult struct {
	Entries    []EntrySummary `json:"entries"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
}

// EntrySummary is a lightweight version of Entry for list responses.
type EntrySummary struct {
	RunID           string      `json:"run_id"`
	State           string      `json:"state"`
	Backend         string      `json:"backend"`
	Model           string      `json:"model"`
	PromptPreview   string      `json:"prompt_preview"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     time.Time   `json:"completed_at"`
	DurationSeconds float64     `json:"duration_seconds"`
	ExitCode        *int        `json:"exit_code,omitempty"`
	RetryCount      int         `json:"retry_count"`
	Error           *EntryError `json:"error,omitempty"`
	HasDebugLog     bool        `json:"has_debug_log"`
}

// Retention limits
const (
	MaxOutlineEntries = 100
	MaxDebugEntries   = 20
	PreviewLength     = 200
)

// NewStore creates a new history store at the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	s := &Store{
		dir:     dir,
		entries: make(map[string]*Entry),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	return s, nil
}

// Save persists a run entry and prunes entries beyond the retention limits.
func (s *Store) Save(entry *Entry) error {
	if entry.RunID == "" {
		return fmt.Errorf("saving outline: empty run id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.PromptPreview = truncate(entry.Prompt, PreviewLength)
	entry.OutputPreview = truncate(entry.Output, PreviewLength)

	if err := writeJSON(s.outlinePath(entry.RunID), entry); err != nil {
		return fmt.Errorf("saving outline: %w", err)
	}

	s.entries[entry.RunID] = entry
	s.pruneUnlocked()

	return nil
}

// SaveDebugLog saves the raw transcript of a run.
func (s *Store) SaveDebugLog(runID string, debugLog []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.debugPath(runID), debugLog, 0644); err != nil {
		return fmt.Errorf("saving debug log: %w", err)
	}

	if entry, ok := s.entries[runID]; ok {
		entry.HasDebugLog = true
		if err := writeJSON(s.outlinePath(runID), entry); err != nil {
			return fmt.Errorf("updating outline: %w", err)
		}
	}

	return nil
}

// Get retrieves a run entry by ID.
func (s *Store) Get(runID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[runID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", runID, ErrNotFound)
	}
	return entry, nil
}

// GetDebugLog retrieves the raw transcript of a run.
func (s *Store) GetDebugLog(runID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.entries[runID]; !ok {
		return nil, fmt.Errorf("%s: %w", runID, ErrNotFound)
	}
	data, err := os.ReadFile(s.debugPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("debug log for %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("reading debug log: %w", err)
	}
	return data, nil
}

// List returns paginated history entries, newest first.
func (s *Store) List(opts ListOptions) ListResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit < 1 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}

	sorted := s.sortedUnlocked()
	total := len(sorted)
	totalPages := (total + opts.Limit - 1) / opts.Limit

	start := min((opts.Page-1)*opts.Limit, total)
	end := min(start+opts.Limit, total)

	entries := make([]EntrySummary, 0, end-start)
	for _, e := range sorted[start:end] {
		entries = append(entries, EntrySummary{
			RunID:           e.RunID,
			State:           e.State,
			Backend:         e.Backend,
			Model:           e.Model,
			PromptPreview:   e.PromptPreview,
			StartedAt:       e.StartedAt,
			CompletedAt:     e.CompletedAt,
			DurationSeconds: e.DurationSeconds,
			ExitCode:        e.ExitCode,
			RetryCount:      e.RetryCount,
			Error:           e.Error,
			HasDebugLog:     e.HasDebugLog,
		})
	}

	return ListResult{
		Entries:    entries,
		Page:       opts.Page,
		Limit:      opts.Limit,
		Total:      total,
		TotalPages: totalPages,
	}
}

// load reads all existing entries from disk.
func (s *Store) load() error {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return err
	}

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue // Skip unreadable files
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil || entry.RunID == "" {
			continue
		}

		_, err = os.Stat(s.debugPath(entry.RunID))
		entry.HasDebugLog = err == nil

		s.entries[entry.RunID] = &entry
	}

	return nil
}

func (s *Store) sortedUnlocked() []*Entry {
	sorted := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CompletedAt.After(sorted[j].CompletedAt)
	})
	return sorted
}

// pruneUnlocked removes old entries exceeding retention limits.
// Must be called with lock held.
func (s *Store) pruneUnlocked() {
	sorted := s.sortedUnlocked()

	if len(sorted) > MaxOutlineEntries {
		for _, e := range sorted[MaxOutlineEntries:] {
			os.Remove(s.outlinePath(e.RunID))
			os.Remove(s.debugPath(e.RunID))
			delete(s.entries, e.RunID)
		}
		sorted = sorted[:MaxOutlineEntries]
	}

	// Only the newest MaxDebugEntries keep their debug log
	for i := MaxDebugEntries; i < len(sorted); i++ {
		e := sorted[i]
		if _, err := os.Stat(s.debugPath(e.RunID)); err != nil {
			continue
		}
		os.Remove(s.debugPath(e.RunID))
		e.HasDebugLog = false
		writeJSON(s.outlinePath(e.RunID), e)
	}
}

func (s *Store) outlinePath(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

func (s *Store) debugPath(runID string) string {
	return filepath.Join(s.dir, runID+".debug.log")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
