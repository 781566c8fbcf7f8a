// Package store persists the resumable-session index, one JSON record
// per session.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zhubert/relay-core/acp"
	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/paths"
)

// Record is one resumable session.
type Record struct {
	AgentType string    `json:"agentType"`
	SessionID string    `json:"sessionId"`
	Cwd       string    `json:"cwd"`
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store reads and writes records under a directory, one file per
// (agentType, sessionId) pair.
type Store struct {
	dir string
	log *slog.Logger
}

// Open returns a store rooted at dir, creating it if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}
	return &Store{dir: dir, log: logger.WithComponent("store")}, nil
}

// OpenDefault opens the store in the standard sessions directory.
func OpenDefault() (*Store, error) {
	dir, err := paths.SessionsDir()
	if err != nil {
		return nil, err
	}
	return Open(dir)
}

// Put writes the record atomically: a temp file in the same directory
// is renamed over the target so readers never observe a partial write.
func (s *Store) Put(rec Record) error {
	if rec.AgentType == "" || rec.SessionID == "" {
		return fmt.Errorf("store: record needs agentType and sessionId")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(rec.AgentType, rec.SessionID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit session record: %w", err)
	}
	s.log.Debug("session record written", "agentType", rec.AgentType, "sessionID", rec.SessionID)
	return nil
}

// Get loads one record. A missing record is a NotFoundError.
func (s *Store) Get(agentType, sessionID string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(s.path(agentType, sessionID))
	if os.IsNotExist(err) {
		return rec, &acp.NotFoundError{Kind: "session record", Key: sessionID}
	}
	if err != nil {
		return rec, fmt.Errorf("read session record: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode session record: %w", err)
	}
	return rec, nil
}

// List returns every record, newest first. Unreadable or corrupt files
// are skipped with a warning rather than failing the whole listing.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list session store: %w", err)
	}
	var recs []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn("unreadable session record skipped", "file", e.Name(), "error", err)
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.log.Warn("corrupt session record skipped", "file", e.Name(), "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].UpdatedAt.After(recs[j].UpdatedAt) })
	return recs, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(agentType, sessionID string) error {
	err := os.Remove(s.path(agentType, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}

func (s *Store) path(agentType, sessionID string) string {
	return filepath.Join(s.dir, sanitize(agentType)+"--"+sanitize(sessionID)+".json")
}

// sanitize keeps filenames portable: anything outside [a-zA-Z0-9._-]
// becomes an underscore.
func sanitize(part string) string {
	var b strings.Builder
	for _, r := range part {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
