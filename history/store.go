package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sam3web/task"
)

// PersistenceError is returned when the history file cannot be read or written.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("history %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is an append-only JSON-lines log of batch records.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &PersistenceError{Op: "init", Err: err}
		}
	}
	return &Store{path: path}, nil
}

func (s *Store) Path() string { return s.path }

// Append writes rec as one line. Records without an id get a fresh one.
func (s *Store) Append(rec task.BatchRecord) (task.BatchRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return rec, &PersistenceError{Op: "append", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return rec, &PersistenceError{Op: "append", Err: err}
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return rec, &PersistenceError{Op: "append", Err: err}
	}
	if err := f.Close(); err != nil {
		return rec, &PersistenceError{Op: "append", Err: err}
	}

	logrus.WithFields(logrus.Fields{"id": rec.ID, "inputs": len(rec.Inputs)}).Info("batch saved to history")
	return rec, nil
}

// List returns every readable record, most recent first.
func (s *Store) List() ([]task.BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}

	records := make([]task.BatchRecord, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		rec, ok := decode(lines[i], i+1)
		if ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// DeleteAll empties the log.
func (s *Store) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &PersistenceError{Op: "clear", Err: err}
	}
	logrus.WithField("path", s.path).Info("history cleared")
	return nil
}

// DeleteByID removes the record whose id matches. Records written before
// ids existed are matched on their timestamp instead. Deleting an unknown
// id is a no-op and reports false.
func (s *Store) DeleteByID(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return false, &PersistenceError{Op: "delete", Err: err}
	}

	var buf bytes.Buffer
	removed := false
	for i, line := range lines {
		if rec, ok := decode(line, i+1); ok && matches(rec, id) {
			removed = true
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if !removed {
		return false, nil
	}

	if err := s.rewrite(buf.Bytes()); err != nil {
		return false, &PersistenceError{Op: "delete", Err: err}
	}
	logrus.WithField("id", id).Info("history record deleted")
	return true, nil
}

func matches(rec task.BatchRecord, id string) bool {
	if rec.ID != "" {
		return rec.ID == id
	}
	ts, err := time.Parse(time.RFC3339Nano, id)
	return err == nil && ts.Equal(rec.Timestamp)
}

func (s *Store) readLines() ([][]byte, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines, scanner.Err()
}

// rewrite replaces the log atomically through a temp file in the same dir.
func (s *Store) rewrite(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func decode(line []byte, lineNo int) (task.BatchRecord, bool) {
	var rec task.BatchRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		logrus.WithError(err).WithField("line", lineNo).Warn("skipping malformed history line")
		return rec, false
	}
	return rec, true
}
