// Package store implements the durable record store: write-once structured
// records addressed by a sortable key, grouped into kinds (journal, feedback,
// plan, session). Every write is atomic and durable before it returns.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/cadence/internal/fsutil"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a record key is absent or its payload cannot
// be decoded.
var ErrNotFound = errors.New("record not found")

// Record kinds used by the orchestrator. Callers may define additional kinds;
// a kind maps to a subdirectory of the store root.
const (
	KindJournal  = "journal"
	KindFeedback = "feedback"
	KindPlan     = "plan"
	KindSession  = "session"
)

const recordExt = ".yaml"

var slugPattern = regexp.MustCompile(`[^a-z0-9-]+`)

// Store is a directory-backed record store. All writes use the
// temp+fsync+rename discipline, so concurrent readers never observe a
// partially written record.
type Store struct {
	root string
}

// Open creates (if needed) and returns a store rooted at the given directory.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory holding records of the given kind.
func (s *Store) Dir(kind string) string {
	return filepath.Join(s.root, kind)
}

// NewKey derives a sortable, filename-safe key: a nanosecond UTC timestamp,
// a slug of the given title, and a short random suffix for uniqueness.
func NewKey(slugSource string) string {
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	slug := Slugify(slugSource)
	suffix := uuid.New().String()[:8]
	if slug == "" {
		return fmt.Sprintf("%s-%s", ts, suffix)
	}
	return fmt.Sprintf("%s-%s-%s", ts, slug, suffix)
}

// Slugify lowercases the first 30 chars of a title and collapses anything
// outside [a-z0-9-] to single dashes.
func Slugify(s string) string {
	if len(s) > 30 {
		s = s[:30]
	}
	s = strings.ToLower(s)
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Append writes a new write-once record and returns its key.
func (s *Store) Append(kind, slugSource string, payload []byte) (string, error) {
	key := NewKey(slugSource)
	path := s.recordPath(kind, key)
	if err := fsutil.WriteExclusive(path, payload); err != nil {
		return "", fmt.Errorf("failed to append %s record: %w", kind, err)
	}
	return key, nil
}

// Put writes or atomically replaces a record under a caller-chosen key. Used
// for mutable singletons (session state) and state-field transitions
// (feedback); append-only kinds should use Append.
func (s *Store) Put(kind, key string, payload []byte) error {
	if err := fsutil.AtomicWrite(s.recordPath(kind, key), payload); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", kind, key, err)
	}
	return nil
}

// Read returns the payload for a key, or ErrNotFound if it does not exist.
func (s *Store) Read(kind, key string) ([]byte, error) {
	data, err := os.ReadFile(s.recordPath(kind, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, key)
		}
		return nil, fmt.Errorf("failed to read %s/%s: %w", kind, key, err)
	}
	return data, nil
}

// Remove deletes a record. Removing an absent key is not an error.
func (s *Store) Remove(kind, key string) error {
	err := os.Remove(s.recordPath(kind, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s/%s: %w", kind, key, err)
	}
	return nil
}

// List returns all keys of a kind in ascending order. In-flight temp files
// from concurrent writers are skipped.
func (s *Store) List(kind string) ([]string, error) {
	entries, err := os.ReadDir(s.Dir(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s records: %w", kind, err)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || fsutil.IsTempFile(name) || !strings.HasSuffix(name, recordExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(keys)
	return keys, nil
}

// Latest returns the highest key of a kind, or ErrNotFound when the kind is
// empty.
func (s *Store) Latest(kind string) (string, error) {
	keys, err := s.List(kind)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: no %s records", ErrNotFound, kind)
	}
	return keys[len(keys)-1], nil
}

// AppendYAML marshals v and appends it as a new record.
func (s *Store) AppendYAML(kind, slugSource string, v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}
	return s.Append(kind, slugSource, data)
}

// PutYAML marshals v and writes it under the given key.
func (s *Store) PutYAML(kind, key string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", kind, key, err)
	}
	return s.Put(kind, key, data)
}

// ReadYAML reads and decodes a record into v. A corrupt payload is reported
// as ErrNotFound: callers cannot distinguish a record they can never parse
// from one that does not exist.
func (s *Store) ReadYAML(kind, key string, v any) error {
	data, err := s.Read(kind, key)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: corrupt record %s/%s: %v", ErrNotFound, kind, key, err)
	}
	return nil
}

func (s *Store) recordPath(kind, key string) string {
	return filepath.Join(s.root, kind, key+recordExt)
}
