package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/JasdewStarfield/nanobot/internal/storage"
)

const metadataType = "metadata"

// ServiceName is the AppContext service key of the session Store.
const ServiceName = "session.store"

// ErrNoDir is returned by NewStore when no session directory is configured.
var ErrNoDir = errors.New("session: directory is required")

// Config configures a Store.
type Config struct {
	// Dir holds one file per session.
	Dir string

	// LegacyDir is the previous global session location. A session file
	// found there is moved into Dir on first access when Dir has none.
	// Empty disables migration.
	LegacyDir string

	Logger *slog.Logger
	Now    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Info summarizes a persisted session for listings.
type Info struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Path      string    `json:"path"`
}

// metadataLine is the first line of every session file.
type metadataLine struct {
	Type             string         `json:"_type"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
	Metadata         map[string]any `json:"metadata"`
	LastConsolidated int            `json:"last_consolidated"`
	Key              string         `json:"key,omitempty"`
}

// Store owns session files and the in-memory cache of loaded sessions.
// It is safe for concurrent use; the Sessions it returns are not.
type Store struct {
	cfg Config

	mu      sync.Mutex
	cache   map[string]*Session
	digests map[string]digest // path -> last content written by the store
	paths   map[string]string // path -> key

	writeMu sync.Mutex
}

type digest [32]byte

// NewStore creates the session directory and returns a ready Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, ErrNoDir
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: creating %s: %w", cfg.Dir, err)
	}
	return &Store{
		cfg:     cfg,
		cache:   make(map[string]*Session),
		digests: make(map[string]digest),
		paths:   make(map[string]string),
	}, nil
}

// Dir returns the session directory.
func (s *Store) Dir() string { return s.cfg.Dir }

// Path returns the file that persists key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.cfg.Dir, FileName(key))
}

// GetOrCreate returns the cached session for key, loading it from disk on
// first access and creating an empty one when nothing is persisted. The same
// instance is returned for a key until Invalidate is called.
func (s *Store) GetOrCreate(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.cache[key]; ok {
		return sess
	}

	sess, ok := s.load(key)
	if !ok {
		sess = newSession(key, s.cfg.Now)
	}
	s.cache[key] = sess
	s.paths[s.Path(key)] = key
	return sess
}

// Load reads key from disk without touching the cache. It reports false
// when the session does not exist or could not be parsed.
func (s *Store) Load(key string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(key)
}

// load must be called with s.mu held.
func (s *Store) load(key string) (*Session, bool) {
	path := s.Path(key)
	s.migrateLegacy(key, path)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false
	}
	if err != nil {
		s.cfg.Logger.Warn("session: read failed", "session", key, "error", err)
		return nil, false
	}

	sess, err := parse(key, data, s.cfg.Now)
	if err != nil {
		s.cfg.Logger.Warn("session: corrupt file, starting fresh",
			"session", key, "path", path, "error", err)
		if dst, qerr := storage.Quarantine(path, s.cfg.Now()); qerr == nil {
			s.cfg.Logger.Warn("session: corrupt file moved aside", "session", key, "path", dst)
		}
		return nil, false
	}

	if storage.HasEscapedText(data) {
		if err := s.write(sess); err != nil {
			s.cfg.Logger.Warn("session: normalizing escaped text failed", "session", key, "error", err)
		} else {
			s.cfg.Logger.Info("session: normalized escaped text", "session", key)
		}
	}
	return sess, true
}

// migrateLegacy moves the legacy file for key into place when the current
// location has none.
func (s *Store) migrateLegacy(key, path string) {
	if s.cfg.LegacyDir == "" {
		return
	}
	if _, err := os.Stat(path); err == nil {
		return
	}
	legacy := filepath.Join(s.cfg.LegacyDir, FileName(key))
	if _, err := os.Stat(legacy); err != nil {
		return
	}
	if err := moveFile(legacy, path); err != nil {
		s.cfg.Logger.Warn("session: legacy migration failed", "session", key, "error", err)
		return
	}
	s.cfg.Logger.Info("session: migrated from legacy path", "session", key, "from", legacy)
}

// moveFile renames src to dst, falling back to copy and remove when the two
// paths live on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(dst, data, 0o644); err != nil {
		return err
	}
	return os.Remove(src)
}

// Save rewrites the file of sess with its metadata line followed by one
// line per message, and makes sess the cached instance for its key.
func (s *Store) Save(sess *Session) error {
	if err := s.write(sess); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[sess.Key] = sess
	s.paths[s.Path(sess.Key)] = sess.Key
	s.mu.Unlock()
	return nil
}

func (s *Store) write(sess *Session) error {
	data, err := encode(sess)
	if err != nil {
		return fmt.Errorf("session: encoding %s: %w", sess.Key, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	path := s.Path(sess.Key)
	if err := storage.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("session: saving %s: %w", sess.Key, err)
	}
	s.recordDigest(path, data)
	return nil
}

// recordDigest must be called with s.writeMu held.
func (s *Store) recordDigest(path string, data []byte) {
	s.digests[path] = blake3.Sum256(data)
}

// ownWrite reports whether data is exactly what the store last wrote to path.
// It waits for an in-progress write, whose digest is recorded before writeMu
// is released.
func (s *Store) ownWrite(path string, data []byte) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	d, ok := s.digests[path]
	return ok && d == blake3.Sum256(data)
}

// Invalidate drops the cached session for key so the next GetOrCreate
// reads it from disk again.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

// Cached reports whether key currently has a cached session.
func (s *Store) Cached(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cache[key]
	return ok
}

// keyForPath returns the key of a session file the store has seen.
func (s *Store) keyForPath(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.paths[path]
	return key, ok
}

// ListSessions summarizes every persisted session by reading only the
// first line of each file, newest first. Unreadable files are skipped.
func (s *Store) ListSessions() ([]Info, error) {
	paths, err := filepath.Glob(filepath.Join(s.cfg.Dir, "*"+fileExt))
	if err != nil {
		return nil, fmt.Errorf("session: listing %s: %w", s.cfg.Dir, err)
	}

	infos := make([]Info, 0, len(paths))
	for _, path := range paths {
		info, err := readInfo(path)
		if err != nil {
			s.cfg.Logger.Debug("session: skipping unreadable file", "path", path, "error", err)
			continue
		}
		infos = append(infos, info)
	}

	slices.SortStableFunc(infos, func(a, b Info) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return infos, nil
}

func readInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = f.Close() }()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return Info{}, err
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Info{}, errors.New("empty file")
	}

	var meta metadataLine
	if err := json.Unmarshal(line, &meta); err != nil {
		return Info{}, err
	}
	if meta.Type != metadataType {
		return Info{}, errors.New("first line is not metadata")
	}

	key := meta.Key
	if key == "" {
		key = keyFromFileName(path)
	}
	return Info{
		Key:       key,
		CreatedAt: parseTime(meta.CreatedAt),
		UpdatedAt: parseTime(meta.UpdatedAt),
		Path:      path,
	}, nil
}

func encode(sess *Session) ([]byte, error) {
	meta := metadataLine{
		Type:             metadataType,
		CreatedAt:        sess.CreatedAt.Format(timeLayout),
		UpdatedAt:        sess.UpdatedAt.Format(timeLayout),
		Metadata:         sess.Metadata,
		LastConsolidated: sess.LastConsolidated,
		Key:              sess.Key,
	}
	if meta.Metadata == nil {
		meta.Metadata = map[string]any{}
	}

	var buf bytes.Buffer
	line, err := storage.Marshal(meta)
	if err != nil {
		return nil, err
	}
	buf.Write(line)
	buf.WriteByte('\n')

	for i := range sess.Messages {
		line, err := storage.Marshal(sess.Messages[i])
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func parse(key string, data []byte, now func() time.Time) (*Session, error) {
	sess := newSession(key, now)
	var created, updated time.Time

	for n, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		if bytes.Contains(line, []byte(`"_type"`)) {
			var meta metadataLine
			if err := json.Unmarshal(line, &meta); err != nil {
				return nil, fmt.Errorf("line %d: %w", n+1, err)
			}
			if meta.Type == metadataType {
				if meta.Metadata != nil {
					sess.Metadata = meta.Metadata
				}
				created = parseTime(meta.CreatedAt)
				updated = parseTime(meta.UpdatedAt)
				sess.LastConsolidated = meta.LastConsolidated
				continue
			}
		}

		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		sess.Messages = append(sess.Messages, m)
	}

	if !created.IsZero() {
		sess.CreatedAt = created
	}
	if !updated.IsZero() {
		sess.UpdatedAt = updated
	}
	sess.LastConsolidated = min(max(sess.LastConsolidated, 0), len(sess.Messages))
	return sess, nil
}

// parseTime accepts the layout written by this package as well as the
// zone-less ISO 8601 timestamps found in older files. Unparseable values
// yield the zero time.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"} {
		var (
			t   time.Time
			err error
		)
		if strings.Contains(layout, "Z07") {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return t
		}
	}
	return time.Time{}
}
