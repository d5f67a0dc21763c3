package cron

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/jsonc"

	"github.com/JasdewStarfield/nanobot/internal/storage"
)

const storeVersion = 1

// StoreConfig configures a Store.
type StoreConfig struct {
	// Path of the JSON job document.
	Path   string
	Logger *slog.Logger
	Now    func() time.Time
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// document is the on-disk layout. Jobs stay raw on read so one malformed
// entry does not prevent loading the others.
type document struct {
	Version int               `json:"version"`
	Jobs    []json.RawMessage `json:"jobs"`
}

// Store persists the job set as a single JSON document, rewritten
// atomically on every mutation. The file is re-read when it changes on disk,
// so hand edits (comments and trailing commas allowed) are picked up.
type Store struct {
	cfg StoreConfig

	mu      sync.Mutex
	jobs    []Job
	skipped []json.RawMessage // unparseable entries, written back untouched
	loaded  bool
	modTime time.Time
	size    int64
}

// NewStore returns a Store backed by cfg.Path. The file is read lazily.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("cron: store path is required")
	}
	return &Store{cfg: cfg.withDefaults()}, nil
}

// Path returns the job document location.
func (s *Store) Path() string { return s.cfg.Path }

// AddOption customizes a job created by AddJob.
type AddOption func(*Job)

// DeleteAfterRun removes the job after its first successful dispatch.
func DeleteAfterRun() AddOption {
	return func(j *Job) { j.DeleteAfterRun = true }
}

// Disabled creates the job disabled.
func Disabled() AddOption {
	return func(j *Job) { j.Enabled = false }
}

// AddJob validates and persists a new enabled job with a fresh id.
func (s *Store) AddJob(name string, sched Schedule, payload Payload, opts ...AddOption) (Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Job{}, fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if err := sched.Validate(); err != nil {
		return Job{}, err
	}
	payload, err := payload.Normalize()
	if err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return Job{}, err
	}

	nowMs := s.cfg.Now().UnixMilli()
	job := Job{
		ID:          s.newID(),
		Name:        name,
		Enabled:     true,
		Schedule:    sched,
		Payload:     payload,
		CreatedAtMs: nowMs,
		UpdatedAtMs: nowMs,
	}
	for _, opt := range opts {
		opt(&job)
	}
	if job.Enabled {
		job.State.NextRunAtMs, _ = sched.FirstRun(nowMs)
	}

	s.jobs = append(s.jobs, job)
	if err := s.persist(); err != nil {
		s.jobs = s.jobs[:len(s.jobs)-1]
		return Job{}, err
	}
	return job, nil
}

// newID returns a short id unique within the store. Must hold s.mu.
func (s *Store) newID() string {
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if s.index(id) < 0 {
			return id
		}
	}
}

// ListJobs returns the jobs in persisted order. Disabled jobs are omitted
// unless includeDisabled is set.
func (s *Store) ListJobs(includeDisabled bool) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if includeDisabled || j.Enabled {
			out = append(out, j)
		}
	}
	return out, nil
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return Job{}, err
	}
	i := s.index(id)
	if i < 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return s.jobs[i], nil
}

// RemoveJob deletes the job with the given id.
func (s *Store) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	prev := slices.Clone(s.jobs)
	s.jobs = slices.Delete(s.jobs, i, i+1)
	if err := s.persist(); err != nil {
		s.jobs = prev
		return err
	}
	return nil
}

// SetEnabled toggles a job. Disabling touches only the flag and
// updatedAtMs; enabling also schedules the next fire from now.
func (s *Store) SetEnabled(id string, enabled bool) (Job, error) {
	return s.Update(id, func(j *Job) {
		if j.Enabled == enabled {
			return
		}
		j.Enabled = enabled
		if enabled {
			nowMs := s.cfg.Now().UnixMilli()
			if j.Schedule.Kind == KindAt {
				j.State.NextRunAtMs = j.Schedule.AtMs
			} else {
				j.State.NextRunAtMs, _ = j.Schedule.FirstRun(nowMs)
			}
		}
	})
}

// Update applies fn to the job with the given id, stamps updatedAtMs and
// persists the document. It returns the updated job.
func (s *Store) Update(id string, fn func(*Job)) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return Job{}, err
	}
	i := s.index(id)
	if i < 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	prev := s.jobs[i]
	fn(&s.jobs[i])
	s.jobs[i].ID = prev.ID
	s.jobs[i].UpdatedAtMs = s.cfg.Now().UnixMilli()
	if err := s.persist(); err != nil {
		s.jobs[i] = prev
		return Job{}, err
	}
	return s.jobs[i], nil
}

// Reload forces the document to be read again on next access.
func (s *Store) Reload() {
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
}

func (s *Store) index(id string) int {
	return slices.IndexFunc(s.jobs, func(j Job) bool { return j.ID == id })
}

// ensureLoaded reads the document on first use and whenever the file has
// changed since the last read or write. Must hold s.mu.
func (s *Store) ensureLoaded() error {
	info, err := os.Stat(s.cfg.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if !s.loaded {
			s.jobs, s.skipped = nil, nil
			s.loaded = true
		}
		return nil
	case err != nil:
		return fmt.Errorf("cron: stat %s: %w", s.cfg.Path, err)
	}
	if s.loaded && info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return nil
	}
	return s.load()
}

func (s *Store) load() error {
	logger := s.cfg.Logger
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("cron: reading %s: %w", s.cfg.Path, err)
	}

	var doc document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		logger.Error("cron: job store unreadable, starting empty", "path", s.cfg.Path, "error", err)
		if dst, qerr := storage.Quarantine(s.cfg.Path, s.cfg.Now()); qerr == nil {
			logger.Warn("cron: unreadable job store moved aside", "path", dst)
		}
		s.jobs, s.skipped = nil, nil
		s.loaded = true
		s.modTime, s.size = time.Time{}, 0
		return nil
	}
	if doc.Version > storeVersion {
		logger.Warn("cron: job store written by a newer version", "version", doc.Version)
	}

	jobs := make([]Job, 0, len(doc.Jobs))
	var skipped []json.RawMessage
	for i, raw := range doc.Jobs {
		var j Job
		err := json.Unmarshal(raw, &j)
		if err == nil {
			err = j.validate()
		}
		if err == nil {
			j.Payload, err = j.Payload.Normalize()
		}
		if err != nil {
			logger.Warn("cron: skipping malformed job", "index", i, "error", err)
			skipped = append(skipped, raw)
			continue
		}
		if j.Enabled && j.State.NextRunAtMs == 0 {
			j.State.NextRunAtMs, _ = j.Schedule.FirstRun(j.CreatedAtMs)
		}
		jobs = append(jobs, j)
	}

	s.jobs, s.skipped = jobs, skipped
	s.loaded = true
	s.stamp()

	if storage.HasEscapedText(data) {
		if err := s.persist(); err != nil {
			logger.Warn("cron: normalizing escaped text failed", "error", err)
		} else {
			logger.Info("cron: normalized escaped text in job store", "path", s.cfg.Path)
		}
	}
	return nil
}

// persist rewrites the whole document. Must hold s.mu.
func (s *Store) persist() error {
	doc := document{Version: storeVersion, Jobs: make([]json.RawMessage, 0, len(s.jobs)+len(s.skipped))}
	for _, j := range s.jobs {
		raw, err := storage.Marshal(j)
		if err != nil {
			return fmt.Errorf("cron: encoding job %s: %w", j.ID, err)
		}
		doc.Jobs = append(doc.Jobs, raw)
	}
	for _, raw := range s.skipped {
		doc.Jobs = append(doc.Jobs, storage.Normalize(raw))
	}

	data, err := storage.MarshalIndent(doc)
	if err != nil {
		return fmt.Errorf("cron: encoding job store: %w", err)
	}
	if err := storage.WriteFileAtomic(s.cfg.Path, data, 0o644); err != nil {
		return fmt.Errorf("cron: saving job store: %w", err)
	}
	s.stamp()
	return nil
}

// stamp records the file identity so external edits can be detected.
func (s *Store) stamp() {
	if info, err := os.Stat(s.cfg.Path); err == nil {
		s.modTime, s.size = info.ModTime(), info.Size()
	}
}
