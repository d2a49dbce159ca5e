package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// cronsFile is the on-disk shape of CRONS.json.
type cronsFile struct {
	Jobs []*CronJob `json:"jobs"`
}

// triggersFile is the on-disk shape of TRIGGERS.json.
type triggersFile struct {
	Triggers []*Trigger `json:"triggers"`
}

// Store holds the in-memory job set and persists it to dir/CRONS.json and
// dir/TRIGGERS.json independently, per spec: the two files are unrelated
// documents, each rewritten with its own temp-file-then-rename. A crash
// mid-write to one never touches the other.
type Store struct {
	mu       sync.RWMutex
	dir      string
	logger   *zap.Logger
	crons    map[string]*CronJob
	triggers map[string]*Trigger
}

// NewStore loads dir/CRONS.json and dir/TRIGGERS.json if present, else
// starts empty for that file. dir must already exist. A malformed file
// logs a warning and leaves the in-memory set for that file empty rather
// than failing the whole store — the other file still loads normally.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		dir:      dir,
		logger:   logger,
		crons:    make(map[string]*CronJob),
		triggers: make(map[string]*Trigger),
	}
	s.loadCrons()
	s.loadTriggers()
	return s, nil
}

func (s *Store) cronsPath() string    { return filepath.Join(s.dir, "CRONS.json") }
func (s *Store) triggersPath() string { return filepath.Join(s.dir, "TRIGGERS.json") }

func (s *Store) loadCrons() {
	data, err := os.ReadFile(s.cronsPath())
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		s.logger.Warn("failed to read CRONS.json, keeping in-memory set", zap.Error(err))
		return
	}
	var cf cronsFile
	if err := json.Unmarshal(data, &cf); err != nil {
		s.logger.Warn("CRONS.json is malformed, keeping in-memory set unchanged", zap.Error(err))
		return
	}
	for _, c := range cf.Jobs {
		s.crons[c.ID] = c
	}
}

func (s *Store) loadTriggers() {
	data, err := os.ReadFile(s.triggersPath())
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		s.logger.Warn("failed to read TRIGGERS.json, keeping in-memory set", zap.Error(err))
		return
	}
	var tf triggersFile
	if err := json.Unmarshal(data, &tf); err != nil {
		s.logger.Warn("TRIGGERS.json is malformed, keeping in-memory set unchanged", zap.Error(err))
		return
	}
	for _, tr := range tf.Triggers {
		s.triggers[tr.ID] = tr
	}
}

// persistCronsLocked must be called with s.mu held. It snapshots the cron
// map, marshals it, and writes via temp-file-then-rename.
func (s *Store) persistCronsLocked() error {
	cf := cronsFile{Jobs: make([]*CronJob, 0, len(s.crons))}
	for _, c := range s.crons {
		cp := *c
		cf.Jobs = append(cf.Jobs, &cp)
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(s.cronsPath(), data)
}

// persistTriggersLocked must be called with s.mu held.
func (s *Store) persistTriggersLocked() error {
	tf := triggersFile{Triggers: make([]*Trigger, 0, len(s.triggers))}
	for _, tr := range s.triggers {
		cp := *tr
		tf.Triggers = append(tf.Triggers, &cp)
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(s.triggersPath(), data)
}

// atomicWriteFile writes data to path via a temp file in the same
// directory, fsync, then rename — the rename is atomic on the same
// filesystem so a crash between write and rename leaves the original file
// untouched.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// ReloadCrons re-reads CRONS.json, replacing the in-memory cron set when
// the file parses cleanly. A malformed file logs a warning and keeps the
// current set — a half-written edit never wipes running jobs.
func (s *Store) ReloadCrons() {
	data, err := os.ReadFile(s.cronsPath())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to re-read CRONS.json, keeping in-memory set", zap.Error(err))
		}
		return
	}
	var cf cronsFile
	if err := json.Unmarshal(data, &cf); err != nil {
		s.logger.Warn("CRONS.json is malformed, keeping in-memory set unchanged", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.crons = make(map[string]*CronJob, len(cf.Jobs))
	for _, c := range cf.Jobs {
		s.crons[c.ID] = c
	}
}

// ReloadTriggers re-reads TRIGGERS.json with the same malformed-file
// posture as ReloadCrons.
func (s *Store) ReloadTriggers() {
	data, err := os.ReadFile(s.triggersPath())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to re-read TRIGGERS.json, keeping in-memory set", zap.Error(err))
		}
		return
	}
	var tf triggersFile
	if err := json.Unmarshal(data, &tf); err != nil {
		s.logger.Warn("TRIGGERS.json is malformed, keeping in-memory set unchanged", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = make(map[string]*Trigger, len(tf.Triggers))
	for _, tr := range tf.Triggers {
		s.triggers[tr.ID] = tr
	}
}

// Dir returns the directory the store persists into.
func (s *Store) Dir() string { return s.dir }

// AddCron inserts or replaces a cron job and persists CRONS.json.
func (s *Store) AddCron(job *CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crons[job.ID] = job
	return s.persistCronsLocked()
}

// RemoveCron deletes a cron job and persists CRONS.json.
func (s *Store) RemoveCron(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.crons, id)
	return s.persistCronsLocked()
}

// ListCrons returns a snapshot of all cron jobs.
func (s *Store) ListCrons() []*CronJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CronJob, 0, len(s.crons))
	for _, c := range s.crons {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// UpdateCron mutates the cron job named id via fn and persists CRONS.json.
// fn runs with the store lock held, so it must not call back into Store.
func (s *Store) UpdateCron(id string, fn func(*CronJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crons[id]
	if !ok {
		return fmt.Errorf("cron job %s not found", id)
	}
	fn(c)
	return s.persistCronsLocked()
}

// ToggleCron enables or disables a cron job and clears its breaker
// counters — the documented way to clear a tripped circuit breaker.
func (s *Store) ToggleCron(id string, enabled bool) error {
	return s.UpdateCron(id, func(c *CronJob) {
		c.Enabled = enabled
		c.ConsecutiveFailures = 0
		c.BreakerOpen = false
	})
}

// AddTrigger inserts or replaces a trigger and persists TRIGGERS.json.
func (s *Store) AddTrigger(tr *Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[tr.ID] = tr
	return s.persistTriggersLocked()
}

// RemoveTrigger deletes a trigger and persists TRIGGERS.json.
func (s *Store) RemoveTrigger(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, id)
	return s.persistTriggersLocked()
}

// ListTriggers returns a snapshot of all triggers.
func (s *Store) ListTriggers() []*Trigger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Trigger, 0, len(s.triggers))
	for _, tr := range s.triggers {
		cp := *tr
		out = append(out, &cp)
	}
	return out
}

// UpdateTrigger mutates the trigger named id via fn and persists
// TRIGGERS.json. fn runs with the store lock held.
func (s *Store) UpdateTrigger(id string, fn func(*Trigger)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[id]
	if !ok {
		return fmt.Errorf("trigger %s not found", id)
	}
	fn(tr)
	return s.persistTriggersLocked()
}

// ToggleTrigger enables or disables a trigger and clears its breaker
// counters.
func (s *Store) ToggleTrigger(id string, enabled bool) error {
	return s.UpdateTrigger(id, func(tr *Trigger) {
		tr.Enabled = enabled
		tr.ConsecutiveFailures = 0
		tr.BreakerOpen = false
	})
}
