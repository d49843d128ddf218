// Package progress tracks sessions, tasks and milestones and writes every
// mutation through to disk.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/autopilot/internal/ctxmap"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/metrics"
)

// SessionStartedMilestone is added to every new session, already completed.
const SessionStartedMilestone = "session_started"

// Config holds the tracker settings.
type Config struct {
	Dir         string `json:"dir" yaml:"dir" validate:"required"`
	LoadWorkers int    `json:"load_workers" yaml:"load_workers" validate:"gte=0"`
}

// DefaultConfig returns the stock tracker settings.
func DefaultConfig() Config {
	return Config{
		Dir:         ".autopilot/sessions",
		LoadWorkers: 8,
	}
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(t *Tracker) { t.metrics = m } }

// WithEvents publishes an event for every mutation.
func WithEvents(p events.Publisher) Option { return func(t *Tracker) { t.bus = p } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithIDGenerator overrides the session id generator.
func WithIDGenerator(gen func() string) Option { return func(t *Tracker) { t.newID = gen } }

// WithStore replaces the file store.
func WithStore(s Store) Option { return func(t *Tracker) { t.store = s } }

// Tracker owns the sessions. Mutations of one session are serialized by a
// per-session lock and persisted before the call returns.
type Tracker struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     events.Publisher
	now     func() time.Time
	newID   func() string
	locks   *sessionLocks

	mu       sync.RWMutex
	sessions map[string]*SessionProgress
}

// New creates a tracker backed by a FileStore in cfg.Dir unless WithStore
// is given.
func New(cfg Config, opts ...Option) (*Tracker, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultConfig().Dir
	}
	if cfg.LoadWorkers == 0 {
		cfg.LoadWorkers = DefaultConfig().LoadWorkers
	}
	t := &Tracker{
		logger:   logging.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
		locks:    newSessionLocks(),
		sessions: make(map[string]*SessionProgress),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.store == nil {
		fs, err := NewFileStore(cfg.Dir, cfg.LoadWorkers, t.logger)
		if err != nil {
			return nil, err
		}
		t.store = fs
	}
	return t, nil
}

// validateSessionID rejects ids that cannot be used as a file name.
func validateSessionID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// StartSession creates an in-progress session with a completed
// "session_started" milestone and persists it. A numeric "total_tasks"
// metadata entry declares the expected task count up front.
func (t *Tracker) StartSession(ctx context.Context, planName string, autonomous bool, metadata map[string]any) (*SessionProgress, error) {
	id := t.newID()
	if err := validateSessionID(id); err != nil {
		return nil, err
	}
	now := t.now()
	s := &SessionProgress{
		SessionID:      id,
		PlanName:       planName,
		Status:         SessionInProgress,
		AutonomousMode: autonomous,
		StartedAt:      now,
		Tasks:          make(map[string]*TaskProgress),
		Metrics:        make(map[string]float64),
		Metadata:       copyMap(metadata),
	}
	if total, ok := ctxmap.Float(metadata["total_tasks"]); ok && total > 0 {
		s.TasksTotal = int(total)
	}
	completed := now
	s.Milestones = append(s.Milestones, &Milestone{
		ID:          milestoneID(id, SessionStartedMilestone, 0),
		Name:        SessionStartedMilestone,
		Description: "Session started for plan " + planName,
		Status:      MilestoneCompleted,
		CreatedAt:   now,
		CompletedAt: &completed,
	})

	unlock := t.locks.Lock(id)
	defer unlock()

	t.mu.Lock()
	t.sessions[id] = s
	t.mu.Unlock()

	t.metrics.ObserveSessionStarted()
	t.publish(events.TopicSession, events.SessionStartedEvent{
		SessionID:  id,
		PlanName:   planName,
		Autonomous: autonomous,
		Timestamp:  now,
	})
	t.logger.Info("session started", "session", id, "plan", planName, "autonomous", autonomous)

	snapshot := s.clone()
	return snapshot, t.persist(ctx, snapshot)
}

func milestoneID(sessionID, name string, index int) string {
	return fmt.Sprintf("%s_%s_%d", sessionID, name, index)
}

// UpdateProgress records a task status. The task is created on first sight.
// Terminal statuses set completed_at; completed, failed and error also set
// the duration. Retrying increments the retry count.
func (t *Tracker) UpdateProgress(ctx context.Context, sessionID, taskID string, status TaskStatus, result Result) (*TaskProgress, error) {
	var task TaskProgress
	err := t.mutate(ctx, sessionID, func(s *SessionProgress, now time.Time) error {
		tp, ok := s.Tasks[taskID]
		if !ok {
			tp = &TaskProgress{TaskID: taskID, Status: TaskPending, StartedAt: now}
			s.Tasks[taskID] = tp
		}
		wasCompleted := tp.Status == TaskCompleted

		tp.Status = status
		if result.Output != "" {
			tp.Output = result.Output
		}
		if result.Error != "" {
			tp.Error = result.Error
		}
		if status == TaskRetrying {
			tp.RetryCount++
		}
		if status.Terminal() {
			completed := now
			tp.CompletedAt = &completed
			if status.timed() {
				d := now.Sub(tp.StartedAt).Seconds()
				tp.Duration = &d
			}
		} else {
			tp.CompletedAt = nil
			tp.Duration = nil
		}

		switch {
		case status == TaskCompleted && !wasCompleted:
			s.TasksCompleted++
		case status != TaskCompleted && wasCompleted:
			s.TasksCompleted--
		}
		if len(s.Tasks) > s.TasksTotal {
			s.TasksTotal = len(s.Tasks)
		}

		task = tp.clone()
		t.metrics.ObserveTaskUpdate(status.String())
		t.publish(events.TopicTask, events.TaskProgressEvent{
			SessionID:  sessionID,
			TaskID:     taskID,
			Status:     status.String(),
			RetryCount: tp.RetryCount,
			Completion: s.completion(),
			Timestamp:  now,
		})
		return nil
	})
	if err != nil && task.TaskID == "" {
		return nil, err
	}
	return &task, err
}

// AddMilestone appends a pending milestone with id "{session}_{name}_{index}".
func (t *Tracker) AddMilestone(ctx context.Context, sessionID, name, description string, metadata map[string]any) (*Milestone, error) {
	var added Milestone
	err := t.mutate(ctx, sessionID, func(s *SessionProgress, now time.Time) error {
		m := &Milestone{
			ID:          milestoneID(sessionID, name, len(s.Milestones)),
			Name:        name,
			Description: description,
			Status:      MilestonePending,
			CreatedAt:   now,
			Metadata:    copyMap(metadata),
		}
		s.Milestones = append(s.Milestones, m)
		added = *m
		t.publishMilestone(sessionID, m, now)
		return nil
	})
	if err != nil && added.ID == "" {
		return nil, err
	}
	return &added, err
}

// StartMilestone moves a pending milestone to in_progress.
func (t *Tracker) StartMilestone(ctx context.Context, sessionID, milestoneID string) error {
	return t.transitionMilestone(ctx, sessionID, milestoneID, MilestoneInProgress)
}

// CompleteMilestone marks a milestone completed.
func (t *Tracker) CompleteMilestone(ctx context.Context, sessionID, milestoneID string) error {
	return t.transitionMilestone(ctx, sessionID, milestoneID, MilestoneCompleted)
}

// FinishMilestone ends a milestone as completed, failed or skipped.
func (t *Tracker) FinishMilestone(ctx context.Context, sessionID, milestoneID string, status MilestoneStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: milestone cannot finish as %s", ErrInvalidTransition, status)
	}
	return t.transitionMilestone(ctx, sessionID, milestoneID, status)
}

func (t *Tracker) transitionMilestone(ctx context.Context, sessionID, id string, to MilestoneStatus) error {
	return t.mutate(ctx, sessionID, func(s *SessionProgress, now time.Time) error {
		m := s.milestone(id)
		if m == nil {
			return fmt.Errorf("%w: %s", ErrMilestoneNotFound, id)
		}
		if !allowed(milestoneTransitions, m.Status, to) {
			return fmt.Errorf("%w: milestone %s %s -> %s", ErrInvalidTransition, id, m.Status, to)
		}
		m.Status = to
		if to.Terminal() {
			completed := now
			m.CompletedAt = &completed
		}
		t.publishMilestone(sessionID, m, now)
		return nil
	})
}

func (t *Tracker) publishMilestone(sessionID string, m *Milestone, now time.Time) {
	t.publish(events.TopicMilestone, events.MilestoneEvent{
		SessionID:   sessionID,
		MilestoneID: m.ID,
		Name:        m.Name,
		Status:      m.Status.String(),
		Timestamp:   now,
	})
}

// SetSessionStatus moves a session through its state machine. Terminal
// statuses set completed_at. Setting the current status is a no-op.
func (t *Tracker) SetSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	return t.mutate(ctx, sessionID, func(s *SessionProgress, now time.Time) error {
		if s.Status == status {
			return errUnchanged
		}
		if !allowed(sessionTransitions, s.Status, status) {
			return fmt.Errorf("%w: session %s %s -> %s", ErrInvalidTransition, sessionID, s.Status, status)
		}
		s.Status = status
		if status.Terminal() {
			completed := now
			s.CompletedAt = &completed
		}
		t.metrics.ObserveSessionStatus(status.String())
		t.publish(events.TopicSession, events.SessionStatusEvent{
			SessionID: sessionID,
			Status:    status.String(),
			Timestamp: now,
		})
		t.logger.Info("session status changed", "session", sessionID, "status", status.String())
		return nil
	})
}

// RecordMetric sets a named numeric metric on a session.
func (t *Tracker) RecordMetric(ctx context.Context, sessionID, name string, value float64) error {
	return t.mutate(ctx, sessionID, func(s *SessionProgress, _ time.Time) error {
		s.Metrics[name] = value
		return nil
	})
}

// GetStatus returns a copy of the session with the completion percentage
// computed at read time.
func (t *Tracker) GetStatus(sessionID string) (*SessionProgress, error) {
	unlock := t.locks.Lock(sessionID)
	defer unlock()

	s, err := t.session(sessionID)
	if err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// ListSessions summarizes every session, oldest first.
func (t *Tracker) ListSessions() []Summary {
	t.mu.RLock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		s, err := t.GetStatus(id)
		if err != nil {
			continue // removed concurrently
		}
		out = append(out, Summary{
			SessionID:            s.SessionID,
			PlanName:             s.PlanName,
			Status:               s.Status,
			StartedAt:            s.StartedAt,
			CompletionPercentage: s.CompletionPercentage,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CleanupOldSessions removes terminal sessions that finished before
// now-maxAge, in memory and on disk. It returns the removed ids.
func (t *Tracker) CleanupOldSessions(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := t.now().Add(-maxAge)

	t.mu.RLock()
	var candidates []string
	for id := range t.sessions {
		candidates = append(candidates, id)
	}
	t.mu.RUnlock()
	sort.Strings(candidates)

	var removed []string
	for _, id := range candidates {
		ok, err := t.removeIfExpired(ctx, id, cutoff)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		t.logger.Info("old sessions removed", "count", len(removed), "cutoff", cutoff)
	}
	return removed, nil
}

func (t *Tracker) removeIfExpired(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	s, err := t.session(id)
	if err != nil || !s.Status.Terminal() {
		return false, nil
	}
	finished := s.StartedAt
	if s.CompletedAt != nil {
		finished = *s.CompletedAt
	}
	if !finished.Before(cutoff) {
		return false, nil
	}

	if err := t.store.Delete(ctx, id); err != nil {
		return false, err
	}
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()

	t.publish(events.TopicSession, events.SessionRemovedEvent{SessionID: id, Timestamp: t.now()})
	return true, nil
}

// LoadAllSessions rehydrates every persisted session, replacing any
// in-memory session with the same id. It returns the number loaded.
func (t *Tracker) LoadAllSessions(ctx context.Context) (int, error) {
	loaded, err := t.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load sessions: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range loaded {
		normalize(s)
		t.sessions[s.SessionID] = s
	}
	t.logger.Info("sessions loaded", "count", len(loaded))
	return len(loaded), nil
}

// normalize repairs fields a hand-edited or older file may lack.
func normalize(s *SessionProgress) {
	if s.Tasks == nil {
		s.Tasks = make(map[string]*TaskProgress)
	}
	if s.Metrics == nil {
		s.Metrics = make(map[string]float64)
	}
	completed := 0
	for id, task := range s.Tasks {
		if task.TaskID == "" {
			task.TaskID = id
		}
		if task.Status == TaskCompleted {
			completed++
		}
	}
	s.TasksCompleted = completed
	if s.TasksTotal < len(s.Tasks) {
		s.TasksTotal = len(s.Tasks)
	}
}

func (t *Tracker) session(id string) (*SessionProgress, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// errUnchanged tells mutate to skip persisting.
var errUnchanged = errors.New("unchanged")

// mutate applies fn to a session under its lock and persists the result.
// The in-memory change stands even when persisting fails.
func (t *Tracker) mutate(ctx context.Context, sessionID string, fn func(s *SessionProgress, now time.Time) error) error {
	unlock := t.locks.Lock(sessionID)
	defer unlock()

	s, err := t.session(sessionID)
	if err != nil {
		return err
	}
	if err := fn(s, t.now()); err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}
	return t.persist(ctx, s.clone())
}

func (t *Tracker) persist(ctx context.Context, s *SessionProgress) error {
	start := time.Now()
	err := t.store.Save(ctx, s)
	t.metrics.ObservePersist(time.Since(start), err)
	if err != nil {
		t.logger.Error("failed to persist session", "session", s.SessionID, "error", err)
		return fmt.Errorf("persist session %s: %w", s.SessionID, err)
	}
	return nil
}

func (t *Tracker) publish(topic string, e events.Event) {
	if t.bus != nil {
		t.bus.Publish(topic, e)
	}
}
