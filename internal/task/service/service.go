// Package service implements the task engine: every backlog mutation runs
// under the backlog advisory lock, bumps the version by exactly one, and
// mirrors assignee changes into the agent records.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/masc-dev/masc/internal/common/logger"
	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/task/models"
)

// Notifier receives the side effects of task mutations: a system-origin
// room message and an audit event. The events package provides the real
// implementation; a nil Notifier drops both.
type Notifier interface {
	SystemMessage(ctx context.Context, content string)
	Audit(ctx context.Context, ev room.AuditEvent)
}

// Service is the task engine over one room store.
type Service struct {
	store    *room.Store
	notifier Notifier
	log      *logger.Logger
}

// New creates a task service. notifier may be nil.
func New(store *room.Store, notifier Notifier, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		log:      log.WithFields(zap.String("component", "task_service")),
	}
}

// Spec describes one task to add.
type Spec struct {
	Title       string
	Description string
	Priority    int
	Worktree    string
}

func validateSpec(sp Spec) error {
	if strings.TrimSpace(sp.Title) == "" {
		return room.NewValidationError("task title must not be empty")
	}
	if sp.Priority < 1 || sp.Priority > 5 {
		return room.NewValidationError(
			"priority must be between 1 and 5, got %d", sp.Priority)
	}
	return nil
}

// mutateBacklog runs fn on the backlog document under the backlog lock,
// then bumps the version by one and persists. fn returning an error aborts
// without a version bump.
func (s *Service) mutateBacklog(ctx context.Context, fn func(*models.Backlog) error) (*models.Backlog, error) {
	var out *models.Backlog
	err := s.store.WithLock(ctx, room.BacklogKey, func() error {
		backlog, err := s.loadBacklog(ctx)
		if err != nil {
			return err
		}
		if err := fn(backlog); err != nil {
			return err
		}
		backlog.Version++
		backlog.LastUpdated = time.Now().UTC()
		if err := s.store.PutJSON(ctx, room.BacklogKey, backlog); err != nil {
			return err
		}
		out = backlog
		return nil
	})
	return out, err
}

func (s *Service) loadBacklog(ctx context.Context) (*models.Backlog, error) {
	if !s.store.Initialized(ctx) {
		return nil, room.NewNotInitialized()
	}
	var backlog models.Backlog
	if _, err := s.store.GetJSON(ctx, room.BacklogKey, &backlog); err != nil {
		return nil, err
	}
	return &backlog, nil
}

func (s *Service) loadArchive(ctx context.Context) (*models.Archive, error) {
	var archive models.Archive
	if _, err := s.store.GetJSON(ctx, room.ArchiveKey, &archive); err != nil {
		return nil, err
	}
	return &archive, nil
}

// Add appends one task with the next dense id.
func (s *Service) Add(ctx context.Context, sp Spec) (*models.Task, error) {
	tasks, err := s.AddBatch(ctx, []Spec{sp})
	if err != nil {
		return nil, err
	}
	return &tasks[0], nil
}

// AddBatch adds all specs in one locked transaction with contiguous ids.
// Any invalid spec fails the whole batch before the version is bumped.
func (s *Service) AddBatch(ctx context.Context, specs []Spec) ([]models.Task, error) {
	if len(specs) == 0 {
		return nil, room.NewValidationError("no tasks given")
	}
	for _, sp := range specs {
		if err := validateSpec(sp); err != nil {
			return nil, err
		}
	}
	var added []models.Task
	_, err := s.mutateBacklog(ctx, func(backlog *models.Backlog) error {
		archive, err := s.loadArchive(ctx)
		if err != nil {
			return err
		}
		next := models.NextID(backlog, archive)
		now := time.Now().UTC()
		added = added[:0]
		for i, sp := range specs {
			task := models.Task{
				ID:          models.FormatID(next + i),
				Title:       sp.Title,
				Description: sp.Description,
				Priority:    sp.Priority,
				Status:      models.Status{State: models.StateTodo},
				CreatedAt:   now,
				Worktree:    sp.Worktree,
			}
			backlog.Tasks = append(backlog.Tasks, task)
			added = append(added, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(added))
	for i, t := range added {
		ids[i] = t.ID
	}
	s.audit(ctx, "", "task_add", true, strings.Join(ids, ","))
	return added, nil
}

// List returns the current backlog document.
func (s *Service) List(ctx context.Context) (*models.Backlog, error) {
	return s.loadBacklog(ctx)
}

// Get returns one task by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Task, error) {
	if err := room.ValidateTaskID(id); err != nil {
		return nil, err
	}
	backlog, err := s.loadBacklog(ctx)
	if err != nil {
		return nil, err
	}
	task := backlog.Find(id)
	if task == nil {
		return nil, room.NewTaskNotFound(id)
	}
	copied := *task
	return &copied, nil
}

// TransitionResult reports a completed transition.
type TransitionResult struct {
	Task      models.Task
	PrevState models.StatusState
	Version   int64
}

// Transition applies one state-machine action to a task. expectedVersion,
// when non-nil, is a compare-and-set guard against the backlog version.
func (s *Service) Transition(ctx context.Context, agent, id string, action models.Action, expectedVersion *int64, notes, reason string) (*TransitionResult, error) {
	if err := room.ValidateTaskID(id); err != nil {
		return nil, err
	}
	var res TransitionResult
	_, err := s.mutateBacklog(ctx, func(backlog *models.Backlog) error {
		if expectedVersion != nil && backlog.Version != *expectedVersion {
			return room.NewVersionMismatch(*expectedVersion, backlog.Version)
		}
		task := backlog.Find(id)
		if task == nil {
			return room.NewTaskNotFound(id)
		}
		prev := task.Status.State
		if err := task.Transition(action, agent, time.Now().UTC(), notes, reason); err != nil {
			return err
		}
		res = TransitionResult{Task: *task, PrevState: prev, Version: backlog.Version + 1}
		return nil
	})
	if err != nil {
		s.audit(ctx, agent, "task_"+string(action), false, id)
		return nil, err
	}
	s.mirrorAssignee(ctx, agent, &res.Task, action)
	s.audit(ctx, agent, "task_"+string(action), true, id)
	s.systemMessage(ctx, fmt.Sprintf("%s %s %s → %s by %s",
		StatusEmoji(res.Task.Status.State), id, res.PrevState, res.Task.Status.State, agent))
	return &res, nil
}

// ClaimNext claims the best unclaimed task for agent: lowest effective
// priority first, oldest first within a tie. A nil result with nil error
// means nothing is claimable; the version is untouched.
func (s *Service) ClaimNext(ctx context.Context, agent string) (*TransitionResult, error) {
	var res *TransitionResult
	now := time.Now().UTC()
	_, err := s.mutateBacklog(ctx, func(backlog *models.Backlog) error {
		var best *models.Task
		for i := range backlog.Tasks {
			t := &backlog.Tasks[i]
			if t.Status.State != models.StateTodo {
				continue
			}
			if best == nil || better(t, best, now) {
				best = t
			}
		}
		if best == nil {
			return errNothingToClaim
		}
		if err := best.Transition(models.ActionClaim, agent, now, "", ""); err != nil {
			return err
		}
		res = &TransitionResult{Task: *best, PrevState: models.StateTodo, Version: backlog.Version + 1}
		return nil
	})
	if err == errNothingToClaim {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.mirrorAssignee(ctx, agent, &res.Task, models.ActionClaim)
	s.audit(ctx, agent, "task_claim", true, res.Task.ID)
	s.systemMessage(ctx, fmt.Sprintf("✅ %s todo → claimed by %s", res.Task.ID, agent))
	return res, nil
}

// errNothingToClaim is internal: it aborts the mutate before a version bump.
var errNothingToClaim = room.NewValidationError("nothing to claim")

func better(a, b *models.Task, now time.Time) bool {
	pa, pb := a.EffectivePriority(now), b.EffectivePriority(now)
	if pa != pb {
		return pa < pb
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// MyTask returns the task currently assigned to agent, or nil.
func (s *Service) MyTask(ctx context.Context, agent string) (*models.Task, error) {
	backlog, err := s.loadBacklog(ctx)
	if err != nil {
		return nil, err
	}
	for i := range backlog.Tasks {
		t := backlog.Tasks[i]
		if t.Status.Open() && t.Status.Assignee == agent {
			return &t, nil
		}
	}
	return nil, nil
}

// GCReport summarizes one garbage-collection pass.
type GCReport struct {
	ArchivedTasks   int `json:"archived_tasks"`
	RemovedMessages int `json:"removed_messages"`
	RemovedAgents   int `json:"removed_agents"`
	RemovedCache    int `json:"removed_cache"`
	RemovedPubSub   int `json:"removed_pubsub"`
}

// GC archives stale tasks, prunes old messages (preserving any that mention
// a still-open task), removes zombie agents, and cleans expired cache and
// pub/sub spool entries.
func (s *Service) GC(ctx context.Context, days int, zombieThreshold time.Duration) (*GCReport, error) {
	if days <= 0 {
		return nil, room.NewValidationError("gc days must be positive, got %d", days)
	}
	report := &GCReport{}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	// Archive pass. Tasks older than the cutoff that are not done move to
	// the archive; archived ids keep counting toward the next task number.
	var archived []models.Task
	_, err := s.mutateBacklog(ctx, func(backlog *models.Backlog) error {
		archived = archived[:0]
		kept := backlog.Tasks[:0]
		for _, t := range backlog.Tasks {
			if t.CreatedAt.Before(cutoff) && t.Status.State != models.StateDone {
				archived = append(archived, t)
				continue
			}
			kept = append(kept, t)
		}
		if len(archived) == 0 {
			return errNothingToClaim // abort without a version bump
		}
		backlog.Tasks = kept
		return s.store.WithLock(ctx, room.ArchiveKey, func() error {
			archive, err := s.loadArchive(ctx)
			if err != nil {
				return err
			}
			archive.Tasks = append(archive.Tasks, archived...)
			return s.store.PutJSON(ctx, room.ArchiveKey, archive)
		})
	})
	if err != nil && err != errNothingToClaim {
		return nil, err
	}
	report.ArchivedTasks = len(archived)

	// Message pass. Messages naming a still-open task survive any age.
	backlog, err := s.loadBacklog(ctx)
	if err != nil {
		return nil, err
	}
	openIDs := make([]string, 0, len(backlog.Tasks))
	for _, t := range backlog.Tasks {
		if t.Status.Open() {
			openIDs = append(openIDs, t.ID)
		}
	}
	removed, err := s.store.CleanupMessages(ctx, cutoff, func(m room.Message) bool {
		for _, id := range openIDs {
			if strings.Contains(m.Content, id) {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	report.RemovedMessages = removed

	// Zombie agents.
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, a := range agents {
		if a.Zombie(now, zombieThreshold) {
			if err := s.store.DeleteAgent(ctx, a.Name); err == nil {
				report.RemovedAgents++
				_, _ = s.store.MutateState(ctx, func(st *room.State) error {
					st.RemoveAgent(a.Name)
					return nil
				})
			}
		}
	}

	// Cache and pub/sub spool.
	if n, err := s.store.CleanupCache(ctx); err == nil {
		report.RemovedCache = n
	}
	if n, err := s.store.Backend().CleanupPubSub(ctx, time.Duration(days)*24*time.Hour, 1000); err == nil {
		report.RemovedPubSub = n
	}

	s.audit(ctx, "", "gc", true, fmt.Sprintf("archived=%d messages=%d agents=%d",
		report.ArchivedTasks, report.RemovedMessages, report.RemovedAgents))
	return report, nil
}

// mirrorAssignee reflects a transition into the agent record: claim/start
// set current_task and busy; release/done/cancel clear them.
func (s *Service) mirrorAssignee(ctx context.Context, agent string, task *models.Task, action models.Action) {
	_, err := s.store.MutateAgent(ctx, agent, func(a *room.Agent) error {
		switch action {
		case models.ActionClaim, models.ActionStart:
			a.CurrentTask = task.ID
			a.Status = room.AgentBusy
		case models.ActionRelease, models.ActionDone, models.ActionCancel:
			if a.CurrentTask == task.ID {
				a.CurrentTask = ""
				a.Status = room.AgentActive
			}
		}
		a.LastSeen = time.Now().UTC()
		return nil
	})
	if err != nil && room.KindOf(err) != room.KindAgentNotFound {
		s.log.Warn("agent mirror failed", zap.String("agent", agent), zap.Error(err))
	}
}

func (s *Service) systemMessage(ctx context.Context, content string) {
	if s.notifier != nil {
		s.notifier.SystemMessage(ctx, content)
	}
}

func (s *Service) audit(ctx context.Context, agent, eventType string, success bool, detail string) {
	if s.notifier != nil {
		s.notifier.Audit(ctx, room.AuditEvent{
			Timestamp: time.Now().UTC(),
			Agent:     agent,
			EventType: eventType,
			Success:   success,
			Detail:    detail,
		})
	}
}

// StatusEmoji is the marker prefixed to transition announcements.
func StatusEmoji(state models.StatusState) string {
	switch state {
	case models.StateClaimed:
		return "✅"
	case models.StateInProgress:
		return "🔨"
	case models.StateDone:
		return "🎉"
	case models.StateCancelled:
		return "🚫"
	default:
		return "↩️"
	}
}
