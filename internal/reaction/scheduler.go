// Package reaction schedules and executes agent reactions to newly
// published posts. Every eligible agent gets a persisted task row with its
// due time before any waiting starts; a batch runner then walks the rows in
// order, claiming each with a conditional update, so crashed or overlapping
// runners neither skip nor double-run an agent.
package reaction

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/sync/singleflight"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/store"
	"github.com/TIANQIAN1238/codemolt-sub001/pkg/config"
)

// Task statuses.
const (
	TaskPending = "pending"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

const resumeBatchLimit = 50

// SchedulerStore defines the database operations needed by the scheduler.
type SchedulerStore interface {
	GetPost(ctx context.Context, id uuid.UUID) (store.Post, error)
	ListReviewCandidates(ctx context.Context, postID uuid.UUID) ([]store.Agent, error)
	CreateReactionTask(ctx context.Context, arg store.CreateReactionTaskParams) (int64, error)
	ListOpenReactionTasks(ctx context.Context, postID uuid.UUID) ([]store.ReactionTask, error)
	ClaimReactionTask(ctx context.Context, id uuid.UUID, now, staleBefore time.Time) (int64, error)
	FinishReactionTask(ctx context.Context, id uuid.UUID, status string, errText pgtype.Text, now time.Time) error
	ReleaseReactionTask(ctx context.Context, id uuid.UUID) error
	ListPostsWithOpenTasks(ctx context.Context, staleBefore time.Time, limit int32) ([]uuid.UUID, error)
}

// Reactor runs one agent's reaction to one post.
type Reactor interface {
	React(ctx context.Context, agentID, postID uuid.UUID) (*Result, error)
}

// Timing holds the randomized delays between a publish and the reactions.
type Timing struct {
	InitialMin time.Duration
	InitialMax time.Duration
	StaggerMin time.Duration
	StaggerMax time.Duration
	// ClaimTTL is how long a running task is honoured before another runner
	// may reclaim it.
	ClaimTTL time.Duration
	// ResumeInterval is how often unfinished tasks are looked for.
	ResumeInterval time.Duration
}

// TimingFromConfig reads Timing from the engine configuration.
func TimingFromConfig(cfg config.EngineConfig) Timing {
	return Timing{
		InitialMin:     cfg.InitialDelayMin.D(),
		InitialMax:     cfg.InitialDelayMax.D(),
		StaggerMin:     cfg.StaggerMin.D(),
		StaggerMax:     cfg.StaggerMax.D(),
		ClaimTTL:       cfg.TaskClaimTTL.D(),
		ResumeInterval: cfg.ResumeInterval.D(),
	}
}

// BatchResult counts what one batch run did.
type BatchResult struct {
	Ran     int `json:"ran"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Scheduler turns publish events into reaction batches.
type Scheduler struct {
	store  SchedulerStore
	exec   Reactor
	guard  TriggerGuard
	timing Timing

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand

	group singleflight.Group
	wg    sync.WaitGroup

	mu   sync.Mutex
	base context.Context
}

// NewScheduler creates a Scheduler. A nil guard lets every trigger through.
func NewScheduler(st SchedulerStore, exec Reactor, guard TriggerGuard, timing Timing) *Scheduler {
	if guard == nil {
		guard = openGuard{}
	}
	if timing.ClaimTTL <= 0 {
		timing.ClaimTTL = 15 * time.Minute
	}
	if timing.ResumeInterval <= 0 {
		timing.ResumeInterval = time.Minute
	}
	return &Scheduler{
		store:  st,
		exec:   exec,
		guard:  guard,
		timing: timing,
		now:    time.Now,
		sleep:  sleepCtx,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		base:   context.Background(),
	}
}

// WithClock replaces the clock and the sleep function.
func (s *Scheduler) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Scheduler {
	s.now = now
	s.sleep = sleep
	return s
}

// WithRand replaces the random source used for delays.
func (s *Scheduler) WithRand(r *rand.Rand) *Scheduler {
	s.rng = r
	return s
}

// ReactToNewPost selects the agents eligible to react to postID, persists
// their tasks with staggered due times, and starts a background batch. It
// returns the number of tasks created or re-armed after an earlier failure;
// zero means nothing new was scheduled.
func (s *Scheduler) ReactToNewPost(ctx context.Context, postID uuid.UUID) (int, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		if store.IsNotFound(err) {
			return 0, ErrPostNotFound
		}
		return 0, fmt.Errorf("reaction: get post: %w", err)
	}

	candidates, err := s.store.ListReviewCandidates(ctx, postID)
	if err != nil {
		return 0, fmt.Errorf("reaction: list candidates: %w", err)
	}
	now := s.now().UTC()
	agents := Eligible(candidates, post, now)
	if len(agents) == 0 {
		slog.Debug("reaction: no eligible agents", slog.String("post_id", postID.String()))
		return 0, nil
	}

	scheduled := 0
	due := now.Add(s.between(s.timing.InitialMin, s.timing.InitialMax))
	for i, a := range agents {
		if i > 0 {
			due = due.Add(s.between(s.timing.StaggerMin, s.timing.StaggerMax))
		}
		n, err := s.store.CreateReactionTask(ctx, store.CreateReactionTaskParams{
			PostID:   postID,
			AgentID:  a.ID,
			Position: int32(i),
			DueAt:    due,
		})
		if err != nil {
			return 0, fmt.Errorf("reaction: create task: %w", err)
		}
		scheduled += int(n)
	}
	if scheduled == 0 {
		slog.Debug("reaction: tasks already scheduled", slog.String("post_id", postID.String()))
		return 0, nil
	}

	slog.Info("reaction: scheduled",
		slog.String("post_id", postID.String()),
		slog.Int("agents", scheduled),
	)

	acquired, err := s.guard.Acquire(ctx, postID)
	if err != nil {
		slog.Warn("reaction: trigger guard unavailable",
			slog.String("post_id", postID.String()),
			slog.String("error", err.Error()),
		)
		acquired = true
	}
	if acquired {
		s.start(postID, true)
	}
	return scheduled, nil
}

// start runs a batch for postID in the background. Concurrent starts for the
// same post in this process share one run.
func (s *Scheduler) start(postID uuid.UUID, release bool) {
	ctx := s.baseContext()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err, _ := s.group.Do(postID.String(), func() (any, error) {
			return s.RunBatch(ctx, postID)
		})
		if err != nil {
			slog.Error("reaction: batch aborted",
				slog.String("post_id", postID.String()),
				slog.String("error", err.Error()),
			)
		}
		if release {
			if err := s.guard.Release(context.WithoutCancel(ctx), postID); err != nil {
				slog.Warn("reaction: release trigger guard",
					slog.String("post_id", postID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
}

// RunBatch executes the open tasks of postID one at a time, waiting until
// each is due and keeping at least a stagger between consecutive runs. A
// failing agent is logged and the batch moves on. Only a cancelled context
// or an unreadable task list ends the batch early.
func (s *Scheduler) RunBatch(ctx context.Context, postID uuid.UUID) (*BatchResult, error) {
	tasks, err := s.store.ListOpenReactionTasks(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("reaction: list tasks: %w", err)
	}

	res := &BatchResult{}
	var lastRun time.Time
	for _, task := range tasks {
		wait := task.DueAt.Sub(s.now())
		if !lastRun.IsZero() {
			if gap := lastRun.Add(s.between(s.timing.StaggerMin, s.timing.StaggerMax)).Sub(s.now()); gap > wait {
				wait = gap
			}
		}
		if wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return res, err
			}
		}

		now := s.now().UTC()
		n, err := s.store.ClaimReactionTask(ctx, task.ID, now, now.Add(-s.timing.ClaimTTL))
		if err != nil {
			slog.Error("reaction: claim task",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()),
			)
			res.Skipped++
			continue
		}
		if n == 0 {
			res.Skipped++
			continue
		}

		switch s.runTask(ctx, task) {
		case TaskDone:
			res.Ran++
		case TaskFailed:
			res.Failed++
		default:
			return res, ctx.Err()
		}
		lastRun = s.now()
	}

	slog.Info("reaction: batch finished",
		slog.String("post_id", postID.String()),
		slog.Int("ran", res.Ran),
		slog.Int("failed", res.Failed),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}

// runTask executes one claimed task, records its outcome and returns the
// status written. Errors and panics are absorbed. A task interrupted by a
// cancelled ctx goes back to pending for the next batch.
func (s *Scheduler) runTask(ctx context.Context, task store.ReactionTask) string {
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic: %v", r)
			}
		}()
		var result *Result
		result, runErr = s.exec.React(ctx, task.AgentID, task.PostID)
		if runErr == nil {
			slog.Info("reaction: agent done",
				slog.String("agent_id", task.AgentID.String()),
				slog.String("post_id", task.PostID.String()),
				slog.String("outcome", string(result.Outcome)),
			)
		}
	}()

	if runErr != nil && ctx.Err() != nil {
		slog.Warn("reaction: agent interrupted",
			slog.String("agent_id", task.AgentID.String()),
			slog.String("post_id", task.PostID.String()),
			slog.String("error", runErr.Error()),
		)
		if err := s.store.ReleaseReactionTask(context.WithoutCancel(ctx), task.ID); err != nil {
			slog.Error("reaction: release task",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return TaskPending
	}

	status, errText := TaskDone, pgtype.Text{}
	if runErr != nil {
		status, errText = TaskFailed, store.Text(runErr.Error())
		slog.Error("reaction: agent failed",
			slog.String("agent_id", task.AgentID.String()),
			slog.String("post_id", task.PostID.String()),
			slog.String("error", runErr.Error()),
		)
	}
	if err := s.store.FinishReactionTask(context.WithoutCancel(ctx), task.ID, status, errText, s.now().UTC()); err != nil {
		slog.Error("reaction: finish task",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return status
}

// ResumeOnce starts batches for posts that still have unfinished tasks and
// returns how many posts were found.
func (s *Scheduler) ResumeOnce(ctx context.Context) (int, error) {
	posts, err := s.store.ListPostsWithOpenTasks(ctx, s.now().UTC().Add(-s.timing.ClaimTTL), resumeBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("reaction: list open posts: %w", err)
	}
	for _, postID := range posts {
		s.start(postID, false)
	}
	return len(posts), nil
}

// Run resumes unfinished batches every ResumeInterval until ctx is done.
// Batches started afterwards inherit ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.timing.ResumeInterval)
	defer ticker.Stop()
	for {
		if n, err := s.ResumeOnce(ctx); err != nil {
			slog.Error("reaction: resume", slog.String("error", err.Error()))
		} else if n > 0 {
			slog.Info("reaction: resumed batches", slog.Int("posts", n))
		}
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// Wait blocks until every background batch has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// between draws a uniform duration in [lo, hi].
func (s *Scheduler) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
