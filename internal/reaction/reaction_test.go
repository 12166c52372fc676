package reaction

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/ledger"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/llm"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/persona"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/store"
	"github.com/TIANQIAN1238/codemolt-sub001/pkg/config"
)

// --- in-memory database ---

type reviewKey struct{ post, agent uuid.UUID }
type voteKey struct{ user, post uuid.UUID }

type memDB struct {
	mu            sync.Mutex
	agents        map[uuid.UUID]*store.Agent
	posts         map[uuid.UUID]*store.Post
	credit        map[uuid.UUID]int64
	reviews       map[reviewKey]store.SaveReviewParams
	votes         map[voteKey]int16
	comments      []store.Comment
	activities    []store.CreateActivityParams
	notifications []store.CreateNotificationParams
	tasks         []*store.ReactionTask
	budgetWrites  int
}

func newMemDB() *memDB {
	return &memDB{
		agents:  map[uuid.UUID]*store.Agent{},
		posts:   map[uuid.UUID]*store.Post{},
		credit:  map[uuid.UUID]int64{},
		reviews: map[reviewKey]store.SaveReviewParams{},
		votes:   map[voteKey]int16{},
	}
}

func (m *memDB) addAgent(name string, confidence float64) *store.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &store.Agent{
		ID: uuid.New(), UserID: uuid.New(), Name: name, Enabled: true, Activated: true,
		DailyTokenLimit: 1000, DailyResetDay: pgtype.Date{Time: today, Valid: true},
		PersonaWarmth: 50, PersonaHumor: 50, PersonaDirectness: 50, PersonaDepth: 50, PersonaChallenge: 50,
		PersonaMode: persona.ModeShadow, PersonaConfidence: confidence,
		CreatedAt: time.Unix(int64(len(m.agents)), 0),
	}
	m.agents[a.ID] = a
	return a
}

func (m *memDB) addPost(author *store.Agent) *store.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &store.Post{ID: uuid.New(), AgentID: author.ID, UserID: author.UserID, Title: "Structured logging in Go", Content: "slog is nice"}
	m.posts[p.ID] = p
	return p
}

func (m *memDB) GetAgent(_ context.Context, id uuid.UUID) (store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return store.Agent{}, pgx.ErrNoRows
	}
	return *a, nil
}

func (m *memDB) GetPost(_ context.Context, id uuid.UUID) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return store.Post{}, pgx.ErrNoRows
	}
	return *p, nil
}

func (m *memDB) ListReviewCandidates(_ context.Context, postID uuid.UUID) ([]store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Agent
	for _, a := range m.agents {
		if !a.Enabled || !a.Activated || a.PausedReason.Valid {
			continue
		}
		if _, ok := m.reviews[reviewKey{postID, a.ID}]; ok {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memDB) HasReview(_ context.Context, postID, agentID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reviews[reviewKey{postID, agentID}]
	return ok, nil
}

func (m *memDB) ResetAgentDailyTokens(_ context.Context, id uuid.UUID, day time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.agents[id]
	a.DailyTokensUsed = 0
	a.DailyResetDay = pgtype.Date{Time: day, Valid: true}
	m.budgetWrites++
	return nil
}

func (m *memDB) AddAgentDailyTokens(_ context.Context, id uuid.UUID, tokens int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[id].DailyTokensUsed += tokens
	return nil
}

func (m *memDB) GetUserCredit(_ context.Context, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credit[id], nil
}

func (m *memDB) ReserveCredit(_ context.Context, id uuid.UUID, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.credit[id] < amount {
		return 0, nil
	}
	m.credit[id] -= amount
	return 1, nil
}

func (m *memDB) RefundCredit(_ context.Context, id uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit[id] += amount
	return nil
}

func (m *memDB) ListTeamPeers(context.Context, store.ListTeamPeersParams) ([]store.Agent, error) {
	return nil, nil
}

func (m *memDB) CreateComment(_ context.Context, arg store.CreateCommentParams) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := store.Comment{ID: uuid.New(), PostID: arg.PostID, AgentID: arg.AgentID, UserID: arg.UserID, Content: arg.Content}
	m.comments = append(m.comments, c)
	return c, nil
}

func (m *memDB) CreateActivity(_ context.Context, arg store.CreateActivityParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = append(m.activities, arg)
	return nil
}

func (m *memDB) CreateNotification(_ context.Context, arg store.CreateNotificationParams) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, arg)
	return uuid.New(), nil
}

func (m *memDB) ApplyVote(_ context.Context, arg store.ApplyVoteParams) (store.VoteChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := voteKey{arg.UserID, arg.PostID}
	change := store.VoteTransition(m.votes[k], arg.Value)
	if arg.Value == 0 {
		delete(m.votes, k)
	} else {
		m.votes[k] = arg.Value
	}
	p := m.posts[arg.PostID]
	p.Upvotes += change.UpDelta
	p.Downvotes += change.DownDelta
	return change, nil
}

func (m *memDB) SaveReview(_ context.Context, arg store.SaveReviewParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := reviewKey{arg.PostID, arg.AgentID}
	if _, ok := m.reviews[k]; ok {
		return false, nil
	}
	m.reviews[k] = arg
	p := m.posts[arg.PostID]
	p.ReviewCount++
	if arg.IsSpam {
		p.SpamVotes++
	}
	return true, nil
}

func (m *memDB) CreateReactionTask(_ context.Context, arg store.CreateReactionTaskParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.PostID == arg.PostID && t.AgentID == arg.AgentID {
			if t.Status != TaskFailed {
				return 0, nil
			}
			t.Status, t.Position, t.DueAt = TaskPending, arg.Position, arg.DueAt
			t.ClaimedAt, t.FinishedAt, t.Error = pgtype.Timestamptz{}, pgtype.Timestamptz{}, pgtype.Text{}
			return 1, nil
		}
	}
	m.tasks = append(m.tasks, &store.ReactionTask{
		ID: uuid.New(), PostID: arg.PostID, AgentID: arg.AgentID, Position: arg.Position, DueAt: arg.DueAt, Status: TaskPending,
	})
	return 1, nil
}

func (m *memDB) ListOpenReactionTasks(_ context.Context, postID uuid.UUID) ([]store.ReactionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ReactionTask
	for _, t := range m.tasks {
		if t.PostID == postID && (t.Status == TaskPending || t.Status == TaskRunning) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memDB) ClaimReactionTask(_ context.Context, id uuid.UUID, now, staleBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID != id {
			continue
		}
		if t.Status == TaskPending || (t.Status == TaskRunning && t.ClaimedAt.Time.Before(staleBefore)) {
			t.Status = TaskRunning
			t.ClaimedAt = pgtype.Timestamptz{Time: now, Valid: true}
			t.Attempts++
			return 1, nil
		}
	}
	return 0, nil
}

func (m *memDB) FinishReactionTask(_ context.Context, id uuid.UUID, status string, errText pgtype.Text, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id {
			t.Status, t.Error = status, errText
			t.FinishedAt = pgtype.Timestamptz{Time: now, Valid: true}
		}
	}
	return nil
}

func (m *memDB) ReleaseReactionTask(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id && t.Status == TaskRunning {
			t.Status, t.ClaimedAt = TaskPending, pgtype.Timestamptz{}
		}
	}
	return nil
}

func (m *memDB) ListPostsWithOpenTasks(_ context.Context, staleBefore time.Time, limit int32) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, t := range m.tasks {
		open := t.Status == TaskPending || (t.Status == TaskRunning && t.ClaimedAt.Time.Before(staleBefore))
		if open && !seen[t.PostID] && len(out) < int(limit) {
			seen[t.PostID] = true
			out = append(out, t.PostID)
		}
	}
	return out, nil
}

func (m *memDB) reviewCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reviews)
}

// --- collaborators ---

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

var today = time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)

func newFakeClock() *fakeClock { return &fakeClock{t: today.Add(9 * time.Hour)} }

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

type fixedResolver struct{ p *llm.Provider }

func (f fixedResolver) Resolve(context.Context, uuid.UUID) (*llm.Provider, error) { return f.p, nil }

// scriptedLLM answers with reply(call number, user prompt).
type scriptedLLM struct {
	mu    sync.Mutex
	calls int
	reply func(n int, user string) (string, error)
}

func (s *scriptedLLM) Complete(_ context.Context, _ llm.Provider, _, user string) (*llm.Completion, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	text, err := s.reply(n, user)
	if err != nil {
		return nil, err
	}
	return &llm.Completion{Text: text, Usage: llm.TokenUsage{TotalTokens: 120}}, nil
}

func postIDFrom(user string) string {
	i := strings.Index(user, "post_id: ")
	return user[i+9 : i+9+36]
}

func decide(body string) func(int, string) (string, error) {
	return func(_ int, user string) (string, error) {
		return `{"decisions":[{"post_id":"` + postIDFrom(user) + `",` + body + `}]}`, nil
	}
}

type fakePersona struct {
	db      *memDB
	mu      sync.Mutex
	signals []persona.Signal
	recomp  int
}

func (f *fakePersona) ShouldTakeover(ctx context.Context, agentID uuid.UUID) (bool, error) {
	a, err := f.db.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	return persona.Takeover(a.PersonaConfidence), nil
}

func (f *fakePersona) RecordSignal(_ context.Context, s persona.Signal) (store.PersonaSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, s)
	return store.PersonaSignal{}, nil
}

func (f *fakePersona) RecomputeConfidence(context.Context, uuid.UUID) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recomp++
	return 0.4, nil
}

type noRules struct{}

func (noRules) ListTopRules(context.Context, uuid.UUID, string, int) ([]string, error) {
	return nil, nil
}

type harness struct {
	db      *memDB
	clock   *fakeClock
	model   *scriptedLLM
	persona *fakePersona
	exec    *Executor
	sched   *Scheduler
}

var llmCfg = config.LLMConfig{MaxTokens: 2000, CostPer1KCents: 1}

func newHarness(p *llm.Provider, reply func(int, string) (string, error)) *harness {
	db := newMemDB()
	clk := newFakeClock()
	model := &scriptedLLM{reply: reply}
	fp := &fakePersona{db: db}
	exec := NewExecutor(db, fixedResolver{p}, model, fp, noRules{}, ledger.New(db), llmCfg).WithClock(clk.now)
	sched := NewScheduler(db, exec, nil, Timing{
		InitialMin: 30 * time.Second, InitialMax: 60 * time.Second,
		StaggerMin: 15 * time.Second, StaggerMax: 30 * time.Second,
	}).WithClock(clk.now, clk.sleep).WithRand(rand.New(rand.NewSource(7)))
	return &harness{db: db, clock: clk, model: model, persona: fp, exec: exec, sched: sched}
}

var ownKey = &llm.Provider{APIKey: "sk-own"}

// --- eligibility ---

func TestEligibilityRules(t *testing.T) {
	now := today.Add(12 * time.Hour)
	author := store.Agent{ID: uuid.New(), UserID: uuid.New()}
	post := store.Post{ID: uuid.New(), AgentID: author.ID, UserID: author.UserID}
	ok := func() store.Agent { return store.Agent{ID: uuid.New(), UserID: uuid.New(), Enabled: true, Activated: true} }

	cases := []struct {
		name   string
		mutate func(a *store.Agent)
		want   string
	}{
		{"eligible", func(*store.Agent) {}, ""},
		{"disabled", func(a *store.Agent) { a.Enabled = false }, "disabled"},
		{"not activated", func(a *store.Agent) { a.Activated = false }, "not_activated"},
		{"paused", func(a *store.Agent) { a.PausedReason = store.Text("billing") }, "paused"},
		{"author", func(a *store.Agent) { a.ID = author.ID }, "author"},
		{"same owner", func(a *store.Agent) { a.UserID = author.UserID }, "same_owner"},
		{"locked", func(a *store.Agent) { a.LockedUntil = pgtype.Timestamptz{Time: now.Add(time.Minute), Valid: true} }, "locked"},
		{"lock expired", func(a *store.Agent) { a.LockedUntil = pgtype.Timestamptz{Time: now.Add(-time.Minute), Valid: true} }, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := ok()
			tc.mutate(&a)
			if got := Ineligible(a, post, now); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

// --- scheduler ---

func TestReactToNewPostEndToEnd(t *testing.T) {
	h := newHarness(ownKey, decide(`"vote":1,"comment":"Good point about handlers."`))
	x := h.db.addAgent("x", 0.9)
	y := h.db.addAgent("y", 0.9)
	post := h.db.addPost(x)
	ctx := context.Background()

	n, err := h.sched.ReactToNewPost(ctx, post.ID)
	if err != nil || n != 1 {
		t.Fatalf("expected one agent selected, got %d, %v", n, err)
	}
	h.sched.Wait()

	if h.db.reviewCount() != 1 {
		t.Fatalf("expected one review, got %d", h.db.reviewCount())
	}
	if _, ok := h.db.reviews[reviewKey{post.ID, y.ID}]; !ok {
		t.Fatal("review (P, Y) missing")
	}
	if d := h.clock.sleeps[0]; d < 30*time.Second || d > 60*time.Second {
		t.Fatalf("initial delay %v outside 30-60s", d)
	}
	if h.model.calls != 1 {
		t.Fatalf("expected one completion, got %d", h.model.calls)
	}
	if post.Upvotes != 1 || post.ReviewCount != 1 || len(h.db.comments) != 1 {
		t.Fatalf("unexpected post state %+v comments=%d", post, len(h.db.comments))
	}
	if h.db.agents[y.ID].DailyTokensUsed != 120 {
		t.Fatalf("expected 120 tokens used, got %d", h.db.agents[y.ID].DailyTokensUsed)
	}

	n, err = h.sched.ReactToNewPost(ctx, post.ID)
	if err != nil || n != 0 {
		t.Fatalf("expected zero agents on second call, got %d, %v", n, err)
	}
}

func TestBatchContinuesAfterAgentFailure(t *testing.T) {
	h := newHarness(ownKey, func(n int, user string) (string, error) {
		if n == 2 {
			return "", errors.New("upstream 502")
		}
		return decide(`"vote":-1`)(n, user)
	})
	author := h.db.addAgent("author", 0.9)
	a1 := h.db.addAgent("a1", 0.9)
	a2 := h.db.addAgent("a2", 0.9)
	a3 := h.db.addAgent("a3", 0.9)
	post := h.db.addPost(author)

	if _, err := h.sched.ReactToNewPost(context.Background(), post.ID); err != nil {
		t.Fatalf("react: %v", err)
	}
	h.sched.Wait()

	for _, a := range []*store.Agent{a1, a3} {
		if _, ok := h.db.reviews[reviewKey{post.ID, a.ID}]; !ok {
			t.Fatalf("agent %s should have reviewed", a.Name)
		}
	}
	if _, ok := h.db.reviews[reviewKey{post.ID, a2.ID}]; ok {
		t.Fatal("failed agent must not have a review")
	}
	statuses := map[uuid.UUID]string{}
	for _, task := range h.db.tasks {
		statuses[task.AgentID] = task.Status
	}
	if statuses[a1.ID] != TaskDone || statuses[a2.ID] != TaskFailed || statuses[a3.ID] != TaskDone {
		t.Fatalf("unexpected task statuses %v", statuses)
	}
	// initial delay, then one stagger per following agent
	if len(h.clock.sleeps) != 3 {
		t.Fatalf("expected 3 waits, got %v", h.clock.sleeps)
	}
	for _, d := range h.clock.sleeps[1:] {
		if d < 15*time.Second || d > 30*time.Second {
			t.Fatalf("stagger %v outside 15-30s", d)
		}
	}
}

func TestFailedTaskRearmedByLaterPublish(t *testing.T) {
	var down sync.Mutex
	failing := true
	h := newHarness(ownKey, func(n int, user string) (string, error) {
		down.Lock()
		defer down.Unlock()
		if failing {
			return "", errors.New("upstream 502")
		}
		return decide(`"vote":1`)(n, user)
	})
	author := h.db.addAgent("author", 0.9)
	r := h.db.addAgent("r", 0.9)
	post := h.db.addPost(author)
	ctx := context.Background()

	if n, err := h.sched.ReactToNewPost(ctx, post.ID); err != nil || n != 1 {
		t.Fatalf("expected one task, got %d, %v", n, err)
	}
	h.sched.Wait()
	if h.db.tasks[0].Status != TaskFailed {
		t.Fatalf("expected failed task, got %s", h.db.tasks[0].Status)
	}

	down.Lock()
	failing = false
	down.Unlock()
	if n, err := h.sched.ReactToNewPost(ctx, post.ID); err != nil || n != 1 {
		t.Fatalf("expected the failed task to be re-armed, got %d, %v", n, err)
	}
	h.sched.Wait()
	if h.model.calls != 2 {
		t.Fatalf("expected a second completion, got %d", h.model.calls)
	}
	if _, ok := h.db.reviews[reviewKey{post.ID, r.ID}]; !ok {
		t.Fatal("review missing after retry")
	}
	if len(h.db.tasks) != 1 || h.db.tasks[0].Status != TaskDone || h.db.tasks[0].Attempts != 2 {
		t.Fatalf("unexpected task %+v", h.db.tasks[0])
	}
}

func TestPendingTaskNotCountedTwice(t *testing.T) {
	h := newHarness(ownKey, decide(`"vote":1`))
	author := h.db.addAgent("author", 0.9)
	h.db.addAgent("r", 0.9)
	post := h.db.addPost(author)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.sched.mu.Lock()
	h.sched.base = ctx
	h.sched.mu.Unlock()

	if n, _ := h.sched.ReactToNewPost(context.Background(), post.ID); n != 1 {
		t.Fatalf("expected one task, got %d", n)
	}
	h.sched.Wait()
	if n, err := h.sched.ReactToNewPost(context.Background(), post.ID); err != nil || n != 0 {
		t.Fatalf("pending task must not be scheduled again, got %d, %v", n, err)
	}
	h.sched.Wait()
	if len(h.db.tasks) != 1 || h.db.tasks[0].Status != TaskPending {
		t.Fatalf("unexpected tasks %+v", h.db.tasks)
	}
}

// cancellingReactor cancels the batch context while the reaction runs.
type cancellingReactor struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingReactor) React(ctx context.Context, _, _ uuid.UUID) (*Result, error) {
	c.calls++
	c.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelledBatchLeavesTaskPending(t *testing.T) {
	h := newHarness(ownKey, decide(`"vote":1`))
	author := h.db.addAgent("author", 0.9)
	post := h.db.addPost(author)
	bg := context.Background()
	for i := 0; i < 2; i++ {
		a := h.db.addAgent("r", 0.9)
		h.db.CreateReactionTask(bg, store.CreateReactionTaskParams{PostID: post.ID, AgentID: a.ID, Position: int32(i), DueAt: h.clock.now()})
	}

	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	reactor := &cancellingReactor{cancel: cancel}
	sched := NewScheduler(h.db, reactor, nil, Timing{}).WithClock(h.clock.now, h.clock.sleep)

	res, err := sched.RunBatch(ctx, post.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if reactor.calls != 1 || res.Failed != 0 || res.Ran != 0 {
		t.Fatalf("expected one interrupted run, got calls=%d %+v", reactor.calls, res)
	}
	for _, task := range h.db.tasks {
		if task.Status != TaskPending || task.FinishedAt.Valid {
			t.Fatalf("task must stay pending after shutdown, got %s", task.Status)
		}
	}
	if posts, _ := h.db.ListPostsWithOpenTasks(bg, h.clock.now(), 10); len(posts) != 1 {
		t.Fatalf("expected the post to be resumable, got %v", posts)
	}
}

func TestTasksPersistBeforeWaiting(t *testing.T) {
	h := newHarness(ownKey, decide(`"vote":1`))
	author := h.db.addAgent("author", 0.9)
	h.db.addAgent("a1", 0.9)
	h.db.addAgent("a2", 0.9)
	post := h.db.addPost(author)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.sched.mu.Lock()
	h.sched.base = ctx
	h.sched.mu.Unlock()

	if n, err := h.sched.ReactToNewPost(context.Background(), post.ID); err != nil || n != 2 {
		t.Fatalf("expected 2 agents, got %d, %v", n, err)
	}
	h.sched.Wait()
	if len(h.db.tasks) != 2 || h.db.reviewCount() != 0 {
		t.Fatalf("expected 2 pending tasks and no reviews, got %d tasks %d reviews", len(h.db.tasks), h.db.reviewCount())
	}
	if !h.db.tasks[1].DueAt.After(h.db.tasks[0].DueAt) {
		t.Fatal("due times must be staggered")
	}

	// A restarted process resumes the abandoned batch.
	h.sched.mu.Lock()
	h.sched.base = context.Background()
	h.sched.mu.Unlock()
	if n, err := h.sched.ResumeOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected one post to resume, got %d, %v", n, err)
	}
	h.sched.Wait()
	if h.db.reviewCount() != 2 {
		t.Fatalf("expected 2 reviews after resume, got %d", h.db.reviewCount())
	}
}

func TestOverlappingBatchesRunEachTaskOnce(t *testing.T) {
	h := newHarness(ownKey, decide(`"vote":1,"comment":"+1"`))
	author := h.db.addAgent("author", 0.9)
	post := h.db.addPost(author)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		a := h.db.addAgent("r", 0.9)
		h.db.CreateReactionTask(ctx, store.CreateReactionTaskParams{
			PostID: post.ID, AgentID: a.ID, Position: int32(i), DueAt: h.clock.now(),
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sched.RunBatch(ctx, post.ID)
		}()
	}
	wg.Wait()

	if h.model.calls != 4 || len(h.db.comments) != 4 || post.Upvotes != 4 {
		t.Fatalf("expected 4 completions, comments and upvotes, got %d, %d, %d", h.model.calls, len(h.db.comments), post.Upvotes)
	}
	for _, task := range h.db.tasks {
		if task.Attempts != 1 || task.Status != TaskDone {
			t.Fatalf("task claimed %d times, status %s", task.Attempts, task.Status)
		}
	}
}

func TestClaimSkipsFreshRunningTask(t *testing.T) {
	h := newHarness(ownKey, decide(`"vote":1`))
	author := h.db.addAgent("author", 0.9)
	post := h.db.addPost(author)
	h.db.CreateReactionTask(context.Background(), store.CreateReactionTaskParams{PostID: post.ID, AgentID: uuid.New(), DueAt: h.clock.now()})
	h.db.tasks[0].Status = TaskRunning
	h.db.tasks[0].ClaimedAt = pgtype.Timestamptz{Time: h.clock.now(), Valid: true}

	res, err := h.sched.RunBatch(context.Background(), post.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Skipped != 1 || res.Ran != 0 {
		t.Fatalf("expected the fresh claim to be skipped, got %+v", res)
	}
}

// --- executor ---

func TestTakeoverHoldsCommentButVotes(t *testing.T) {
	h := newHarness(ownKey, decide(`"vote":-1,"comment":"This is wrong."`))
	author := h.db.addAgent("author", 0.9)
	shy := h.db.addAgent("shy", 0.3)
	post := h.db.addPost(author)

	res, err := h.exec.React(context.Background(), shy.ID, post.ID)
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if !res.TakenOver || res.CommentID != nil || len(h.db.comments) != 0 {
		t.Fatalf("comment must be held back: %+v", res)
	}
	if post.Downvotes != 1 {
		t.Fatal("vote must apply despite takeover")
	}
	if len(h.db.notifications) != 1 || h.db.notifications[0].Type != NotifyTakeoverDraft {
		t.Fatalf("expected takeover notification, got %+v", h.db.notifications)
	}
	sig := h.persona.signals[0]
	if sig.Source != "takeover" || sig.Direction != -1 || sig.Dimensions[0] != persona.Directness || sig.Dimensions[1] != persona.Challenge || sig.NotificationID == nil {
		t.Fatalf("unexpected signal %+v", sig)
	}
	if h.persona.recomp != 1 {
		t.Fatal("expected confidence recompute")
	}
	if _, ok := h.db.reviews[reviewKey{post.ID, shy.ID}]; !ok {
		t.Fatal("review missing")
	}
}

func TestSpamFlagSynthesizesAutoReview(t *testing.T) {
	h := newHarness(ownKey, decide(`"vote":-1,"flag_spam":true,"spam_reason":"crypto giveaway"`))
	author := h.db.addAgent("author", 0.9)
	r := h.db.addAgent("r", 0.9)
	post := h.db.addPost(author)

	res, err := h.exec.React(context.Background(), r.ID, post.ID)
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if len(h.db.comments) != 1 || !strings.HasPrefix(h.db.comments[0].Content, "[Auto Review]") || !strings.Contains(h.db.comments[0].Content, "crypto giveaway") {
		t.Fatalf("unexpected comments %+v", h.db.comments)
	}
	rev := h.db.reviews[reviewKey{post.ID, r.ID}]
	if !rev.IsSpam || rev.CommentID == nil || *rev.CommentID != *res.CommentID {
		t.Fatalf("unexpected review %+v", rev)
	}
	if post.SpamVotes != 1 {
		t.Fatalf("expected spam vote counted, got %d", post.SpamVotes)
	}
}

func TestNoDecisionBrowses(t *testing.T) {
	h := newHarness(ownKey, func(int, string) (string, error) { return `{"decisions":[]}`, nil })
	author := h.db.addAgent("author", 0.9)
	r := h.db.addAgent("r", 0.9)
	post := h.db.addPost(author)

	res, err := h.exec.React(context.Background(), r.ID, post.ID)
	if err != nil || res.Outcome != OutcomeBrowsed {
		t.Fatalf("expected browse, got %+v, %v", res, err)
	}
	rev, ok := h.db.reviews[reviewKey{post.ID, r.ID}]
	if !ok || rev.IsSpam {
		t.Fatalf("expected neutral review, got %+v", rev)
	}
	if h.db.activities[0].Type != ActivityBrowse {
		t.Fatalf("expected browse activity, got %+v", h.db.activities)
	}
}

func TestMalformedPlanLeavesNoReview(t *testing.T) {
	h := newHarness(ownKey, func(int, string) (string, error) { return "I'd upvote this.", nil })
	author := h.db.addAgent("author", 0.9)
	r := h.db.addAgent("r", 0.9)
	post := h.db.addPost(author)

	if _, err := h.exec.React(context.Background(), r.ID, post.ID); err == nil {
		t.Fatal("expected parse error")
	}
	if h.db.reviewCount() != 0 {
		t.Fatal("no review expected")
	}
	if h.db.agents[r.ID].DailyTokensUsed != 120 {
		t.Fatal("tokens must be counted even when the plan is unusable")
	}
}

func TestAlreadyReviewedShortCircuits(t *testing.T) {
	h := newHarness(ownKey, decide(`"vote":1`))
	author := h.db.addAgent("author", 0.9)
	r := h.db.addAgent("r", 0.9)
	post := h.db.addPost(author)
	h.db.SaveReview(context.Background(), store.SaveReviewParams{PostID: post.ID, AgentID: r.ID})

	res, err := h.exec.React(context.Background(), r.ID, post.ID)
	if err != nil || res.Outcome != OutcomeAlreadyReviewed || h.model.calls != 0 {
		t.Fatalf("expected short circuit, got %+v, %v, calls %d", res, err, h.model.calls)
	}
}

func TestBudgetExhaustedAndRollover(t *testing.T) {
	h := newHarness(ownKey, decide(`"vote":1`))
	author := h.db.addAgent("author", 0.9)
	r := h.db.addAgent("r", 0.9)
	post := h.db.addPost(author)
	h.db.agents[r.ID].DailyTokensUsed = 1000

	res, err := h.exec.React(context.Background(), r.ID, post.ID)
	if err != nil || res.Outcome != OutcomeBudgetExhausted || h.model.calls != 0 {
		t.Fatalf("expected budget skip, got %+v, %v", res, err)
	}

	h.db.agents[r.ID].DailyResetDay = pgtype.Date{Time: today.AddDate(0, 0, -1), Valid: true}
	res, err = h.exec.React(context.Background(), r.ID, post.ID)
	if err != nil || res.Outcome != OutcomeReviewed {
		t.Fatalf("expected review after rollover, got %+v, %v", res, err)
	}
	if got := h.db.agents[r.ID].DailyTokensUsed; got != 120 {
		t.Fatalf("expected counter reset then 120, got %d", got)
	}
}

func TestZeroLimitBlocksReaction(t *testing.T) {
	h := newHarness(ownKey, decide(`"vote":1`))
	author := h.db.addAgent("author", 0.9)
	r := h.db.addAgent("r", 0.9)
	post := h.db.addPost(author)
	h.db.agents[r.ID].DailyTokenLimit = 0
	h.db.agents[r.ID].DailyResetDay = pgtype.Date{Time: today.AddDate(0, 0, -1), Valid: true}

	res, err := h.exec.React(context.Background(), r.ID, post.ID)
	if err != nil || res.Outcome != OutcomeBudgetExhausted || h.model.calls != 0 {
		t.Fatalf("expected zero limit to block, got %+v, %v, calls %d", res, err, h.model.calls)
	}
	a := h.db.agents[r.ID]
	if a.DailyTokenLimit != 0 {
		t.Fatalf("stored limit must not change, got %d", a.DailyTokenLimit)
	}
	if h.db.budgetWrites != 1 || !a.DailyResetDay.Time.Equal(today) {
		t.Fatalf("expected only the day rollover to be written, writes=%d day=%v", h.db.budgetWrites, a.DailyResetDay.Time)
	}
}

func TestNoProvider(t *testing.T) {
	h := newHarness(nil, decide(`"vote":1`))
	author := h.db.addAgent("author", 0.9)
	r := h.db.addAgent("r", 0.9)
	post := h.db.addPost(author)
	res, err := h.exec.React(context.Background(), r.ID, post.ID)
	if err != nil || res.Outcome != OutcomeNoProvider || h.db.reviewCount() != 0 {
		t.Fatalf("expected no_provider, got %+v, %v", res, err)
	}
}

func TestPlatformCreditReserveAndRefund(t *testing.T) {
	platform := &llm.Provider{APIKey: "platform", Platform: true}

	h := newHarness(platform, decide(`"vote":1`))
	author := h.db.addAgent("author", 0.9)
	r := h.db.addAgent("r", 0.9)
	post := h.db.addPost(author)

	res, err := h.exec.React(context.Background(), r.ID, post.ID)
	if err != nil || res.Outcome != OutcomeNoCredit || h.model.calls != 0 {
		t.Fatalf("expected no_credit, got %+v, %v", res, err)
	}

	h.db.credit[r.UserID] = 10
	if _, err := h.exec.React(context.Background(), r.ID, post.ID); err != nil {
		t.Fatalf("react: %v", err)
	}
	if h.db.credit[r.UserID] != 8 {
		t.Fatalf("expected 2 cents charged, balance %d", h.db.credit[r.UserID])
	}

	failing := newHarness(platform, func(int, string) (string, error) { return "", errors.New("timeout") })
	fa := failing.db.addAgent("author", 0.9)
	fr := failing.db.addAgent("r", 0.9)
	fp := failing.db.addPost(fa)
	failing.db.credit[fr.UserID] = 10
	if _, err := failing.exec.React(context.Background(), fr.ID, fp.ID); err == nil {
		t.Fatal("expected completion error")
	}
	if failing.db.credit[fr.UserID] != 10 {
		t.Fatalf("expected refund, balance %d", failing.db.credit[fr.UserID])
	}
}
