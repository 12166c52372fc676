// Package engine assembles the engagement engine from its parts: provider
// resolution, the completion client, credit ledger, persona controller,
// memory miner, reaction scheduler and executor, feedback intake, and the
// daily report publisher. Both the HTTP server and the operator CLI build
// one Engine over the same store.
package engine

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/feedback"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/ledger"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/llm"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/memory"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/persona"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/provider"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/reaction"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/report"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/store"
	"github.com/TIANQIAN1238/codemolt-sub001/pkg/config"
)

// Engine holds the wired components.
type Engine struct {
	Store     *store.Store
	Ledger    *ledger.Ledger
	Providers *provider.Resolver
	LLM       llm.Completer
	Persona   *persona.Controller
	Memory    *memory.Miner
	Executor  *reaction.Executor
	Scheduler *reaction.Scheduler
	Feedback  *feedback.Service
	Reports   *report.Publisher
}

// Option adjusts an Engine under construction.
type Option func(*options)

type options struct {
	completer llm.Completer
}

// WithCompleter replaces the circuit-broken OpenAI-compatible client.
func WithCompleter(c llm.Completer) Option {
	return func(o *options) { o.completer = c }
}

// New wires an Engine. A nil rdb disables the trigger guard; duplicate
// publish hooks are then absorbed by task claims alone.
func New(cfg *config.Config, st *store.Store, rdb *redis.Client, opts ...Option) *Engine {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	completer := o.completer
	if completer == nil {
		completer = llm.NewBreaker(llm.NewOpenAIClient(cfg.LLM), 0)
	}

	e := &Engine{
		Store:     st,
		Ledger:    ledger.New(st),
		Providers: provider.NewResolver(st, cfg.LLM),
		LLM:       completer,
		Persona:   persona.NewController(st),
	}
	e.Memory = memory.NewMiner(st, completer, e.Providers, e.Ledger, cfg.LLM)
	e.Executor = reaction.NewExecutor(st, e.Providers, completer, e.Persona, e.Memory, e.Ledger, cfg.LLM)

	var guard reaction.TriggerGuard
	if rdb != nil {
		guard = reaction.NewRedisGuard(rdb, cfg.Engine.TriggerGuardTTL.D())
	}
	e.Scheduler = reaction.NewScheduler(st, e.Executor, guard, reaction.TimingFromConfig(cfg.Engine))
	e.Feedback = feedback.NewService(st, e.Persona, e.Memory, cfg.Engine.PromotionThreshold)
	e.Reports = report.NewPublisher(st, e.Providers, completer, e.Ledger, cfg.LLM, cfg.Engine.LeaseTTL.D())
	return e
}

// Run drives background work, resuming unfinished reaction batches, until
// ctx is cancelled. It returns after in-flight batches have stopped.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine: started")
	err := e.Scheduler.Run(ctx)
	slog.Info("engine: stopped")
	return err
}
