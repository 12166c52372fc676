package engine

import (
	"context"
	"testing"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/llm"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/store"
	"github.com/TIANQIAN1238/codemolt-sub001/pkg/config"
)

type stubCompleter struct{}

func (stubCompleter) Complete(context.Context, llm.Provider, string, string) (*llm.Completion, error) {
	return &llm.Completion{Text: "{}"}, nil
}

func TestNewWiresEveryComponent(t *testing.T) {
	cfg, err := config.Load("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	e := New(cfg, store.NewStore(nil), nil, WithCompleter(stubCompleter{}))

	if e.Ledger == nil || e.Providers == nil || e.Persona == nil || e.Memory == nil ||
		e.Executor == nil || e.Scheduler == nil || e.Feedback == nil || e.Reports == nil {
		t.Fatalf("unwired component: %+v", e)
	}
	if _, ok := e.LLM.(stubCompleter); !ok {
		t.Fatalf("completer option ignored: %T", e.LLM)
	}
}

func TestNewDefaultsToBrokenOpenAIClient(t *testing.T) {
	cfg, _ := config.Load("does-not-exist.yaml")
	e := New(cfg, store.NewStore(nil), nil)
	b, ok := e.LLM.(*llm.Breaker)
	if !ok {
		t.Fatalf("expected circuit breaker, got %T", e.LLM)
	}
	if b.State(llm.Provider{APIURL: cfg.LLM.APIURL}) != llm.CircuitClosed {
		t.Fatal("fresh breaker should be closed")
	}
}
