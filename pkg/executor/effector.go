package executor

import (
	"context"
	"sync"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// Kind distinguishes effectors that touch the outside world from ones that
// only describe what they would have done.
type Kind string

const (
	KindReal      Kind = "real"
	KindSimulated Kind = "simulated"
)

// Request is what an effector is asked to do.
type Request struct {
	Operation string                     `json:"operation"`
	Params    map[string]any             `json:"params,omitempty"`
	Context   contracts.ExecutionContext `json:"context"`
}

// Effector performs side effects for allowed actions.
type Effector interface {
	Kind() Kind
	Execute(ctx context.Context, req Request) (any, error)
}

// Func adapts a function into a real Effector.
type Func func(ctx context.Context, req Request) (any, error)

func (Func) Kind() Kind { return KindReal }

func (f Func) Execute(ctx context.Context, req Request) (any, error) { return f(ctx, req) }

// Simulation is the result a Simulated effector returns.
type Simulation struct {
	Simulated  bool   `json:"simulated"`
	Operation  string `json:"operation"`
	ParamsHash string `json:"params_hash"`
}

// Simulated performs no side effects. It remembers the requests it saw.
type Simulated struct {
	mu   sync.Mutex
	seen []Request
}

// NewSimulated creates a simulated effector.
func NewSimulated() *Simulated { return &Simulated{} }

func (*Simulated) Kind() Kind { return KindSimulated }

func (s *Simulated) Execute(_ context.Context, req Request) (any, error) {
	h, err := canonicalize.Hash(req.Params)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.seen = append(s.seen, req)
	s.mu.Unlock()
	return Simulation{Simulated: true, Operation: req.Operation, ParamsHash: h}, nil
}

// Requests returns the requests seen so far.
func (s *Simulated) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.seen...)
}
