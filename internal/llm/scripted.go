package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/devcrew/devcrew/internal/common/errors"
)

// Step is one scripted exchange: the first request whose rendered
// prompt contains Match (or any request when Match is empty) receives
// Reply or Err.
type Step struct {
	Match string
	Reply string
	Err   error
}

// Scripted is a deterministic Client for tests and dry runs. Steps are
// consumed in order; running past the script is an error so tests
// notice unexpected calls.
type Scripted struct {
	mu    sync.Mutex
	steps []Step
	calls []Request
}

var _ Client = (*Scripted)(nil)

// NewScripted creates a scripted client.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Calls returns the requests seen so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

// Complete pops the next step, verifying the match when one is set.
func (s *Scripted) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Cancelled("completion cancelled")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	if len(s.steps) == 0 {
		return nil, errors.Internal("scripted client exhausted", nil)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]

	if step.Match != "" && !strings.Contains(render(req), step.Match) {
		return nil, errors.Internal("scripted client: prompt does not contain "+step.Match, nil)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &Response{Content: step.Reply}, nil
}

func render(req Request) string {
	var b strings.Builder
	b.WriteString(req.System)
	for _, m := range req.Messages {
		b.WriteString("\n")
		b.WriteString(m.Content)
	}
	return b.String()
}
