package strand

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/scusemua/vm-control-plane/common/storage"
)

type OutcomeKind int

const (
	// OutcomeHop moves the strand to another label and runs it again immediately.
	OutcomeHop OutcomeKind = iota
	// OutcomeNap keeps the label and runs it again after a delay.
	OutcomeNap
	// OutcomeExit finishes the strand with an exit value.
	OutcomeExit
)

// Outcome is what a Step decides should happen to its strand next.
type Outcome struct {
	Kind      OutcomeKind
	Label     string
	Wait      time.Duration
	ExitValue interface{}
}

func Hop(label string) Outcome {
	return Outcome{Kind: OutcomeHop, Label: label}
}

func Nap(wait time.Duration) Outcome {
	return Outcome{Kind: OutcomeNap, Wait: wait}
}

func Exit(value interface{}) Outcome {
	return Outcome{Kind: OutcomeExit, ExitValue: value}
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeHop:
		return fmt.Sprintf("hop(%s)", o.Label)
	case OutcomeNap:
		return fmt.Sprintf("nap(%v)", o.Wait)
	case OutcomeExit:
		return fmt.Sprintf("exit(%v)", o.ExitValue)
	default:
		return fmt.Sprintf("unknown(%d)", o.Kind)
	}
}

// StepContext is what a Step sees of its strand.
type StepContext struct {
	Strand *storage.Strand
	// DB is the session of the worker running the step.
	DB *gorm.DB
	// Stack is the decoded call stack, innermost frame first. Steps may mutate it. It is persisted with the outcome.
	Stack []*Frame
}

// Frame returns the innermost frame.
func (s *StepContext) Frame() *Frame {
	return s.Stack[0]
}

// Push adds a new innermost frame.
func (s *StepContext) Push(frame *Frame) {
	s.Stack = append([]*Frame{frame}, s.Stack...)
}

// Pop removes the innermost frame. The outermost frame is never removed.
func (s *StepContext) Pop() *Frame {
	frame := s.Stack[0]
	if len(s.Stack) > 1 {
		s.Stack = s.Stack[1:]
	}

	return frame
}

// Step executes one label of a program.
type Step func(ctx context.Context, sc *StepContext) (Outcome, error)

// Registry maps program names and labels to steps.
type Registry struct {
	mu       sync.RWMutex
	programs map[string]map[string]Step
}

func NewRegistry() *Registry {
	return &Registry{
		programs: make(map[string]map[string]Step),
	}
}

func (r *Registry) Register(prog string, label string, step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()

	labels, ok := r.programs[prog]
	if !ok {
		labels = make(map[string]Step)
		r.programs[prog] = labels
	}

	labels[label] = step
}

func (r *Registry) Lookup(prog string, label string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	labels, ok := r.programs[prog]
	if !ok {
		return nil, fmt.Errorf("%w: \"%s\"", ErrUnknownProgram, prog)
	}

	step, ok := labels[label]
	if !ok {
		return nil, fmt.Errorf("%w: \"%s\" of program \"%s\"", ErrUnknownLabel, label, prog)
	}

	return step, nil
}
