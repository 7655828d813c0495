// Package liveness drives the ordered challenge prompts of a liveness check
// and collects one frame per prompt.
package liveness

import (
	"errors"
	"fmt"
	"sync"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

var (
	// ErrOutOfSequence is returned when a frame or prompt is requested for a
	// step other than the one currently pending.
	ErrOutOfSequence = errors.New("liveness step out of sequence")
	// ErrInvalidState is returned when no step is pending.
	ErrInvalidState = errors.New("liveness engine has no pending step")
)

// Step is one named challenge.
type Step struct {
	Name   string
	Prompt string
}

// DefaultSteps returns the standard three-step challenge.
func DefaultSteps() []Step {
	return []Step{
		{Name: "Look at Camera", Prompt: "Look straight at camera"},
		{Name: "Turn Head", Prompt: "Turn your head slowly"},
		{Name: "Blink", Prompt: "Blink 2-3 times"},
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	steps     []Step
	frames    []domain.Frame
	captured  []bool
	index     int
	started   bool
	submitted bool
}

// NewEngine copies steps; the sequence is fixed for the engine's lifetime.
// An empty list falls back to DefaultSteps.
func NewEngine(steps []Step) *Engine {
	if len(steps) == 0 {
		steps = DefaultSteps()
	}
	fixed := make([]Step, len(steps))
	copy(fixed, steps)

	return &Engine{
		steps:    fixed,
		frames:   make([]domain.Frame, len(fixed)),
		captured: make([]bool, len(fixed)),
	}
}

// Begin rebuilds the sequence from step 0 with no frames.
func (e *Engine) Begin() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.frames = make([]domain.Frame, len(e.steps))
	e.captured = make([]bool, len(e.steps))
	e.index = 0
	e.started = true
	e.submitted = false
}

// Stop discards all progress. The engine must be restarted with Begin.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.frames = make([]domain.Frame, len(e.steps))
	e.captured = make([]bool, len(e.steps))
	e.index = 0
	e.started = false
	e.submitted = false
}

// CurrentPrompt returns the instruction for the active step.
func (e *Engine) CurrentPrompt() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return "", ErrInvalidState
	}
	if e.index >= len(e.steps) {
		return "", ErrOutOfSequence
	}
	return e.steps[e.index].Prompt, nil
}

// SubmitStepFrame assigns frame to the current step and advances.
func (e *Engine) SubmitStepFrame(frame domain.Frame) (complete bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.submitLocked(e.index, frame)
}

// SubmitStepFrameAt is SubmitStepFrame with an explicit step assertion.
func (e *Engine) SubmitStepFrameAt(step int, frame domain.Frame) (complete bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.submitLocked(step, frame)
}

func (e *Engine) submitLocked(step int, frame domain.Frame) (bool, error) {
	if !e.started || e.index >= len(e.steps) {
		return false, ErrInvalidState
	}
	if step != e.index {
		return false, fmt.Errorf("%w: got step %d, expected %d", ErrOutOfSequence, step, e.index)
	}
	if frame.Empty() {
		return false, fmt.Errorf("step %d: empty frame", step)
	}

	e.frames[e.index] = frame
	e.captured[e.index] = true
	e.index++

	return e.index == len(e.steps), nil
}

// Complete reports whether every step has a frame.
func (e *Engine) Complete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && e.index == len(e.steps)
}

// Frames returns the captured frames in step order.
func (e *Engine) Frames() []domain.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.Frame, 0, e.index)
	for i := 0; i < e.index; i++ {
		out = append(out, e.frames[i])
	}
	return out
}

// MarkSubmitted records that the aggregate verdict was requested. It fails
// unless the sequence is complete and has not been submitted before.
func (e *Engine) MarkSubmitted() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started || e.index != len(e.steps) || e.submitted {
		return ErrInvalidState
	}
	e.submitted = true
	return nil
}

func (e *Engine) StepIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index
}

func (e *Engine) StepCount() int {
	return len(e.steps)
}

// Steps returns the UI view of the sequence.
func (e *Engine) Steps() []domain.LivenessStep {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.LivenessStep, len(e.steps))
	for i, s := range e.steps {
		out[i] = domain.LivenessStep{
			Index:    i,
			Name:     s.Name,
			Prompt:   s.Prompt,
			Captured: e.captured[i],
		}
	}
	return out
}
