// ABOUTME: Table tests for the pure lifecycle transition function
// ABOUTME: Every (phase, event) pair is checked for its result or rejection

package lifecycle

import (
	"errors"
	"testing"
)

func TestTransition(t *testing.T) {
	const invalid = Phase(-1)

	tests := []struct {
		from  Phase
		event Event
		want  Phase
	}{
		{PhaseActive, EventFinished, PhaseFinishable},
		{PhaseFinishable, EventFinished, PhaseFinishable},
		{PhaseAwaitingFeedback, EventFinished, PhaseAwaitingFeedback},
		{PhaseCompleted, EventFinished, PhaseCompleted},

		{PhaseActive, EventUnfinished, PhaseActive},
		{PhaseFinishable, EventUnfinished, PhaseActive},
		{PhaseAwaitingFeedback, EventUnfinished, PhaseActive},
		{PhaseCompleted, EventUnfinished, PhaseCompleted},

		{PhaseActive, EventFeedbackFound, PhaseCompleted},
		{PhaseFinishable, EventFeedbackFound, PhaseCompleted},

		{PhaseFinishable, EventCompletionRequested, PhaseAwaitingFeedback},
		{PhaseActive, EventCompletionRequested, invalid},
		{PhaseAwaitingFeedback, EventCompletionRequested, invalid},
		{PhaseCompleted, EventCompletionRequested, invalid},

		{PhaseAwaitingFeedback, EventFeedbackSubmitted, PhaseCompleted},
		{PhaseCompleted, EventFeedbackSubmitted, PhaseCompleted},
		{PhaseFinishable, EventFeedbackSubmitted, invalid},
		{PhaseActive, EventFeedbackSubmitted, invalid},

		{PhaseAwaitingFeedback, EventDismissConfirmed, PhaseCompleted},
		{PhaseFinishable, EventDismissConfirmed, invalid},

		{PhaseAwaitingFeedback, EventDismissCancelled, PhaseFinishable},
		{PhaseCompleted, EventDismissCancelled, invalid},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.event.String(), func(t *testing.T) {
			got, err := Transition(tt.from, tt.event)
			if tt.want == invalid {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("Transition() error = %v, want ErrInvalidTransition", err)
				}
				if got != tt.from {
					t.Errorf("rejected transition changed phase to %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transition() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Transition(%s, %s) = %s, want %s", tt.from, tt.event, got, tt.want)
			}
		})
	}
}

func TestDerive(t *testing.T) {
	if got := Derive(false, false); got != PhaseActive {
		t.Errorf("Derive(false, false) = %s", got)
	}
	if got := Derive(true, false); got != PhaseFinishable {
		t.Errorf("Derive(true, false) = %s", got)
	}
	if got := Derive(true, true); got != PhaseCompleted {
		t.Errorf("Derive(true, true) = %s", got)
	}
	if got := Derive(false, true); got != PhaseCompleted {
		t.Errorf("Derive(false, true) = %s", got)
	}
}

func TestPhaseMarshalText(t *testing.T) {
	b, err := PhaseAwaitingFeedback.MarshalText()
	if err != nil || string(b) != "awaiting_feedback" {
		t.Errorf("MarshalText() = %q, %v", b, err)
	}
}
