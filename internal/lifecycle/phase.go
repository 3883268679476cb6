// ABOUTME: Session lifecycle phases and the pure transition function between them
// ABOUTME: No I/O here; the Coordinator feeds events in and applies the result

package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an event is not allowed in the current phase.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Phase is the derived state of one session.
type Phase int

const (
	// PhaseActive: the backend has not finished the consult
	PhaseActive Phase = iota
	// PhaseFinishable: finished, no feedback, completion dialog closed
	PhaseFinishable
	// PhaseAwaitingFeedback: the user opened the completion dialog
	PhaseAwaitingFeedback
	// PhaseCompleted: a feedback row exists
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseFinishable:
		return "finishable"
	case PhaseAwaitingFeedback:
		return "awaiting_feedback"
	case PhaseCompleted:
		return "completed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText renders the phase name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Event drives a transition.
type Event int

const (
	// EventFinished: the session's finished flag became true
	EventFinished Event = iota
	// EventUnfinished: the session's finished flag became false
	EventUnfinished
	// EventFeedbackFound: the store reports a feedback row
	EventFeedbackFound
	// EventCompletionRequested: the user opened the completion dialog
	EventCompletionRequested
	// EventFeedbackSubmitted: the user submitted a rating
	EventFeedbackSubmitted
	// EventDismissConfirmed: the user confirmed ending without feedback
	EventDismissConfirmed
	// EventDismissCancelled: the user went back from the dialog
	EventDismissCancelled
)

func (e Event) String() string {
	switch e {
	case EventFinished:
		return "finished"
	case EventUnfinished:
		return "unfinished"
	case EventFeedbackFound:
		return "feedback_found"
	case EventCompletionRequested:
		return "completion_requested"
	case EventFeedbackSubmitted:
		return "feedback_submitted"
	case EventDismissConfirmed:
		return "dismiss_confirmed"
	case EventDismissCancelled:
		return "dismiss_cancelled"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Derive computes the phase of a freshly attached session.
func Derive(finished, hasFeedback bool) Phase {
	switch {
	case hasFeedback:
		return PhaseCompleted
	case finished:
		return PhaseFinishable
	default:
		return PhaseActive
	}
}

// Transition returns the phase after e is applied to p.
func Transition(p Phase, e Event) (Phase, error) {
	switch e {
	case EventFeedbackFound:
		return PhaseCompleted, nil

	case EventFinished:
		if p == PhaseActive {
			return PhaseFinishable, nil
		}
		return p, nil

	case EventUnfinished:
		if p == PhaseCompleted {
			return p, nil
		}
		return PhaseActive, nil

	case EventCompletionRequested:
		if p == PhaseFinishable {
			return PhaseAwaitingFeedback, nil
		}

	case EventFeedbackSubmitted:
		if p == PhaseAwaitingFeedback || p == PhaseCompleted {
			return PhaseCompleted, nil
		}

	case EventDismissConfirmed:
		if p == PhaseAwaitingFeedback {
			return PhaseCompleted, nil
		}

	case EventDismissCancelled:
		if p == PhaseAwaitingFeedback {
			return PhaseFinishable, nil
		}
	}

	return p, fmt.Errorf("%w: %s in phase %s", ErrInvalidTransition, e, p)
}
