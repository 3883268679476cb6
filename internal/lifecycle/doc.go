// Package lifecycle tracks where a consult session is in its close-out flow.
//
// # Phases
//
//	Active --finished--> Finishable --request--> AwaitingFeedback --submit--> Completed
//	                          ^                        |
//	                          +-------go back----------+
//	                                                   +--confirm dismiss--> Completed
//
// Transition is a pure function over (Phase, Event). Coordinator holds the
// cached flags for one session (finished, hasFeedback, dialogDismissed) and
// applies transitions from change-feed deliveries and user actions.
//
// # Change handling
//
// The change feed is at-least-once and unordered. HandleChange compares the
// incoming finished value with the cached one, so duplicates do nothing. On a
// false->true edge it re-reads feedback existence from the store and fires
// Options.OnFinishable once.
//
// # Dismissal
//
// Ending a session without a rating is two steps. DismissWithoutFeedback
// returns a DismissPrompt; only Confirm writes the neutral placeholder row.
// GoBack returns to Finishable with the dialog marked dismissed.
//
// Manager runs one goroutine per acquired session that consumes the feed and
// calls HandleChange, which gives the one-event-at-a-time guarantee.
package lifecycle
