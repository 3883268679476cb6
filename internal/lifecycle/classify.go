// ABOUTME: Groups session summaries into the sidebar sections
// ABOUTME: ongoing (not finished), finishable (finished, no feedback), completed (has feedback)

package lifecycle

import "github.com/2389/consult-gateway/internal/store"

// Groups are the session list sections, each newest first.
type Groups struct {
	Ongoing    []*store.SessionSummary `json:"ongoing"`
	Finishable []*store.SessionSummary `json:"finishable"`
	Completed  []*store.SessionSummary `json:"completed"`
}

// Classify splits summaries by Derive and keeps the input order within each group.
func Classify(summaries []*store.SessionSummary) Groups {
	g := Groups{
		Ongoing:    []*store.SessionSummary{},
		Finishable: []*store.SessionSummary{},
		Completed:  []*store.SessionSummary{},
	}
	for _, s := range summaries {
		switch Derive(s.Finished, s.HasFeedback) {
		case PhaseCompleted:
			g.Completed = append(g.Completed, s)
		case PhaseFinishable:
			g.Finishable = append(g.Finishable, s)
		default:
			g.Ongoing = append(g.Ongoing, s)
		}
	}
	return g
}
