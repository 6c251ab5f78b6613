// Package bus carries the pipeline's event streams. Candidates and fills
// arrive from upstream collaborators; scores and decisions leave for
// downstream executors. Delivery is at-least-once: consumers dedupe by
// natural key (fill_id, decision id).
package bus

import "context"

// Subjects, versioned so payload changes can run side by side.
const (
	SubjectCandidates = "a.candidates.v1"
	SubjectScores     = "b.scores.v1"
	SubjectFills      = "c.fills.v1"
	SubjectDecisions  = "d.decisions.v1"
)

// Message is one serialized event on a subject. Payloads are UTF-8 JSON.
type Message struct {
	Subject string
	Data    []byte
}

// Bus is the publish/subscribe surface the engine binds to. Publish
// marshals the payload to JSON; Subscribe returns a channel that closes
// when the context is done or the bus shuts down.
type Bus interface {
	Publish(ctx context.Context, subject string, payload any) error
	Subscribe(ctx context.Context, subject string) (<-chan Message, error)
	Close() error
}
