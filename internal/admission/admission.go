// Package admission decides whether a message's attachment is recent enough to ingest.
package admission

import "time"

// DefaultWindow is the acceptance window applied when none is configured.
const DefaultWindow = 24 * time.Hour

// Decision is the outcome of an admission check.
type Decision int

const (
	// DecisionAccept admits the message for download and processing.
	DecisionAccept Decision = iota
	// DecisionReject means the message is older than the acceptance window.
	DecisionReject
	// DecisionInvalid means the authored time is missing; treated as a reject.
	DecisionInvalid
)

func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionReject:
		return "reject"
	case DecisionInvalid:
		return "timestamp_invalid"
	default:
		return "unknown"
	}
}

// Accepted reports whether the message should be downloaded.
func (d Decision) Accepted() bool {
	return d == DecisionAccept
}

// Accept compares authoredAt and now in loc and rejects when now-authoredAt exceeds window.
// A message exactly window old is still accepted. Messages authored in the future are accepted.
func Accept(authoredAt, now time.Time, window time.Duration, loc *time.Location) Decision {
	if authoredAt.IsZero() {
		return DecisionInvalid
	}
	if loc == nil {
		loc = time.Local
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if now.In(loc).Sub(authoredAt.In(loc)) > window {
		return DecisionReject
	}
	return DecisionAccept
}
