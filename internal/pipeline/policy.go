package pipeline

import "fmt"

// ContinuePolicy decides whether the Answerer ends the run or asks the
// Planner for another pass.
type ContinuePolicy string

const (
	// PolicyTerminate always ends after one answer.
	PolicyTerminate ContinuePolicy = "terminate"
	// PolicyInsufficientEvidence re-plans when retrieval found nothing.
	PolicyInsufficientEvidence ContinuePolicy = "insufficient_evidence"
)

func ParsePolicy(s string) (ContinuePolicy, error) {
	switch ContinuePolicy(s) {
	case "", PolicyTerminate:
		return PolicyTerminate, nil
	case PolicyInsufficientEvidence:
		return PolicyInsufficientEvidence, nil
	default:
		return "", fmt.Errorf("unknown continue policy %q", s)
	}
}

// Done reports whether the run should stop after this answer. The pass limit
// is applied by the caller.
func (p ContinuePolicy) Done(r Retrieved, _ Answer) bool {
	switch p {
	case PolicyInsufficientEvidence:
		return r.Knowledge != NoDataFound
	default:
		return true
	}
}
