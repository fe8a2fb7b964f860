package recognition

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
)

// Candidate is one recognised label with the provider's confidence in it.
type Candidate struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// NewCandidate trims the label and bounds the confidence to [0, 1].
// ok is false when nothing is left of the label after trimming.
func NewCandidate(label string, confidence float64) (c Candidate, ok bool) {
	label = strings.TrimSpace(label)
	if label == "" {
		return Candidate{}, false
	}
	return Candidate{Label: label, Confidence: boundConfidence(confidence)}, true
}

func boundConfidence(f float64) float64 {
	switch {
	case math.IsNaN(f), math.IsInf(f, 0):
		return 0
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Result is the outcome of one recognition request.
type Result struct {
	RequestID strfmt.UUID4 `json:"request_id"`
	// TopCandidates is ordered by descending confidence.
	TopCandidates []Candidate `json:"top_candidates"`
	// CandidateCount is len(TopCandidates).
	CandidateCount int `json:"candidate_count"`
	// TotalCount is the number of candidates before truncation.
	TotalCount  int             `json:"total_count"`
	ElapsedMs   float64         `json:"elapsed_ms"`
	RawResponse json.RawMessage `json:"raw_response"`
}

// NewResult copies the first limit candidates of an already ordered slice.
// A nil raw envelope leaves RawResponse empty.
func NewResult(requestID string, candidates []Candidate, limit int, elapsed time.Duration, raw json.RawMessage) *Result {
	if limit < 0 {
		limit = 0
	}
	if limit > len(candidates) {
		limit = len(candidates)
	}
	top := make([]Candidate, limit)
	copy(top, candidates[:limit])

	ms := float64(elapsed.Microseconds()) / 1000
	if ms < 0 {
		ms = 0
	}

	r := &Result{
		RequestID:      strfmt.UUID4(requestID),
		TopCandidates:  top,
		CandidateCount: len(top),
		TotalCount:     len(candidates),
		ElapsedMs:      math.Round(ms*100) / 100,
	}
	if raw != nil {
		r.RawResponse = append(json.RawMessage(nil), raw...)
	}
	return r
}
