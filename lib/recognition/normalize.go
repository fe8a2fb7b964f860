package recognition

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

var acceptedStatusCodes = map[string]struct{}{
	"ok":      {},
	"success": {},
	"":        {},
}

// Normalize flattens every usable label of an envelope into candidates
// ordered by descending confidence. Labels with equal confidence keep the
// order in which the provider sent them. Malformed parts of the envelope are
// skipped, so Normalize never fails.
func Normalize(env Envelope) []Candidate {
	candidates := make([]Candidate, 0)

	var results []json.RawMessage
	if !decodeList(env.fields["results"], &results) {
		return candidates
	}

	for i, raw := range results {
		result, ok := decodeObject(raw)
		if !ok {
			continue
		}
		if status := result["status"]; !statusAccepted(status) {
			log.Debug().Int("result", i).RawJSON("status", status).Msg("skipping result with status")
			continue
		}

		var entities []json.RawMessage
		if !decodeList(result["entities"], &entities) {
			continue
		}
		for _, rawEntity := range entities {
			entity, ok := decodeObject(rawEntity)
			if !ok {
				continue
			}
			var classes Classes
			_ = classes.UnmarshalJSON(entity["classes"])
			for _, pair := range classes.pairs {
				if c, ok := NewCandidate(pair.label, pair.score); ok {
					candidates = append(candidates, c)
				}
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	return candidates
}

func decodeList(raw json.RawMessage, out *[]json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// statusAccepted reports whether a result's status allows its entities to be
// used. A missing status or code counts as accepted.
func statusAccepted(raw json.RawMessage) bool {
	if isNull(raw) {
		return true
	}
	status, ok := decodeObject(raw)
	if !ok {
		return false
	}
	code, present := status["code"]
	if !present || isNull(code) {
		return true
	}
	var s string
	if err := json.Unmarshal(code, &s); err != nil {
		return false
	}
	_, ok = acceptedStatusCodes[strings.ToLower(s)]
	return ok
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// coerceScore reads a confidence from a number, a numeric string or a
// boolean. Anything else is 0.
func coerceScore(raw json.RawMessage) float64 {
	if isNull(raw) {
		return 0
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0
	}

	switch s := v.(type) {
	case json.Number:
		if f, err := s.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	case bool:
		if s {
			return 1
		}
	}
	return 0
}
