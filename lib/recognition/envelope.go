package recognition

import (
	"bytes"
	"encoding/json"
	"errors"
)

var (
	ErrNotJSON   = errors.New("body is not valid JSON")
	ErrNotObject = errors.New("body is not a JSON object")
)

// Envelope is a response body of the recognition provider. The only thing
// guaranteed about it is that it is a JSON object; everything below the top
// level is read leniently by Normalize.
type Envelope struct {
	raw    json.RawMessage
	fields map[string]json.RawMessage
}

func ParseEnvelope(b []byte) (Envelope, error) {
	if !json.Valid(b) {
		return Envelope{}, ErrNotJSON
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil || fields == nil {
		return Envelope{}, ErrNotObject
	}
	return Envelope{
		raw:    append(json.RawMessage(nil), bytes.TrimSpace(b)...),
		fields: fields,
	}, nil
}

// Raw returns the body the envelope was parsed from.
func (e Envelope) Raw() json.RawMessage {
	return e.raw
}

// Object decodes the envelope into a generic JSON object.
func (e Envelope) Object() map[string]interface{} {
	obj := make(map[string]interface{}, len(e.fields))
	for k, v := range e.fields {
		var val interface{}
		if err := json.Unmarshal(v, &val); err == nil {
			obj[k] = val
		}
	}
	return obj
}

// decodeObject reads a JSON object into its raw members. Keys are matched
// exactly by the callers, unlike struct tags.
func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

type classesShape int

const (
	shapeUnknown classesShape = iota
	shapeList
	shapeMapping
)

// Classes holds the labels of one entity. Providers send them either as
// [{"class": label, "score": n}, ...] or as {label: n, ...}; the shape is
// decided by the first JSON token.
type Classes struct {
	shape classesShape
	pairs []scoredLabel
}

type scoredLabel struct {
	label string
	score float64
}

// UnmarshalJSON never fails: anything that is neither a list nor an object
// leaves the entity without labels.
func (c *Classes) UnmarshalJSON(b []byte) error {
	*c = Classes{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}

	switch b[0] {
	case '[':
		if pairs, ok := decodeClassList(b); ok {
			c.shape, c.pairs = shapeList, pairs
		}
	case '{':
		if pairs, ok := decodeClassMapping(b); ok {
			c.shape, c.pairs = shapeMapping, pairs
		}
	}
	return nil
}

func decodeClassList(b []byte) ([]scoredLabel, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, false
	}

	pairs := make([]scoredLabel, 0, len(items))
	for _, item := range items {
		obj, ok := decodeObject(item)
		if !ok {
			continue
		}
		class, ok := obj["class"]
		var label string
		if !ok || json.Unmarshal(class, &label) != nil {
			continue
		}
		pairs = append(pairs, scoredLabel{label: label, score: coerceScore(obj["score"])})
	}
	return pairs, true
}

// decodeClassMapping walks the object token by token so that the labels keep
// document order. A repeated label replaces the earlier value in place.
func decodeClassMapping(b []byte) ([]scoredLabel, bool) {
	dec := json.NewDecoder(bytes.NewReader(b))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, false
	}

	var pairs []scoredLabel
	seen := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		label, ok := tok.(string)
		if !ok {
			return nil, false
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, false
		}

		pair := scoredLabel{label: label, score: coerceScore(value)}
		if i, dup := seen[label]; dup {
			pairs[i] = pair
			continue
		}
		seen[label] = len(pairs)
		pairs = append(pairs, pair)
	}
	return pairs, true
}
