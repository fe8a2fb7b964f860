package recogniser

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cellar-labs/wine-label-recognition/lib/recognition"
)

// Options are the caller's choices for one recognition.
type Options struct {
	// Limit is the number of candidates wanted. It is capped by the
	// orchestrator's maximum.
	Limit int
	// IncludeRaw attaches the provider's envelope to the result.
	IncludeRaw bool
}

// Orchestrator runs one recognition end to end: dispatch, normalize,
// truncate.
type Orchestrator struct {
	client  Client
	maxTopK int
	newID   func() string
}

func NewOrchestrator(client Client, maxTopK int) *Orchestrator {
	return &Orchestrator{
		client:  client,
		maxTopK: maxTopK,
		newID:   uuid.NewString,
	}
}

// Recognise returns at most min(opts.Limit, maxTopK) candidates. Every
// error it returns is an *UpstreamError.
func (o *Orchestrator) Recognise(ctx context.Context, src Source, opts Options) (*recognition.Result, error) {
	requestID := o.newID()

	env, elapsed, err := o.client.Dispatch(ctx, requestID, src)
	if err != nil {
		ue, ok := IsUpstreamError(err)
		if !ok {
			ue = &UpstreamError{Kind: ErrTransport, Err: err}
		}
		if ue.RequestID == "" {
			ue.RequestID = requestID
		}
		log.Error().
			Str("request_id", requestID).
			Str("kind", ue.Kind.String()).
			Int("status_code", ue.StatusCode).
			Err(ue).
			Msg("recognition failed")
		return nil, ue
	}

	limit := opts.Limit
	if limit > o.maxTopK {
		limit = o.maxTopK
	}

	var raw json.RawMessage
	if opts.IncludeRaw {
		raw = env.Raw()
	}

	result := recognition.NewResult(requestID, recognition.Normalize(env), limit, elapsed, raw)
	log.Info().
		Str("request_id", requestID).
		Int("candidates", result.CandidateCount).
		Int("total", result.TotalCount).
		Float64("elapsed_ms", result.ElapsedMs).
		Msg("recognition complete")
	return result, nil
}

// Version proxies the provider's version endpoint.
func (o *Orchestrator) Version(ctx context.Context) (map[string]interface{}, error) {
	return o.client.Version(ctx)
}
