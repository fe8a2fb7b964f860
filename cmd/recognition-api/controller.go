package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cellar-labs/wine-label-recognition/lib/recogniser"
	"github.com/cellar-labs/wine-label-recognition/lib/recognition"
	"github.com/cellar-labs/wine-label-recognition/lib/store"
)

var errNotConfigured = errors.New("recognition provider credentials are not configured")

type controller struct {
	recogniser *recogniser.Orchestrator
	store      store.Store
	configured bool
}

func (c controller) Recognize(ctx context.Context, src recogniser.Source, opts recogniser.Options) (*recognition.Result, error) {
	if !c.configured {
		return nil, NewHttpError(http.StatusServiceUnavailable, errNotConfigured)
	}

	result, err := c.recogniser.Recognise(ctx, src, opts)
	if err != nil {
		return nil, err
	}

	// A result that cannot be persisted is still returned to the caller.
	if err := c.store.Save(ctx, result); err != nil {
		log.Warn().Err(err).Str("request_id", result.RequestID.String()).Msg("failed to persist recognition result")
	}
	return result, nil
}

func (c controller) Version(ctx context.Context) (map[string]interface{}, error) {
	if !c.configured {
		return nil, NewHttpError(http.StatusServiceUnavailable, errNotConfigured)
	}
	return c.recogniser.Version(ctx)
}

// Ready returns an empty reason when the service can take requests.
func (c controller) Ready(ctx context.Context) (string, bool) {
	if !c.configured {
		return "rapidapi credentials missing", false
	}
	if !c.store.Ready(ctx) {
		return "result store unavailable", false
	}
	return "", true
}
