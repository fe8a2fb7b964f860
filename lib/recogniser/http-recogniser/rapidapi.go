package http_recogniser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/cellar-labs/wine-label-recognition/lib"
	"github.com/cellar-labs/wine-label-recognition/lib/recogniser"
	"github.com/cellar-labs/wine-label-recognition/lib/recognition"
)

const (
	headerKey  = "X-RapidAPI-Key"
	headerHost = "X-RapidAPI-Host"

	imageField = "image"
	urlField   = "url"

	// bodySnippetLength bounds how much of an error body ends up in errors.
	bodySnippetLength = 200
)

type RapidAPIConfig struct {
	Key               string
	Host              string
	BaseURL           string        `mapstructure:"base_url"`
	ResultsPath       string        `mapstructure:"results_path"`
	VersionPath       string        `mapstructure:"version_path"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// Configured reports whether both credentials are present.
func (c RapidAPIConfig) Configured() bool {
	return c.Key != "" && c.Host != ""
}

func NewRapidAPIClient(conf RapidAPIConfig) recogniser.Client {
	return newRapidAPI(conf, http.DefaultClient)
}

func newRapidAPI(conf RapidAPIConfig, httpClient lib.HttpClient) *rapidAPI {
	r := &rapidAPI{
		conf:       conf,
		httpClient: httpClient,
		headers: http.Header{
			headerKey:  []string{conf.Key},
			headerHost: []string{conf.Host},
		},
	}
	if conf.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(conf.RequestsPerSecond), 1)
	}
	return r
}

type rapidAPI struct {
	conf       RapidAPIConfig
	httpClient lib.HttpClient
	// headers carries the credentials and must never be logged.
	headers http.Header
	limiter *rate.Limiter
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeFail
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeRetry:
		return "retryable"
	}
	return "terminal"
}

// attemptResult is everything one request to the provider produced.
type attemptResult struct {
	env     recognition.Envelope
	status  int
	elapsed time.Duration
	err     *recogniser.UpstreamError
	// aborted is set when the caller's context ended, which is never retried.
	aborted bool
}

func (a attemptResult) outcome(attempt, attempts int) outcome {
	switch {
	case a.err == nil:
		return outcomeSuccess
	case a.aborted, !a.err.Retryable():
		return outcomeFail
	case attempt < attempts:
		return outcomeRetry
	}
	return outcomeFail
}

func (r *rapidAPI) Dispatch(ctx context.Context, requestID string, src recogniser.Source) (recognition.Envelope, time.Duration, error) {
	body, contentType, err := encodeSource(src)
	if err != nil {
		return recognition.Envelope{}, 0, &recogniser.UpstreamError{Kind: recogniser.ErrTransport, RequestID: requestID, Err: err}
	}
	endpoint := r.conf.BaseURL + r.conf.ResultsPath

	attempts := r.conf.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var res attemptResult
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := r.backoff(ctx); err != nil {
				res.err.Attempts = attempt - 1
				return recognition.Envelope{}, res.elapsed, res.err
			}
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return recognition.Envelope{}, 0, &recogniser.UpstreamError{Kind: recogniser.ErrTransport, Attempts: attempt - 1, RequestID: requestID, Err: err}
			}
		}

		res = r.do(ctx, http.MethodPost, endpoint, body, contentType)
		next := res.outcome(attempt, attempts)
		logAttempt(requestID, attempt, attempts, next, res)

		switch next {
		case outcomeSuccess:
			return res.env, res.elapsed, nil
		case outcomeFail:
			res.err.Attempts = attempt
			res.err.RequestID = requestID
			return recognition.Envelope{}, res.elapsed, res.err
		}
		res.err.RequestID = requestID
	}

	// Unreachable: the last attempt is always success or failure.
	return recognition.Envelope{}, res.elapsed, res.err
}

// backoff waits between attempts. It fails only when the caller gives up.
func (r *rapidAPI) backoff(ctx context.Context) error {
	if r.conf.RetryBackoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.conf.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *rapidAPI) Version(ctx context.Context) (map[string]interface{}, error) {
	res := r.do(ctx, http.MethodGet, r.conf.BaseURL+r.conf.VersionPath, nil, "")
	if res.err != nil {
		res.err.Attempts = 1
		log.Warn().Err(res.err).Msg("upstream version request failed")
		return nil, res.err
	}
	return res.env.Object(), nil
}

// do makes a single request bounded by the configured timeout and classifies
// what came back.
func (r *rapidAPI) do(ctx context.Context, method, endpoint string, body []byte, contentType string) attemptResult {
	attemptCtx := ctx
	if r.conf.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.conf.Timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, endpoint, reader)
	if err != nil {
		return attemptResult{err: &recogniser.UpstreamError{Kind: recogniser.ErrTransport, Err: err}, aborted: true}
	}
	for k, v := range r.headers {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return transportFailure(ctx, err, time.Since(start))
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		res := transportFailure(ctx, err, elapsed)
		res.status = resp.StatusCode
		return res
	}

	res := attemptResult{status: resp.StatusCode, elapsed: elapsed}
	if resp.StatusCode != http.StatusOK {
		res.err = &recogniser.UpstreamError{Kind: recogniser.ErrStatus, StatusCode: resp.StatusCode, Err: bodySnippet(b)}
		return res
	}

	env, err := recognition.ParseEnvelope(b)
	switch {
	case errors.Is(err, recognition.ErrNotJSON):
		res.err = &recogniser.UpstreamError{Kind: recogniser.ErrNonJSON, StatusCode: resp.StatusCode, Err: err}
	case err != nil:
		res.err = &recogniser.UpstreamError{Kind: recogniser.ErrNonObject, StatusCode: resp.StatusCode, Err: err}
	default:
		res.env = env
	}
	return res
}

// transportFailure classifies an error that happened before a full response
// was read. parent is the caller's context, not the per-attempt one.
func transportFailure(parent context.Context, err error, elapsed time.Duration) attemptResult {
	if parent.Err() != nil {
		return attemptResult{
			elapsed: elapsed,
			err:     &recogniser.UpstreamError{Kind: recogniser.ErrTransport, Err: parent.Err()},
			aborted: true,
		}
	}

	kind := recogniser.ErrTransport
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = recogniser.ErrTimeout
		err = fmt.Errorf("request timed out after %d ms: %w", elapsed.Milliseconds(), err)
	}
	return attemptResult{elapsed: elapsed, err: &recogniser.UpstreamError{Kind: kind, Err: err}}
}

func bodySnippet(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return nil
	}
	if len(s) > bodySnippetLength {
		s = s[:bodySnippetLength]
	}
	return errors.New(s)
}

func logAttempt(requestID string, attempt, attempts int, next outcome, res attemptResult) {
	var event *zerolog.Event
	if next == outcomeSuccess {
		event = log.Info()
	} else {
		event = log.Warn().Str("kind", res.err.Kind.String()).Err(res.err)
	}
	if res.status != 0 {
		event = event.Int("status", res.status)
	}
	event.
		Str("request_id", requestID).
		Int("attempt", attempt).
		Int("attempts", attempts).
		Str("outcome", next.String()).
		Float64("elapsed_ms", float64(res.elapsed.Microseconds())/1000).
		Msg("upstream attempt")
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodeSource builds the request body once so every attempt sends the same
// bytes.
func encodeSource(src recogniser.Source) ([]byte, string, error) {
	switch {
	case src.File != nil:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, imageField, quoteEscaper.Replace(src.File.Filename)))
		h.Set("Content-Type", src.File.ContentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(src.File.Data); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), w.FormDataContentType(), nil
	case src.URL != "":
		form := url.Values{urlField: []string{src.URL}}
		return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
	}
	return nil, "", errors.New("image source has neither a file nor a url")
}
