package http_recogniser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/cellar-labs/wine-label-recognition/lib/recogniser"
	"github.com/cellar-labs/wine-label-recognition/lib/recognition"
)

const (
	testKey       = "test-key-123"
	testHost      = "wine-recognition2.p.rapidapi.com"
	testRequestID = "7d3f6a0e-8a8b-4e57-b1c4-2f5d8e9c0a13"

	okEnvelope = `{"results": [{"status": {"code": "ok"}, "entities": [{"kind": "wine", "classes": [
		{"class": "Château Margaux 2015", "score": 0.92},
		{"class": "Château Latour 2016", "score": 0.75}
	]}]}]}`
)

// step is one canned reply of the fake provider.
type step struct {
	status int
	body   string
	delay  time.Duration
}

type rapidAPISuite struct {
	suite.Suite
	server   *httptest.Server
	steps    []step
	requests int32
	lastReq  *http.Request
	lastBody []byte
	logs     *bytes.Buffer
	logger   zerolog.Logger
}

func TestRapidAPISuite(t *testing.T) {
	suite.Run(t, new(rapidAPISuite))
}

func (s *rapidAPISuite) SetupTest() {
	s.logs = &bytes.Buffer{}
	s.logger = log.Logger
	log.Logger = zerolog.New(s.logs)

	atomic.StoreInt32(&s.requests, 0)
	s.steps = nil
	s.lastReq, s.lastBody = nil, nil
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&s.requests, 1))
		body, _ := io.ReadAll(r.Body)
		s.lastReq, s.lastBody = r, body

		st := step{status: http.StatusOK, body: okEnvelope}
		if n <= len(s.steps) {
			st = s.steps[n-1]
		}
		if st.delay > 0 {
			select {
			case <-time.After(st.delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(st.status)
		_, _ = w.Write([]byte(st.body))
	}))
}

func (s *rapidAPISuite) TearDownTest() {
	s.server.Close()
	log.Logger = s.logger
}

// attemptLogs returns the per-attempt records written so far.
func (s *rapidAPISuite) attemptLogs() []map[string]interface{} {
	var records []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(s.logs.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]interface{}
		s.Require().NoError(json.Unmarshal([]byte(line), &record), line)
		if record["message"] == "upstream attempt" {
			records = append(records, record)
		}
	}
	return records
}

func (s *rapidAPISuite) client(maxRetries int) *rapidAPI {
	return newRapidAPI(RapidAPIConfig{
		Key:         testKey,
		Host:        testHost,
		BaseURL:     s.server.URL,
		ResultsPath: "/v1/results",
		VersionPath: "/v1/version",
		Timeout:     2 * time.Second,
		MaxRetries:  maxRetries,
	}, http.DefaultClient)
}

func (s *rapidAPISuite) upstreamError(err error) *recogniser.UpstreamError {
	ue, ok := recogniser.IsUpstreamError(err)
	s.Require().True(ok, "expected an upstream error, got %v", err)
	return ue
}

func (s *rapidAPISuite) TestFileRequest() {
	img := recogniser.Image{Data: []byte("\x89PNG fake"), Filename: `label "front".png`, ContentType: "image/png"}

	env, elapsed, err := s.client(1).Dispatch(context.Background(), testRequestID, recogniser.FileSource(img))
	s.Require().NoError(err)
	s.GreaterOrEqual(elapsed, time.Duration(0))
	s.JSONEq(okEnvelope, string(env.Raw()))

	s.Equal(int32(1), atomic.LoadInt32(&s.requests))
	s.Equal(http.MethodPost, s.lastReq.Method)
	s.Equal("/v1/results", s.lastReq.URL.Path)
	s.Equal(testKey, s.lastReq.Header.Get("X-RapidAPI-Key"))
	s.Equal(testHost, s.lastReq.Header.Get("X-RapidAPI-Host"))

	// Re-parse the captured body as a multipart form.
	req := httptest.NewRequest(http.MethodPost, "/", io.NopCloser(bytes.NewReader(s.lastBody)))
	req.Header.Set("Content-Type", s.lastReq.Header.Get("Content-Type"))
	s.Require().NoError(req.ParseMultipartForm(1 << 20))
	files := req.MultipartForm.File["image"]
	s.Require().Len(files, 1)
	s.Equal(`label "front".png`, files[0].Filename)
	s.Equal("image/png", files[0].Header.Get("Content-Type"))
	f, err := files[0].Open()
	s.Require().NoError(err)
	data, _ := io.ReadAll(f)
	s.Equal(img.Data, data)
}

func (s *rapidAPISuite) TestURLRequest() {
	_, _, err := s.client(1).Dispatch(context.Background(), testRequestID, recogniser.URLSource("https://example.com/bottle.jpg?size=large"))
	s.Require().NoError(err)

	s.Equal("application/x-www-form-urlencoded", s.lastReq.Header.Get("Content-Type"))
	s.Equal("url=https%3A%2F%2Fexample.com%2Fbottle.jpg%3Fsize%3Dlarge", string(s.lastBody))
}

func (s *rapidAPISuite) TestRetryableStatusThenSuccess() {
	for _, status := range []int{429, 500, 502, 503, 504} {
		s.TearDownTest()
		s.SetupTest()
		s.steps = []step{
			{status: status, body: `{"message": "busy"}`},
			{status: http.StatusOK, body: `{"results": [{"entities": [{"classes": {"second": 0.5}}]}]}`},
		}

		env, _, err := s.client(1).Dispatch(context.Background(), testRequestID, recogniser.URLSource("https://example.com/a.jpg"))
		s.Require().NoError(err, "status %d", status)
		s.Equal([]recognition.Candidate{{Label: "second", Confidence: 0.5}}, recognition.Normalize(env))
		s.Equal(int32(2), atomic.LoadInt32(&s.requests))
	}
}

func (s *rapidAPISuite) TestTerminalStatusIsNotRetried() {
	for _, status := range []int{400, 401, 403, 404, 422} {
		s.TearDownTest()
		s.SetupTest()
		s.steps = []step{{status: status, body: `{"message": "You are not subscribed to this API."}`}}

		_, _, err := s.client(3).Dispatch(context.Background(), testRequestID, recogniser.URLSource("https://example.com/a.jpg"))
		ue := s.upstreamError(err)
		s.Equal(recogniser.ErrStatus, ue.Kind)
		s.Equal(status, ue.StatusCode)
		s.Equal(1, ue.Attempts)
		s.Equal(testRequestID, ue.RequestID)
		s.Contains(ue.Error(), "not subscribed")
		s.Equal(int32(1), atomic.LoadInt32(&s.requests))
	}
}

func (s *rapidAPISuite) TestRetriesAreBounded() {
	s.steps = []step{
		{status: http.StatusBadGateway},
		{status: http.StatusServiceUnavailable},
		{status: http.StatusOK, body: okEnvelope},
	}

	_, _, err := s.client(1).Dispatch(context.Background(), testRequestID, recogniser.URLSource("https://example.com/a.jpg"))
	ue := s.upstreamError(err)
	s.Equal(recogniser.ErrStatus, ue.Kind)
	s.Equal(http.StatusServiceUnavailable, ue.StatusCode)
	s.Equal(2, ue.Attempts)
	s.Equal(int32(2), atomic.LoadInt32(&s.requests))
}

func (s *rapidAPISuite) TestNoRetries() {
	s.steps = []step{{status: http.StatusInternalServerError}}

	_, _, err := s.client(0).Dispatch(context.Background(), testRequestID, recogniser.URLSource("https://example.com/a.jpg"))
	s.Equal(http.StatusInternalServerError, s.upstreamError(err).StatusCode)
	s.Equal(int32(1), atomic.LoadInt32(&s.requests))
}

func (s *rapidAPISuite) TestTimeoutIsRetried() {
	s.steps = []step{
		{status: http.StatusOK, body: okEnvelope, delay: time.Second},
		{status: http.StatusOK, body: okEnvelope, delay: time.Second},
	}
	c := s.client(1)
	c.conf.Timeout = 50 * time.Millisecond

	_, elapsed, err := c.Dispatch(context.Background(), testRequestID, recogniser.URLSource("https://example.com/a.jpg"))
	ue := s.upstreamError(err)
	s.Equal(recogniser.ErrTimeout, ue.Kind)
	s.Equal(0, ue.StatusCode)
	s.Equal(2, ue.Attempts)
	s.Less(elapsed, time.Second)
	s.Equal(int32(2), atomic.LoadInt32(&s.requests))
}

func (s *rapidAPISuite) TestTimeoutThenSuccess() {
	s.steps = []step{{status: http.StatusOK, body: okEnvelope, delay: time.Second}}
	c := s.client(1)
	c.conf.Timeout = 50 * time.Millisecond

	env, elapsed, err := c.Dispatch(context.Background(), testRequestID, recogniser.URLSource("https://example.com/a.jpg"))
	s.Require().NoError(err)
	s.Len(recognition.Normalize(env), 2)
	// only the successful attempt is timed, not the one that timed out
	s.Less(elapsed, c.conf.Timeout)
}

func (s *rapidAPISuite) TestOneLogRecordPerAttempt() {
	s.steps = []step{
		{status: http.StatusServiceUnavailable, body: `{"message": "busy"}`},
		{status: http.StatusBadGateway, body: `{"message": "busy"}`},
		{status: http.StatusOK, body: okEnvelope},
	}

	_, _, err := s.client(2).Dispatch(context.Background(), testRequestID, recogniser.URLSource("https://example.com/a.jpg"))
	s.Require().NoError(err)

	records := s.attemptLogs()
	s.Require().Len(records, 3)
	expected := []struct {
		status  float64
		outcome string
		level   string
	}{
		{status: http.StatusServiceUnavailable, outcome: "retryable", level: "warn"},
		{status: http.StatusBadGateway, outcome: "retryable", level: "warn"},
		{status: http.StatusOK, outcome: "success", level: "info"},
	}
	for i, record := range records {
		s.Equal(testRequestID, record["request_id"])
		s.EqualValues(i+1, record["attempt"])
		s.EqualValues(3, record["attempts"])
		s.Equal(expected[i].status, record["status"])
		s.Equal(expected[i].outcome, record["outcome"])
		s.Equal(expected[i].level, record["level"])
		s.Contains(record, "elapsed_ms")
	}
	s.NotContains(s.logs.String(), testKey)
}

func (s *rapidAPISuite) TestTerminalAttemptIsLogged() {
	s.steps = []step{{status: http.StatusUnauthorized, body: `{"message": "Invalid API key"}`}}

	_, _, err := s.client(3).Dispatch(context.Background(), testRequestID, recogniser.URLSource("https://example.com/a.jpg"))
	s.Require().Error(err)

	records := s.attemptLogs()
	s.Require().Len(records, 1)
	s.Equal("terminal", records[0]["outcome"])
	s.Equal("status", records[0]["kind"])
	s.EqualValues(http.StatusUnauthorized, records[0]["status"])
	s.NotContains(s.logs.String(), testKey)
}

func (s *rapidAPISuite) TestConnectionError() {
	c := s.client(1)
	s.server.Close()

	_, _, err := c.Dispatch(context.Background(), testRequestID, recogniser.URLSource("https://example.com/a.jpg"))
	ue := s.upstreamError(err)
	s.Equal(recogniser.ErrTransport, ue.Kind)
	s.Equal(2, ue.Attempts)
}

func (s *rapidAPISuite) TestMalformedBodies() {
	tests := []struct {
		name string
		body string
		kind recogniser.ErrorKind
	}{
		{name: "html", body: "<html>oops</html>", kind: recogniser.ErrNonJSON},
		{name: "empty", body: "", kind: recogniser.ErrNonJSON},
		{name: "array", body: `[{"results": []}]`, kind: recogniser.ErrNonObject},
		{name: "string", body: `"ok"`, kind: recogniser.ErrNonObject},
	}
	for _, tt := range tests {
		s.TearDownTest()
		s.SetupTest()
		s.steps = []step{{status: http.StatusOK, body: tt.body}}

		_, _, err := s.client(2).Dispatch(context.Background(), testRequestID, recogniser.URLSource("https://example.com/a.jpg"))
		ue := s.upstreamError(err)
		s.Equal(tt.kind, ue.Kind, tt.name)
		s.Equal(http.StatusOK, ue.StatusCode, tt.name)
		s.Equal(int32(1), atomic.LoadInt32(&s.requests), tt.name)
	}
}

func (s *rapidAPISuite) TestCancelledContextIsNotRetried() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.client(3).Dispatch(ctx, testRequestID, recogniser.URLSource("https://example.com/a.jpg"))
	ue := s.upstreamError(err)
	s.Equal(recogniser.ErrTransport, ue.Kind)
	s.True(errors.Is(err, context.Canceled))
	s.Equal(1, ue.Attempts)
}

func (s *rapidAPISuite) TestEmptySource() {
	_, _, err := s.client(1).Dispatch(context.Background(), testRequestID, recogniser.Source{})
	s.Error(err)
	s.Equal(int32(0), atomic.LoadInt32(&s.requests))
}

func (s *rapidAPISuite) TestBackoffAndRateLimit() {
	s.steps = []step{{status: http.StatusTooManyRequests}}
	c := newRapidAPI(RapidAPIConfig{
		BaseURL:           s.server.URL,
		ResultsPath:       "/v1/results",
		Timeout:           time.Second,
		MaxRetries:        1,
		RetryBackoff:      20 * time.Millisecond,
		RequestsPerSecond: 100,
	}, http.DefaultClient)
	s.NotNil(c.limiter)

	start := time.Now()
	_, _, err := c.Dispatch(context.Background(), testRequestID, recogniser.URLSource("https://example.com/a.jpg"))
	s.NoError(err)
	s.GreaterOrEqual(time.Since(start), 20*time.Millisecond)
}

func (s *rapidAPISuite) TestVersion() {
	s.steps = []step{{status: http.StatusOK, body: `{"version": "v1.3.0"}`}}

	v, err := s.client(1).Version(context.Background())
	s.Require().NoError(err)
	s.Equal(map[string]interface{}{"version": "v1.3.0"}, v)
	s.Equal(http.MethodGet, s.lastReq.Method)
	s.Equal("/v1/version", s.lastReq.URL.Path)
	s.Equal(testKey, s.lastReq.Header.Get("X-RapidAPI-Key"))
}

func (s *rapidAPISuite) TestVersionFailures() {
	s.steps = []step{{status: http.StatusServiceUnavailable}}
	_, err := s.client(3).Version(context.Background())
	s.Equal(http.StatusServiceUnavailable, s.upstreamError(err).StatusCode)
	s.Equal(int32(1), atomic.LoadInt32(&s.requests))

	s.TearDownTest()
	s.SetupTest()
	s.steps = []step{{status: http.StatusOK, body: "v1.3.0"}}
	_, err = s.client(3).Version(context.Background())
	s.Equal(recogniser.ErrNonJSON, s.upstreamError(err).Kind)
}

type mockHttpClient struct {
	mock.Mock
}

func (m *mockHttpClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	resp, _ := args.Get(0).(*http.Response)
	return resp, args.Error(1)
}

func (s *rapidAPISuite) TestTransportErrorThenSuccess() {
	httpClient := &mockHttpClient{}
	httpClient.On("Do", mock.AnythingOfType("*http.Request")).Return(nil, errors.New("connection reset by peer")).Once()
	httpClient.On("Do", mock.AnythingOfType("*http.Request")).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader([]byte(okEnvelope))),
	}, nil).Once()

	c := newRapidAPI(RapidAPIConfig{BaseURL: "http://provider.invalid", ResultsPath: "/v1/results", MaxRetries: 1}, httpClient)
	env, _, err := c.Dispatch(context.Background(), testRequestID, recogniser.URLSource("https://example.com/a.jpg"))
	s.Require().NoError(err)
	s.Len(recognition.Normalize(env), 2)
	httpClient.AssertExpectations(s.T())
}

func (s *rapidAPISuite) TestConfigured() {
	s.True(RapidAPIConfig{Key: "k", Host: "h"}.Configured())
	s.False(RapidAPIConfig{Key: "k"}.Configured())
	s.False(RapidAPIConfig{Host: "h"}.Configured())
}
