package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/voxline/services/backend/internal/calls"
	"gitlab.com/voxline/services/backend/internal/models"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []models.CallEvent
	err    error
}

func (c *capturePublisher) Publish(_ context.Context, evt models.CallEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return c.err
}

func (c *capturePublisher) Events() []models.CallEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.CallEvent(nil), c.events...)
}

type captureArchiver struct {
	mu     sync.Mutex
	bodies []string
}

func (a *captureArchiver) Archive(_ context.Context, provider, _ string, body []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bodies = append(a.bodies, string(body))
	return "webhooks/malformed/" + provider + "/x", nil
}

type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memoryDeduper) FirstSeen(_ context.Context, key string, _ time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

func newTestRouter(t *testing.T, verifier SignatureVerifier, opts PipelineOptions) (*mux.Router, *Pipeline, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	normalizer := NewNormalizer(calls.StaticResolver{"+15550100001": "acct-number"})
	pipeline := NewPipeline(context.Background(), normalizer, pub, opts)
	handler := NewHandler(pipeline, verifier)

	router := mux.NewRouter()
	hooks := router.PathPrefix("/webhooks").Subrouter()
	hooks.Use(BodyMiddleware(1 << 20))
	hooks.Handle("/voice", handler).Methods(http.MethodPost)
	hooks.Handle("/voice/status", handler).Methods(http.MethodPost)
	hooks.Handle("/{provider}", handler).Methods(http.MethodPost)
	return router, pipeline, pub
}

func post(router http.Handler, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestFormStatusCallbackScenario(t *testing.T) {
	router, pipeline, pub := newTestRouter(t, nil, PipelineOptions{})

	rec := post(router, "/webhooks/voice?account_id=acct-1",
		"application/x-www-form-urlencoded", "CallStatus=in-progress&CallSid=CA123")
	pipeline.Wait()

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Response>")

	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.StatusInProgress, events[0].Status)
	assert.Equal(t, "CA123", events[0].ExternalCallID)
	assert.Equal(t, "acct-1", events[0].AccountID)
	assert.Equal(t, "twilio", events[0].Provider)
	assert.Equal(t, models.DirectionInbound, events[0].Direction)
}

func TestMalformedBodiesAlwaysReturn200(t *testing.T) {
	archiver := &captureArchiver{}
	router, pipeline, pub := newTestRouter(t, nil, PipelineOptions{Archiver: archiver})

	cases := []struct {
		name, target, contentType, body string
	}{
		{"truncated json", "/webhooks/vapi", "application/json", `{"message": {"type": "status-up`},
		{"json array", "/webhooks/generic", "application/json", `[1,2,3]`},
		{"bad form escape", "/webhooks/voice", "application/x-www-form-urlencoded", "CallSid=%zz&CallStatus=%"},
		{"binary", "/webhooks/voice/status", "application/octet-stream", "\x00\x01\x02"},
		{"empty", "/webhooks/voice", "application/x-www-form-urlencoded", ""},
		{"no content type garbage", "/webhooks/generic", "", "{{{{"},
		{"missing fields", "/webhooks/voice", "application/x-www-form-urlencoded", "Foo=bar"},
		{"unknown status", "/webhooks/voice?account_id=a", "application/x-www-form-urlencoded", "CallSid=CA1&CallStatus=teleporting"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(router, tc.target, tc.contentType, tc.body)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}

	pipeline.Wait()
	assert.Empty(t, pub.Events())

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	assert.Len(t, archiver.bodies, 5)
}

func TestUpstreamParsedPayloadIsReused(t *testing.T) {
	router, pipeline, pub := newTestRouter(t, nil, PipelineOptions{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice?account_id=acct-1", strings.NewReader("ignored=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req = req.WithContext(WithPayload(req.Context(), &Payload{
		Values: url.Values{"CallSid": {"CA9"}, "CallStatus": {"ringing"}},
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	pipeline.Wait()

	assert.Equal(t, http.StatusOK, rec.Code)
	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "CA9", events[0].ExternalCallID)
	assert.Equal(t, models.StatusRinging, events[0].Status)
}

func TestBodyMiddlewareReusesPostForm(t *testing.T) {
	var got *Payload
	h := BodyMiddleware(1024)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PayloadFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader("CallSid=CA1&CallStatus=busy"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	require.NoError(t, req.ParseForm())

	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.NoError(t, got.Err)
	assert.Equal(t, "CA1", got.Get("CallSid"))
	assert.Equal(t, "busy", got.Get("CallStatus"))
}

func TestBodyMiddlewareReadsJSONAfterParseForm(t *testing.T) {
	var got *Payload
	h := BodyMiddleware(1024)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PayloadFrom(r.Context())
	}))

	body := `{"call_id":"CA1","status":"ringing","account_id":"acct-1"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/generic", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	require.NoError(t, req.ParseForm())
	require.NotNil(t, req.PostForm)

	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.NoError(t, got.Err)
	assert.False(t, got.Empty())
	assert.Equal(t, body, string(got.Raw))
	assert.Equal(t, "CA1", got.First("call_id", "callId"))
}

func TestReadBodyAccumulatesChunks(t *testing.T) {
	body := strings.Repeat("CallSid=CA1&", 1000)
	raw, err := readBody(iotest.OneByteReader(strings.NewReader(body)), 0)
	require.NoError(t, err)
	assert.Equal(t, body, string(raw))

	_, err = readBody(strings.NewReader(body), 100)
	assert.ErrorIs(t, err, ErrBodyTooLarge)

	_, err = readBody(iotest.ErrReader(io.ErrUnexpectedEOF), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestParseBody(t *testing.T) {
	p := ParseBody("application/json; charset=utf-8", []byte(`{"call_id":"c1","duration":42,"nested":{"a":1}}`))
	require.NoError(t, p.Err)
	assert.Equal(t, "c1", p.Get("call_id"))
	assert.Equal(t, "42", p.Get("duration"))
	assert.Equal(t, "", p.Get("nested"))
	assert.NotNil(t, p.Document)

	p = ParseBody("", []byte("CallSid=CA1"))
	require.NoError(t, p.Err)
	assert.Equal(t, "CA1", p.Get("CallSid"))

	p = ParseBody("application/xml", []byte("<x/>"))
	assert.ErrorIs(t, p.Err, ErrUnsupportedContent)
	assert.True(t, p.Empty())

	p = ParseBody("application/json", []byte("{"))
	assert.Error(t, p.Err)
	assert.True(t, p.Empty())
}

func TestNormalizeVariants(t *testing.T) {
	n := NewNormalizer(calls.StaticResolver{"+15550100001": "acct-number"})
	ctx := context.Background()

	t.Run("twilio outbound resolves by From", func(t *testing.T) {
		p := ParseBody("application/x-www-form-urlencoded", []byte(url.Values{
			"CallSid":    {"CA77"},
			"CallStatus": {"completed"},
			"Direction":  {"outbound-api"},
			"From":       {"+15550100001"},
			"To":         {"+15559990000"},
			"Timestamp":  {"Tue, 10 Mar 2026 14:00:00 +0000"},
		}.Encode()))

		evt, err := n.Normalize(ctx, Inbound{Provider: "twilio", Payload: p})
		require.NoError(t, err)
		assert.Equal(t, models.DirectionOutbound, evt.Direction)
		assert.Equal(t, models.StatusCompleted, evt.Status)
		assert.Equal(t, "acct-number", evt.AccountID)
		assert.Equal(t, time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), evt.Timestamp)
	})

	t.Run("twilio resolves by AccountSid without hint", func(t *testing.T) {
		sub := NewNormalizer(calls.StaticResolver{"twilio:AC123": "acct-sub"})
		p := ParseBody("application/x-www-form-urlencoded", []byte("CallStatus=in-progress&CallSid=CA123&AccountSid=AC123"))

		evt, err := sub.Normalize(ctx, Inbound{Provider: "twilio", Payload: p})
		require.NoError(t, err)
		assert.Equal(t, "acct-sub", evt.AccountID)
		assert.Equal(t, models.StatusInProgress, evt.Status)
	})

	t.Run("unmapped AccountSid falls back to number", func(t *testing.T) {
		p := ParseBody("application/x-www-form-urlencoded", []byte(url.Values{
			"CallSid":    {"CA78"},
			"CallStatus": {"ringing"},
			"AccountSid": {"ACunknown"},
			"To":         {"+15550100001"},
		}.Encode()))

		evt, err := n.Normalize(ctx, Inbound{Provider: "twilio", Payload: p})
		require.NoError(t, err)
		assert.Equal(t, "acct-number", evt.AccountID)
	})

	t.Run("vapi status update", func(t *testing.T) {
		p := ParseBody("application/json", []byte(`{
			"message": {
				"type": "status-update",
				"status": "ringing",
				"timestamp": 1773151200000,
				"call": {
					"id": "vapi-1",
					"type": "inboundPhoneCall",
					"phoneNumber": {"number": "+15550100001"},
					"customer": {"number": "+15551112222"}
				}
			}
		}`))

		evt, err := n.Normalize(ctx, Inbound{Provider: "vapi", Payload: p})
		require.NoError(t, err)
		assert.Equal(t, "vapi", evt.Provider)
		assert.Equal(t, "vapi-1", evt.ExternalCallID)
		assert.Equal(t, models.StatusRinging, evt.Status)
		assert.Equal(t, models.DirectionInbound, evt.Direction)
		assert.Equal(t, "acct-number", evt.AccountID)
		assert.Equal(t, "+15550100001", evt.To)
		assert.Equal(t, time.UnixMilli(1773151200000).UTC(), evt.Timestamp)
	})

	t.Run("vapi transcript is ignored", func(t *testing.T) {
		p := ParseBody("application/json", []byte(`{"message":{"type":"transcript","call":{"id":"v"}}}`))
		_, err := n.Normalize(ctx, Inbound{Payload: p})
		assert.ErrorIs(t, err, ErrUnsupportedEvent)
	})

	t.Run("generic with account in payload", func(t *testing.T) {
		p := ParseBody("application/json", []byte(`{"call_id":"g1","status":"no_answer","direction":"outbound","account_id":"acct-7","timestamp":"2026-03-10T14:00:00Z"}`))
		evt, err := n.Normalize(ctx, Inbound{Payload: p})
		require.NoError(t, err)
		assert.Equal(t, models.StatusNoAnswer, evt.Status)
		assert.Equal(t, "acct-7", evt.AccountID)
	})

	t.Run("url hint wins over payload", func(t *testing.T) {
		p := ParseBody("application/json", []byte(`{"call_id":"g1","status":"busy","account_id":"acct-7"}`))
		evt, err := n.Normalize(ctx, Inbound{Payload: p, AccountHint: "acct-url"})
		require.NoError(t, err)
		assert.Equal(t, "acct-url", evt.AccountID)
	})

	t.Run("missing fields", func(t *testing.T) {
		p := ParseBody("application/x-www-form-urlencoded", []byte("CallStatus=ringing"))
		_, err := n.Normalize(ctx, Inbound{Payload: p, AccountHint: "a"})
		assert.ErrorIs(t, err, ErrMissingField)

		p = ParseBody("application/x-www-form-urlencoded", []byte("CallSid=CA1&CallStatus=ringing&To=%2B15550000000"))
		_, err = n.Normalize(ctx, Inbound{Payload: p})
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("receipt time fallback", func(t *testing.T) {
		received := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		p := ParseBody("application/json", []byte(`{"call_id":"g2","status":"queued"}`))
		evt, err := n.Normalize(ctx, Inbound{Payload: p, AccountHint: "a", ReceivedAt: received})
		require.NoError(t, err)
		assert.Equal(t, received, evt.Timestamp)
	})
}

func TestPipelineDedupAndPublishError(t *testing.T) {
	pub := &capturePublisher{}
	p := NewPipeline(context.Background(), NewNormalizer(nil), pub, PipelineOptions{
		Deduper:     &memoryDeduper{},
		DedupWindow: time.Minute,
	})
	in := Inbound{
		Provider:    "twilio",
		AccountHint: "acct-1",
		Payload:     ParseBody("application/x-www-form-urlencoded", []byte("CallSid=CA1&CallStatus=ringing")),
	}

	_, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	_, err = p.Process(context.Background(), in)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Len(t, pub.Events(), 1)

	pub.err = errors.New("redis down")
	in.Payload = ParseBody("application/x-www-form-urlencoded", []byte("CallSid=CA1&CallStatus=completed"))
	_, err = p.Process(context.Background(), in)
	assert.Error(t, err)
}

func twilioSignature(token, fullURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}

	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestPipelineSubmitDuringClose(t *testing.T) {
	pub := &capturePublisher{}
	p := NewPipeline(context.Background(), NewNormalizer(nil), pub, PipelineOptions{})
	in := Inbound{
		Provider:    "twilio",
		AccountHint: "acct-1",
		Payload:     ParseBody("application/x-www-form-urlencoded", []byte("CallSid=CA1&CallStatus=ringing")),
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.Submit(in)
			}
		}()
	}
	p.Close()
	wg.Wait()
	p.Wait()

	before := len(pub.Events())
	p.Submit(in)
	p.Wait()
	assert.Len(t, pub.Events(), before, "nothing runs after Close")
}

func TestPipelineSubmitAfterContextDone(t *testing.T) {
	pub := &capturePublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPipeline(ctx, NewNormalizer(nil), pub, PipelineOptions{})
	cancel()

	p.Submit(Inbound{
		Provider:    "twilio",
		AccountHint: "acct-1",
		Payload:     ParseBody("application/x-www-form-urlencoded", []byte("CallSid=CA1&CallStatus=ringing")),
	})
	p.Wait()
	assert.Empty(t, pub.Events())
}

func TestTwilioSignature(t *testing.T) {
	verifier := NewTwilioVerifier("auth-token", "https://api.voxline.test")
	router, pipeline, pub := newTestRouter(t, verifier, PipelineOptions{})

	params := map[string]string{"CallSid": "CA5", "CallStatus": "ringing"}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	send := func(signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/voice?account_id=acct-1", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if signature != "" {
			req.Header.Set("X-Twilio-Signature", signature)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("").Code)
	assert.Equal(t, http.StatusOK, send("bogus").Code)
	pipeline.Wait()
	assert.Empty(t, pub.Events())

	sig := twilioSignature("auth-token", "https://api.voxline.test/webhooks/voice?account_id=acct-1", params)
	assert.Equal(t, http.StatusOK, send(sig).Code)
	pipeline.Wait()
	assert.Len(t, pub.Events(), 1)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	for _, raw := range []string{
		"2026-03-10T14:00:00Z",
		"Tue, 10 Mar 2026 14:00:00 +0000",
		"1773151200",
		"1773151200000",
	} {
		got, ok := parseTimestamp(raw)
		assert.True(t, ok, raw)
		assert.True(t, want.Equal(got), raw)
	}

	_, ok := parseTimestamp("yesterday")
	assert.False(t, ok)
}
