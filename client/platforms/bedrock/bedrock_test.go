package bedrock

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextrelay/bedrock-proxy/client/api"
	"github.com/nextrelay/bedrock-proxy/client/transport"
	"github.com/nextrelay/bedrock-proxy/common/config"
	"github.com/nextrelay/bedrock-proxy/relay/streaming"
)

func ptr[T any](v T) *T { return &v }

type result struct {
	updates  []string
	finishes []string
	errs     []error
	ctrl     api.Controller
}

func (r *result) options(messages []api.Message, cfg api.ChatConfig) api.ChatOptions {
	return api.ChatOptions{
		Messages:     messages,
		Config:       cfg,
		OnUpdate:     func(text, chunk string) { r.updates = append(r.updates, chunk) },
		OnFinish:     func(text string, _ *http.Response) { r.finishes = append(r.finishes, text) },
		OnError:      func(err error) { r.errs = append(r.errs, err) },
		OnController: func(c api.Controller) { r.ctrl = c },
	}
}

func chunkFrame(t *testing.T, text string) []byte {
	t.Helper()
	inner, _ := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"delta": map[string]string{"type": "text_delta", "text": text},
	})
	payload, _ := json.Marshal(map[string]string{"bytes": base64.StdEncoding.EncodeToString(inner)})

	var buf bytes.Buffer
	err := eventstream.NewEncoder().Encode(&buf, eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":event-type", Value: eventstream.StringValue("chunk")},
			{Name: ":message-type", Value: eventstream.StringValue("event")},
		},
		Payload: payload,
	})
	assert.NoError(t, err)
	return buf.Bytes()
}

func newStore(baseURL string) StaticStore {
	return StaticStore{
		AccessSettings: AccessSettings{UseCustomConfig: true, BedrockURL: baseURL, AccessCode: "code"},
		App: api.ModelConfig{
			Model:       ptr("anthropic.claude-3-haiku"),
			MaxTokens:   ptr(1024),
			Temperature: ptr(0.5),
			TopP:        ptr(1.0),
		},
		Session: api.ModelConfig{
			MaxTokens:   ptr(2048),
			Temperature: ptr(0.0),
		},
	}
}

func TestPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		store StaticStore
		isApp bool
		want  string
	}{
		{name: "custom-no-scheme-trailing-slash", store: StaticStore{AccessSettings: AccessSettings{UseCustomConfig: true, BedrockURL: "example.com/"}}, want: "https://example.com/model/x/invoke"},
		{name: "custom-http", store: StaticStore{AccessSettings: AccessSettings{UseCustomConfig: true, BedrockURL: "http://example.com"}}, want: "http://example.com/model/x/invoke"},
		{name: "custom-no-scheme", store: StaticStore{AccessSettings: AccessSettings{UseCustomConfig: true, BedrockURL: "example.com"}}, want: "https://example.com/model/x/invoke"},
		{name: "custom-disabled", store: StaticStore{AccessSettings: AccessSettings{BedrockURL: "example.com"}}, want: config.BedrockMountPath + "/model/x/invoke"},
		{name: "custom-empty-app", store: StaticStore{AccessSettings: AccessSettings{UseCustomConfig: true}}, isApp: true, want: config.DefaultBedrockBaseURL + "/model/x/invoke"},
		{name: "web-default", store: StaticStore{}, want: "/api/bedrock/model/x/invoke"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := New(tc.store, WithAppMode(tc.isApp))
			require.Equal(t, tc.want, a.Path("model/x/invoke"))
		})
	}
}

func TestMergeModelConfig(t *testing.T) {
	t.Parallel()

	merged, err := MergeModelConfig(
		api.ModelConfig{Model: ptr("global"), MaxTokens: ptr(100), Temperature: ptr(0.7)},
		api.ModelConfig{Temperature: ptr(0.0)},
		api.ModelConfig{Model: ptr("call")},
	)
	require.NoError(t, err)
	require.Equal(t, "call", *merged.Model)
	require.Equal(t, 100, *merged.MaxTokens)
	require.InDelta(t, 0.0, *merged.Temperature, 0)
	require.Nil(t, merged.TopP)
}

func TestBuildPayload(t *testing.T) {
	t.Parallel()

	a := New(newStore("http://unused"))
	payload, err := a.BuildPayload(api.ChatOptions{
		Messages: []api.Message{
			{Role: api.RoleSystem, Content: "be brief"},
			{Role: api.RoleUser, Parts: []api.ContentPart{
				{Type: api.ContentTypeImageURL, ImageURL: "https://example.com/cat.png"},
				{Type: api.ContentTypeText, Text: "what is this?"},
			}},
		},
		Config: api.ChatConfig{Model: "anthropic.claude-3-sonnet", Stream: true},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"what is this?"}],
		"stream":true,
		"model":"anthropic.claude-3-sonnet",
		"max_tokens":2048,
		"temperature":0,
		"top_p":1,
		"anthropic_version":"bedrock-2023-05-31"
	}`, string(raw))
}

func TestBuildPayloadWithoutModel(t *testing.T) {
	t.Parallel()

	_, err := New(StaticStore{}).BuildPayload(api.ChatOptions{})
	require.Error(t, err)
}

func TestChatRegistersControllerBeforePayload(t *testing.T) {
	var res result
	New(StaticStore{}, WithTransport(panicTransport{})).Chat(context.Background(),
		res.options([]api.Message{{Role: api.RoleUser, Content: "hi"}}, api.ChatConfig{}))

	require.NotNil(t, res.ctrl)
	require.Len(t, res.errs, 1)
	require.ErrorContains(t, res.errs[0], "no model configured")
	require.Empty(t, res.finishes)
	require.NotPanics(t, res.ctrl.Abort)
}

func TestChatStreamingOrder(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		w.Header().Set("Content-Type", transport.ContentTypeEventStream)
		for _, part := range []string{"Hel", "lo, ", "world"} {
			_, _ = w.Write(chunkFrame(t, part))
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	var res result
	New(newStore(srv.URL+"/")).Chat(context.Background(), res.options(
		[]api.Message{{Role: api.RoleUser, Content: "hi"}},
		api.ChatConfig{Model: "anthropic.claude-3-haiku", Stream: true},
	))

	require.Equal(t, []string{"Hel", "lo, ", "world"}, res.updates)
	require.Equal(t, []string{"Hello, world"}, res.finishes)
	require.Empty(t, res.errs)
	require.NotNil(t, res.ctrl)

	require.Equal(t, "/model/anthropic.claude-3-haiku/invoke-with-response-stream", gotPath)
	require.Equal(t, "Bearer nk-code", gotAuth)
	require.Equal(t, AnthropicVersion, gotBody["anthropic_version"])
	require.Equal(t, true, gotBody["stream"])
}

func TestChatBuffered(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "first-block", body: `{"content":[{"type":"text","text":"hi"},{"type":"text","text":"there"}]}`, want: "hi"},
		{name: "no-content", body: `{"content":[]}`, want: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			var gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			var res result
			New(newStore(srv.URL)).Chat(context.Background(), res.options(
				[]api.Message{{Role: api.RoleUser, Content: "hi"}}, api.ChatConfig{},
			))

			require.Equal(t, []string{tc.want}, res.finishes)
			require.Empty(t, res.errs)
			require.Empty(t, res.updates)
			require.Equal(t, "/model/anthropic.claude-3-haiku/invoke", gotPath)
		})
	}
}

func TestChatBufferedUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":true,"message":"you are not allowed to use x model"}`))
	}))
	defer srv.Close()

	var res result
	New(newStore(srv.URL)).Chat(context.Background(), res.options(nil, api.ChatConfig{}))
	require.Len(t, res.errs, 1)
	require.ErrorContains(t, res.errs[0], "403")
	require.Empty(t, res.finishes)
}

func TestChatTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	for _, stream := range []bool{false, true} {
		var res result
		start := time.Now()
		New(newStore(srv.URL), WithTimeout(100*time.Millisecond)).Chat(context.Background(),
			res.options(nil, api.ChatConfig{Stream: stream}))

		require.Less(t, time.Since(start), 3*time.Second)
		require.Len(t, res.errs, 1)
		require.ErrorIs(t, res.errs[0], streaming.ErrAborted)
		require.ErrorIs(t, res.errs[0], streaming.ErrTimeout)
		require.Empty(t, res.finishes)
	}
}

func TestChatAbortMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", transport.ContentTypeEventStream)
		_, _ = w.Write(chunkFrame(t, "first"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	var res result
	opts := res.options(nil, api.ChatConfig{Stream: true})
	opts.OnUpdate = func(text, chunk string) {
		res.updates = append(res.updates, chunk)
		res.ctrl.Abort()
		res.ctrl.Abort()
	}
	New(newStore(srv.URL)).Chat(context.Background(), opts)

	require.Equal(t, []string{"first"}, res.updates)
	require.Len(t, res.errs, 1)
	require.ErrorIs(t, res.errs[0], streaming.ErrAborted)
	require.NotErrorIs(t, res.errs[0], streaming.ErrTimeout)
	require.Empty(t, res.finishes)
}

type panicTransport struct{}

func (panicTransport) Fetch(context.Context, string, transport.Request) (*http.Response, error) {
	panic("transport exploded")
}

func (panicTransport) Stream(context.Context, string, transport.Request, transport.StreamHandlers) error {
	panic("transport exploded")
}

type silentTransport struct{ panicTransport }

func (silentTransport) Stream(context.Context, string, transport.Request, transport.StreamHandlers) error {
	return nil
}

func TestChatReportsFailuresThroughOnError(t *testing.T) {
	cases := []struct {
		name   string
		api    *Api
		stream bool
		want   string
	}{
		{name: "panic-buffered", api: New(newStore("http://x"), WithTransport(panicTransport{})), want: "transport exploded"},
		{name: "panic-stream", api: New(newStore("http://x"), WithTransport(panicTransport{})), stream: true, want: "transport exploded"},
		{name: "stream-without-result", api: New(newStore("http://x"), WithTransport(silentTransport{})), stream: true, want: "without a result"},
		{name: "relative-url-without-origin", api: New(StaticStore{App: api.ModelConfig{Model: ptr("m")}}), want: "needs an origin"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			var res result
			require.NotPanics(t, func() {
				tc.api.Chat(context.Background(), res.options(nil, api.ChatConfig{Stream: tc.stream}))
			})
			require.Len(t, res.errs, 1)
			require.ErrorContains(t, res.errs[0], tc.want)
			require.Empty(t, res.finishes)
		})
	}
}

func TestChatRelativePathWithOrigin(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"content":[{"text":"ok"}]}`))
	}))
	defer srv.Close()

	var res result
	New(StaticStore{App: api.ModelConfig{Model: ptr("m")}}, WithOrigin(srv.URL+"/")).
		Chat(context.Background(), res.options(nil, api.ChatConfig{}))

	require.Equal(t, []string{"ok"}, res.finishes)
	require.Equal(t, "/api/bedrock/model/m/invoke", gotPath)
}

func TestExtractMessage(t *testing.T) {
	t.Parallel()

	var res ChatResponse
	require.NoError(t, json.Unmarshal([]byte(`{"content":[{"text":"hi"}]}`), &res))
	text, ok := ExtractMessage(res)
	require.True(t, ok)
	require.Equal(t, "hi", text)

	require.NoError(t, json.Unmarshal([]byte(`{"content":[]}`), &res))
	text, ok = ExtractMessage(res)
	require.False(t, ok)
	require.Empty(t, text)
}

func TestCapabilityGaps(t *testing.T) {
	t.Parallel()
	a := New(StaticStore{})

	usage, err := a.Usage(context.Background())
	require.NoError(t, err)
	require.Equal(t, api.LLMUsage{}, usage)

	models, err := a.Models(context.Background())
	require.NoError(t, err)
	require.NotNil(t, models)
	require.Empty(t, models)
	require.False(t, a.Capabilities().ListModels)

	_, err = a.Speech(context.Background(), api.SpeechOptions{Input: "hello"})
	require.True(t, errors.Is(err, api.ErrCapabilityNotImplemented))
}
