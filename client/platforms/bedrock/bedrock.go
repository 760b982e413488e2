// Package bedrock is the chat client for the Bedrock signing relay.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/jinzhu/copier"

	"github.com/nextrelay/bedrock-proxy/client/api"
	"github.com/nextrelay/bedrock-proxy/client/transport"
	"github.com/nextrelay/bedrock-proxy/common/config"
	"github.com/nextrelay/bedrock-proxy/common/logger"
	"github.com/nextrelay/bedrock-proxy/relay/adaptor/aws/utils"
	"github.com/nextrelay/bedrock-proxy/relay/streaming"
)

const (
	// ChatPath is the buffered invoke path, formatted with the model id.
	ChatPath = "model/%s/invoke"
	// ChatStreamPath is the streamed invoke path, formatted with the model id.
	ChatStreamPath = "model/%s/invoke-with-response-stream"
	// AnthropicVersion is sent with every payload.
	AnthropicVersion = "bedrock-2023-05-31"
	// DefaultRequestTimeout bounds one chat call.
	DefaultRequestTimeout = 60 * time.Second
)

// AccessSettings are the caller's endpoint and credential choices.
type AccessSettings struct {
	UseCustomConfig bool
	BedrockURL      string
	AccessCode      string
	APIKey          string
}

// Store supplies settings that may change between calls.
type Store interface {
	Access() AccessSettings
	AppModelConfig() api.ModelConfig
	SessionModelConfig() api.ModelConfig
}

// StaticStore is a Store with fixed values.
type StaticStore struct {
	AccessSettings AccessSettings
	App            api.ModelConfig
	Session        api.ModelConfig
}

func (s StaticStore) Access() AccessSettings              { return s.AccessSettings }
func (s StaticStore) AppModelConfig() api.ModelConfig     { return s.App }
func (s StaticStore) SessionModelConfig() api.ModelConfig { return s.Session }

// Transport performs the HTTP calls of the adapter.
type Transport interface {
	Fetch(ctx context.Context, url string, r transport.Request) (*http.Response, error)
	Stream(ctx context.Context, url string, r transport.Request, h transport.StreamHandlers) error
}

// Option configures an Api.
type Option func(*Api)

// WithTransport replaces the default transport.
func WithTransport(t Transport) Option {
	return func(a *Api) { a.transport = t }
}

// WithTimeout sets the per call timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Api) { a.timeout = d }
}

// WithAppMode makes the adapter talk to the upstream directly instead of
// the relay mount path.
func WithAppMode(isApp bool) Option {
	return func(a *Api) { a.isApp = isApp }
}

// WithOrigin sets the scheme and host that relative paths are resolved against.
func WithOrigin(origin string) Option {
	return func(a *Api) { a.origin = strings.TrimSuffix(origin, "/") }
}

// WithLogger sets the logger.
func WithLogger(lg glog.Logger) Option {
	return func(a *Api) { a.logger = lg }
}

// Api implements api.LLMApi for Bedrock.
type Api struct {
	store     Store
	transport Transport
	timeout   time.Duration
	isApp     bool
	origin    string
	logger    glog.Logger

	disableListModels bool
}

var _ api.LLMApi = (*Api)(nil)

// New returns a Bedrock chat client.
func New(store Store, opts ...Option) *Api {
	a := &Api{
		store:             store,
		timeout:           DefaultRequestTimeout,
		logger:            logger.Component("bedrock_client"),
		disableListModels: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.transport == nil {
		a.transport = transport.New(&http.Client{})
	}
	return a
}

// Path joins suffix onto the effective base URL: the custom endpoint when
// enabled, else the upstream default in app mode, else the relay mount path.
func (a *Api) Path(suffix string) string {
	var base string
	if access := a.store.Access(); access.UseCustomConfig {
		base = access.BedrockURL
	}
	if strings.TrimSpace(base) == "" {
		if a.isApp {
			base = config.DefaultBedrockBaseURL
		} else {
			base = config.BedrockMountPath
		}
	}

	if strings.HasPrefix(base, config.BedrockMountPath) {
		base = strings.TrimSuffix(base, "/")
	} else {
		base = utils.NormalizeBaseURL(base)
	}
	return base + "/" + strings.TrimPrefix(suffix, "/")
}

func (a *Api) resolveURL(path string) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", errors.Wrapf(err, "parse url %q", path)
	}
	if u.IsAbs() {
		return path, nil
	}
	if a.origin == "" {
		return "", errors.Errorf("relative url %q needs an origin", path)
	}
	return a.origin + path, nil
}

func (a *Api) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")

	access := a.store.Access()
	switch {
	case access.UseCustomConfig && access.APIKey != "":
		h.Set("Authorization", "Bearer "+access.APIKey)
	case access.AccessCode != "":
		h.Set("Authorization", "Bearer nk-"+access.AccessCode)
	}
	return h
}

// RequestMessage is a message reduced to its role and text.
type RequestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequestPayload is the JSON body sent to the relay.
type ChatRequestPayload struct {
	Messages         []RequestMessage `json:"messages"`
	Stream           bool             `json:"stream"`
	Model            string           `json:"model"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	AnthropicVersion string           `json:"anthropic_version"`
}

// MergeModelConfig applies layers in order. Set fields of later layers win,
// including explicit zero values.
func MergeModelConfig(layers ...api.ModelConfig) (api.ModelConfig, error) {
	var merged api.ModelConfig
	for i := range layers {
		if err := copier.CopyWithOption(&merged, &layers[i], copier.Option{IgnoreEmpty: true}); err != nil {
			return merged, errors.Wrapf(err, "merge model config layer %d", i)
		}
	}
	return merged, nil
}

// BuildPayload flattens the messages and merges the app, session and call
// model settings.
func (a *Api) BuildPayload(opts api.ChatOptions) (*ChatRequestPayload, error) {
	messages := make([]RequestMessage, 0, len(opts.Messages))
	for _, m := range opts.Messages {
		messages = append(messages, RequestMessage{Role: m.Role, Content: m.TextContent()})
	}

	var call api.ModelConfig
	if opts.Config.Model != "" {
		model := opts.Config.Model
		call.Model = &model
	}
	modelConfig, err := MergeModelConfig(a.store.AppModelConfig(), a.store.SessionModelConfig(), call)
	if err != nil {
		return nil, err
	}
	if modelConfig.Model == nil || *modelConfig.Model == "" {
		return nil, errors.New("no model configured")
	}

	return &ChatRequestPayload{
		Messages:         messages,
		Stream:           opts.Config.Stream,
		Model:            *modelConfig.Model,
		MaxTokens:        modelConfig.MaxTokens,
		Temperature:      modelConfig.Temperature,
		TopP:             modelConfig.TopP,
		AnthropicVersion: AnthropicVersion,
	}, nil
}

// ChatResponse is the buffered reply body.
type ChatResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// ExtractMessage returns the text of the first content block.
func ExtractMessage(res ChatResponse) (string, bool) {
	if len(res.Content) == 0 {
		return "", false
	}
	return res.Content[0].Text, true
}

// Chat sends one chat call and blocks until it settles. Exactly one of
// opts.OnFinish and opts.OnError is called.
func (a *Api) Chat(ctx context.Context, opts api.ChatOptions) {
	var settled bool
	finish := func(text string, resp *http.Response) {
		if settled {
			return
		}
		settled = true
		if opts.OnFinish != nil {
			opts.OnFinish(text, resp)
		}
	}
	fail := func(err error) {
		if settled {
			return
		}
		settled = true
		a.logger.Error("failed to chat", zap.Error(err))
		if opts.OnError != nil {
			opts.OnError(err)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			fail(errors.Errorf("chat panic: %v", r))
		}
	}()

	sess := streaming.NewSession(ctx, a.timeout)
	defer sess.Release()
	if opts.OnController != nil {
		opts.OnController(sess)
	}

	payload, err := a.BuildPayload(opts)
	if err != nil {
		fail(errors.Wrap(err, "build chat payload"))
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		fail(errors.Wrap(err, "marshal chat payload"))
		return
	}

	chatPath := ChatPath
	if payload.Stream {
		chatPath = ChatStreamPath
	}
	chatURL, err := a.resolveURL(a.Path(fmt.Sprintf(chatPath, url.PathEscape(payload.Model))))
	if err != nil {
		fail(err)
		return
	}
	req := transport.Request{
		Method:  http.MethodPost,
		Headers: a.headers(),
		Body:    body,
	}

	if payload.Stream {
		err = a.transport.Stream(sess.Context(), chatURL, req, transport.StreamHandlers{
			OnData: func(text, chunk string) {
				if opts.OnUpdate != nil {
					opts.OnUpdate(text, chunk)
				}
			},
			OnEnd:   finish,
			OnError: fail,
		})
		switch {
		case err != nil:
			fail(err)
		case !settled:
			fail(errors.New("stream ended without a result"))
		}
		return
	}

	text, resp, err := a.fetch(sess, chatURL, req)
	if err != nil {
		fail(err)
		return
	}
	finish(text, resp)
}

func (a *Api) fetch(sess *streaming.Session, chatURL string, req transport.Request) (string, *http.Response, error) {
	resp, err := a.transport.Fetch(sess.Context(), chatURL, req)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if cause := sess.Err(); cause != nil {
			return "", resp, errors.Wrap(cause, "read chat response")
		}
		return "", resp, errors.Wrap(err, "read chat response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resp, errors.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var res ChatResponse
	if err = json.Unmarshal(raw, &res); err != nil {
		return "", resp, errors.Wrap(err, "unmarshal chat response")
	}

	text, ok := ExtractMessage(res)
	if !ok {
		a.logger.Debug("chat response carries no content block")
	}
	return text, resp, nil
}

// Usage is not reported by Bedrock.
func (a *Api) Usage(context.Context) (api.LLMUsage, error) {
	return api.LLMUsage{Used: 0, Total: 0}, nil
}

// Models is always empty. Listing is not implemented for Bedrock, see Capabilities.
func (a *Api) Models(context.Context) ([]api.LLMModel, error) {
	return []api.LLMModel{}, nil
}

// Speech is not supported.
func (a *Api) Speech(context.Context, api.SpeechOptions) ([]byte, error) {
	return nil, errors.Wrap(api.ErrCapabilityNotImplemented, "bedrock speech")
}

// Capabilities reports that only chat returns real data.
func (a *Api) Capabilities() api.Capabilities {
	return api.Capabilities{ListModels: !a.disableListModels}
}
