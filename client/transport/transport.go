// Package transport performs buffered and streamed chat calls and turns
// upstream stream frames into text deltas.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

const (
	// ContentTypeEventStream is the AWS binary event stream media type.
	ContentTypeEventStream = "application/vnd.amazon.eventstream"
	// ContentTypeSSE is the server-sent events media type.
	ContentTypeSSE = "text/event-stream"

	dataPrefix   = "data:"
	doneMarker   = "[DONE]"
	errBodyLimit = 4096
)

// Request describes one outbound call.
type Request struct {
	Method  string
	Headers http.Header
	Body    []byte
}

// StreamHandlers receive the stream in order. Exactly one of OnEnd and
// OnError is called.
type StreamHandlers struct {
	// OnData receives the accumulated text and the latest delta.
	OnData  func(text, chunk string)
	OnEnd   func(text string, resp *http.Response)
	OnError func(err error)
}

// Client performs calls over an http.Client.
type Client struct {
	httpClient *http.Client
}

// New returns a Client. A nil httpClient uses http.DefaultClient.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient}
}

func (c *Client) do(ctx context.Context, url string, r Request) (*http.Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(r.Body))
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	for key, values := range r.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, errors.Wrap(cause, "do request")
		}
		return nil, errors.Wrap(err, "do request")
	}
	return resp, nil
}

// Fetch performs a buffered call. The caller closes the response body.
func (c *Client) Fetch(ctx context.Context, url string, r Request) (*http.Response, error) {
	return c.do(ctx, url, r)
}

// Stream performs a streamed call and blocks until it settles. Handlers run
// on the calling goroutine. The returned error is the one passed to OnError.
func (c *Client) Stream(ctx context.Context, url string, r Request, h StreamHandlers) (err error) {
	defer func() {
		if err != nil && h.OnError != nil {
			h.OnError(err)
		}
	}()

	resp, err := c.do(ctx, url, r)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return errors.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var text strings.Builder
	emit := func(payload []byte) error {
		delta, err := ExtractDelta(payload)
		if err != nil {
			return err
		}
		if delta == "" {
			return nil
		}
		text.WriteString(delta)
		if h.OnData != nil {
			h.OnData(text.String(), delta)
		}
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case ContentTypeEventStream:
		err = decodeEventStream(resp.Body, emit)
	default:
		err = decodeSSE(resp.Body, emit)
	}
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return errors.Wrap(cause, "read stream")
		}
		return errors.Wrap(err, "read stream")
	}

	if h.OnEnd != nil {
		h.OnEnd(text.String(), resp)
	}
	return nil
}

type eventChunk struct {
	Bytes string `json:"bytes"`
}

// decodeEventStream reads AWS event stream frames and hands every chunk
// payload to emit.
func decodeEventStream(r io.Reader, emit func([]byte) error) error {
	dec := eventstream.NewDecoder()
	var buf []byte
	for {
		msg, err := dec.Decode(r, buf)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "decode event stream frame")
		}

		switch headerString(msg.Headers, ":message-type") {
		case "exception", "error":
			return errors.Errorf("upstream %s: %s",
				firstNonEmpty(headerString(msg.Headers, ":exception-type"), headerString(msg.Headers, ":error-code")),
				strings.TrimSpace(string(msg.Payload)))
		}
		if headerString(msg.Headers, ":event-type") != "chunk" {
			continue
		}

		var chunk eventChunk
		if err = json.Unmarshal(msg.Payload, &chunk); err != nil {
			return errors.Wrap(err, "unmarshal chunk")
		}
		payload, err := base64.StdEncoding.DecodeString(chunk.Bytes)
		if err != nil {
			return errors.Wrap(err, "decode chunk bytes")
		}
		if err = emit(payload); err != nil {
			return err
		}
	}
}

// decodeSSE hands every "data:" line payload to emit until [DONE] or EOF.
func decodeSSE(r io.Reader, emit func([]byte) error) error {
	scanner := bufio.NewScanner(r)
	buffer := make([]byte, 1024*1024) // 1MB buffer
	scanner.Buffer(buffer, len(buffer))
	scanner.Split(bufio.ScanLines)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if data == doneMarker {
			return nil
		}
		if data == "" {
			continue
		}
		if err := emit([]byte(data)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scan event stream")
	}
	return nil
}

func headerString(hs eventstream.Headers, name string) string {
	v := hs.Get(name)
	if v == nil {
		return ""
	}
	return v.String()
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Completion string `json:"completion"`
	Choices    []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ExtractDelta returns the text carried by one stream event. Events
// without text yield "". Error events are returned as errors.
func ExtractDelta(payload []byte) (string, error) {
	var ev streamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", errors.Wrap(err, "unmarshal stream event")
	}

	switch {
	case ev.Error != nil:
		return "", errors.Errorf("upstream %s: %s", ev.Error.Type, ev.Error.Message)
	case ev.Delta != nil:
		return ev.Delta.Text, nil
	case ev.Completion != "":
		return ev.Completion, nil
	case len(ev.Choices) > 0:
		return ev.Choices[0].Delta.Content, nil
	}
	return "", nil
}
