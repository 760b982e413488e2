// Package controller serves the signing relay to the Bedrock runtime.
package controller

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/nextrelay/bedrock-proxy/common/config"
	"github.com/nextrelay/bedrock-proxy/common/ctxkey"
	"github.com/nextrelay/bedrock-proxy/common/helper"
	"github.com/nextrelay/bedrock-proxy/middleware"
	"github.com/nextrelay/bedrock-proxy/monitor"
	"github.com/nextrelay/bedrock-proxy/relay/adaptor/aws/signer"
	"github.com/nextrelay/bedrock-proxy/relay/adaptor/aws/utils"
	relaymodel "github.com/nextrelay/bedrock-proxy/relay/model"
	"github.com/nextrelay/bedrock-proxy/relay/streaming"
)

const relayBufferSize = 32 * 1024

// Authenticator decides whether the caller of c may use provider.
type Authenticator interface {
	Auth(c *gin.Context, provider string) middleware.AuthResult
}

// hopByHopHeaders are never copied from the upstream response.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Www-Authenticate",
}

// BedrockRelay signs inbound calls with the server credentials and relays
// them to the Bedrock runtime. Every field is read-only after construction.
type BedrockRelay struct {
	cfg     *config.ServerConfig
	creds   signer.Credentials
	base    *url.URL
	auth    Authenticator
	signer  *signer.Signer
	client  *http.Client
	metrics *monitor.RelayMetrics
}

// NewBedrockRelay resolves the upstream endpoint and the signing identity
// once. metrics may be nil.
func NewBedrockRelay(ctx context.Context,
	cfg *config.ServerConfig,
	auth Authenticator,
	client *http.Client,
	metrics *monitor.RelayMetrics,
) (*BedrockRelay, error) {
	if cfg == nil {
		return nil, errors.New("server config is required")
	}
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if client == nil {
		return nil, errors.New("http client is required")
	}

	baseURL := utils.ResolveBaseURL(ctx, cfg.BaseURL, cfg.Region, config.DefaultBedrockBaseURL)
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse upstream base url %q", baseURL)
	}
	if base.Host == "" {
		return nil, errors.Errorf("upstream base url %q has no host", baseURL)
	}

	creds, err := signer.ResolveCredentials(ctx, signer.Credentials{
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		SessionToken:    cfg.SessionToken,
		Region:          cfg.Region,
	}, cfg.UseDefaultCredentials)
	if err != nil {
		return nil, errors.Wrap(err, "resolve bedrock credentials")
	}

	return &BedrockRelay{
		cfg:     cfg,
		creds:   creds,
		base:    base,
		auth:    auth,
		signer:  signer.New(),
		client:  client,
		metrics: metrics,
	}, nil
}

// BaseURL returns the resolved upstream base URL.
func (r *BedrockRelay) BaseURL() string {
	return r.base.String()
}

// Handle is the gin handler for every method under the mount path.
func (r *BedrockRelay) Handle(c *gin.Context) {
	if c.Request.Method == http.MethodOptions {
		c.JSON(http.StatusOK, gin.H{"body": "OK"})
		return
	}

	start := time.Now()
	lg := gmw.GetLogger(c)

	if res := r.auth.Auth(c, r.cfg.Provider); res.Error {
		lg.Info("relay auth failed", zap.String("reason", res.Msg))
		r.metrics.RecordOutcome(r.cfg.Provider, monitor.OutcomeAuthFailed, time.Since(start))
		c.JSON(http.StatusUnauthorized, res)
		return
	}

	outcome, err := r.relay(c)
	r.metrics.RecordOutcome(r.cfg.Provider, outcome, time.Since(start))
	if err == nil {
		lg.Debug("relay finished",
			zap.String("outcome", outcome),
			zap.Int64("elapsed_ms", helper.ElapsedMillis(start)))
		return
	}

	if c.Writer.Written() {
		// status line already sent, the body is simply cut short
		lg.Warn("relay ended after response started",
			zap.String("outcome", outcome),
			zap.Error(err))
		return
	}

	lg.Error("relay failed", zap.String("outcome", outcome), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   true,
		"message": helper.MessageWithRequestId(err.Error(), c.GetString(helper.RequestIdKey)),
	})
}

// relay runs one call past authentication. It writes the 403 and upstream
// responses itself and returns an error only for failures left to Handle.
func (r *BedrockRelay) relay(c *gin.Context) (outcome string, err error) {
	lg := gmw.GetLogger(c)

	sess := streaming.NewSession(c.Request.Context(), r.cfg.RelayTimeout)
	defer sess.Release()

	body, err := r.readBody(c, sess)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   true,
				"message": helper.MessageWithRequestId(err.Error(), c.GetString(helper.RequestIdKey)),
			})
			return monitor.OutcomeFailed, nil
		}
		if sess.Err() != nil {
			return monitor.OutcomeAborted, err
		}
		return monitor.OutcomeFailed, err
	}

	check := relaymodel.CheckModel(r.cfg.AllowList, body, r.cfg.Provider)
	switch check.Decision {
	case relaymodel.DecisionBlocked:
		lg.Info("model not allowed", zap.String("model", check.Model))
		c.JSON(http.StatusForbidden, gin.H{
			"error":   true,
			"message": "you are not allowed to use " + check.Model + " model",
		})
		return monitor.OutcomeBlocked, nil
	case relaymodel.DecisionSkipped:
		lg.Warn("model allow-list check skipped", zap.Error(check.Reason))
	}

	unsigned := signer.UnsignedRequest{
		Host:    r.base.Host,
		Path:    r.upstreamPath(c.Request.URL),
		Method:  c.Request.Method,
		Service: signer.ServiceName,
		Region:  r.creds.Region,
		Body:    body,
	}
	if accept := c.Request.Header.Get("Accept"); accept != "" {
		unsigned.Headers = map[string]string{"Accept": accept}
	}

	signed, err := r.signer.Sign(sess.Context(), unsigned, r.creds, time.Now())
	if err != nil {
		return monitor.OutcomeFailed, errors.Wrap(err, "sign upstream request")
	}

	req, err := http.NewRequestWithContext(sess.Context(), signed.Method,
		r.base.Scheme+"://"+signed.Host+signed.Path, bytes.NewReader(signed.Body))
	if err != nil {
		return monitor.OutcomeFailed, errors.Wrap(err, "build upstream request")
	}
	signed.Apply(req)

	lg.Debug("forwarding to upstream",
		zap.String("method", req.Method),
		zap.String("path", signed.Path),
		zap.String("model", check.Model),
		zap.Bool("access_code", c.GetBool(ctxkey.AccessCodeUsed)))

	resp, err := r.client.Do(req)
	if err != nil {
		if sess.Err() != nil {
			return monitor.OutcomeAborted, errors.Wrap(sess.Err(), "upstream request")
		}
		return monitor.OutcomeFailed, errors.Wrap(err, "upstream request")
	}
	defer func() { _ = resp.Body.Close() }()
	r.metrics.RecordUpstreamStatus(r.cfg.Provider, resp.StatusCode)

	copyResponseHeader(c.Writer.Header(), resp.Header)
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()

	if err = streamBody(c.Writer, resp.Body); err != nil {
		if sess.Err() != nil {
			return monitor.OutcomeAborted, errors.Wrap(sess.Err(), "relay response body")
		}
		return monitor.OutcomeFailed, errors.Wrap(err, "relay response body")
	}

	return monitor.OutcomeCompleted, nil
}

// readBody reads the inbound body under the session, so a client that
// never finishes its upload is cut off by the relay timeout.
func (r *BedrockRelay) readBody(c *gin.Context, sess *streaming.Session) ([]byte, error) {
	src := c.Request.Body
	if r.cfg.MaxBodyBytes > 0 {
		src = http.MaxBytesReader(c.Writer, src, r.cfg.MaxBodyBytes)
	}

	rc := http.NewResponseController(c.Writer)
	if r.cfg.RelayTimeout > 0 {
		if err := rc.SetReadDeadline(time.Now().Add(r.cfg.RelayTimeout)); err == nil {
			// the connection watcher must not inherit the upload deadline
			defer func() { _ = rc.SetReadDeadline(time.Time{}) }()
		}
	}

	type readResult struct {
		body []byte
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		body, err := io.ReadAll(src)
		done <- readResult{body: body, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if cause := sess.Err(); cause != nil {
				return nil, errors.Wrap(cause, "read request body")
			}
			return nil, errors.Wrap(res.err, "read request body")
		}
		return res.body, nil
	case <-sess.Context().Done():
		return nil, errors.Wrap(sess.Err(), "read request body")
	}
}

// upstreamPath strips the mount prefix and joins the rest onto the base path.
// The query string is not forwarded.
func (r *BedrockRelay) upstreamPath(inbound *url.URL) string {
	sub := strings.TrimPrefix(inbound.EscapedPath(), r.cfg.MountPath)
	if !strings.HasPrefix(sub, "/") {
		sub = "/" + sub
	}
	return strings.TrimSuffix(r.base.EscapedPath(), "/") + sub
}

func copyResponseHeader(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	for _, key := range hopByHopHeaders {
		dst.Del(key)
	}
}

// streamBody writes src to w as it arrives, flushing after every chunk.
func streamBody(w gin.ResponseWriter, src io.Reader) error {
	buf := make([]byte, relayBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return errors.Wrap(werr, "write to client")
			}
			w.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read upstream body")
		}
	}
}
