package client

import (
	"net/http"
	"net/url"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/nextrelay/bedrock-proxy/common/config"
	"github.com/nextrelay/bedrock-proxy/common/logger"
)

// HTTPClient is the outbound client used to reach the upstream.
var HTTPClient *http.Client

// Init builds HTTPClient from the process configuration.
func Init() {
	c, err := New(config.RelayProxy)
	if err != nil {
		logger.Logger.Fatal("failed to build relay http client", zap.Error(err))
	}
	if config.RelayProxy != "" {
		logger.Logger.Info("using proxy for relay requests")
	}
	HTTPClient = c
}

// New returns a client that never follows redirects, so 3xx answers reach
// the caller untouched. proxyURL routes traffic through an HTTP proxy when set.
//
// The client carries no overall timeout: the relay session bounds each call
// through its context, including the streamed body.
func New(proxyURL string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 0
	transport.IdleConnTimeout = 90 * time.Second

	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, errors.Wrapf(err, "parse relay proxy url")
		}
		transport.Proxy = http.ProxyURL(u)
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}
