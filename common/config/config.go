package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/go-playground/validator/v10"

	"github.com/nextrelay/bedrock-proxy/common/env"
	"github.com/nextrelay/bedrock-proxy/relay/model"
)

const (
	// BedrockMountPath is the route prefix under which the signing proxy is served.
	BedrockMountPath = "/api/bedrock"
	// BedrockProvider tags allow-list entries and auth checks for this upstream.
	BedrockProvider = "bedrock"
	// DefaultBedrockRegion is used when BEDROCK_REGION is unset.
	DefaultBedrockRegion = "us-west-2"
	// DefaultBedrockBaseURL is the fallback upstream when no region specific endpoint can be resolved.
	DefaultBedrockBaseURL = "https://bedrock-runtime.us-west-2.amazonaws.com"
)

var (
	// DebugEnabled toggles verbose structured logging when DEBUG=true.
	DebugEnabled = env.Bool("DEBUG", false)
	// ServerPort overrides the --port flag when running inside container or PaaS environments.
	ServerPort = strings.TrimSpace(env.String("PORT", ""))
	// GinMode allows forcing Gin into release mode (or other modes) without recompiling.
	GinMode = strings.TrimSpace(env.String("GIN_MODE", ""))

	// BedrockURL overrides the upstream base URL. A missing scheme defaults to https.
	BedrockURL = strings.TrimSpace(env.String("BEDROCK_URL", ""))
	// BedrockRegion selects the signing region and the default runtime endpoint.
	BedrockRegion = strings.TrimSpace(env.String("BEDROCK_REGION", DefaultBedrockRegion))
	// BedrockAccessKeyID is the AWS access key used for request signing.
	BedrockAccessKeyID = strings.TrimSpace(env.String("BEDROCK_ACCESS_KEY_ID", ""))
	// BedrockSecretAccessKey is the AWS secret key used for request signing.
	BedrockSecretAccessKey = strings.TrimSpace(env.String("BEDROCK_SECRET_ACCESS_KEY", ""))
	// BedrockSessionToken is the optional STS session token sent as X-Amz-Security-Token.
	BedrockSessionToken = strings.TrimSpace(env.String("BEDROCK_SESSION_TOKEN", ""))
	// BedrockUseDefaultCredentials resolves credentials once from the AWS default chain
	// (env, shared config, IMDS) when no static access key is configured.
	BedrockUseDefaultCredentials = env.Bool("BEDROCK_USE_DEFAULT_CREDENTIALS", false)

	// CustomModels holds the JSON encoded model allow-list. Empty means no restriction.
	CustomModels = strings.TrimSpace(env.String("CUSTOM_MODELS", ""))
	// AccessCodes is the comma separated list of access codes accepted by the relay.
	AccessCodes = env.String("CODE", "")
	// HideUserAPIKey rejects callers that bring their own key instead of an access code.
	HideUserAPIKey = env.Bool("HIDE_USER_API_KEY", false)

	// RelayTimeout bounds one proxied upstream call (seconds), including the streamed body.
	RelayTimeout = env.Int("RELAY_TIMEOUT", 10*60)
	// RelayMaxBodySize caps the inbound request body (bytes). Non-positive disables the cap.
	RelayMaxBodySize = env.Int("RELAY_MAX_BODY_SIZE", 32<<20)
	// RelayProxy provides an HTTP proxy for outbound relay requests to the upstream.
	RelayProxy = env.String("RELAY_PROXY", "")
	// CORSAllowOrigins enables CORS for the listed comma separated origins ("*" allows all).
	CORSAllowOrigins = strings.TrimSpace(env.String("CORS_ALLOW_ORIGINS", ""))

	// ShutdownTimeoutSec specifies the graceful shutdown timeout (seconds) for the HTTP server.
	ShutdownTimeoutSec = env.Int("SHUTDOWN_TIMEOUT", 30)
	// LogPushAPI defines the webhook endpoint for escalated log alerts.
	LogPushAPI = env.String("LOG_PUSH_API", "")
	// LogPushType labels outbound log alerts so downstream processors can route them.
	LogPushType = env.String("LOG_PUSH_TYPE", "")
	// LogPushToken authenticates outbound log alert requests.
	LogPushToken = env.String("LOG_PUSH_TOKEN", "")

	// EnablePrometheusMetrics exposes the /metrics endpoint for Prometheus scrapers when true.
	EnablePrometheusMetrics = env.Bool("ENABLE_PROMETHEUS_METRICS", true)

	// BedrockChatAPIBase is the relay origin used by cmd/bedrock-chat.
	BedrockChatAPIBase = env.String("BEDROCK_CHAT_API_BASE", "")
	// BedrockChatCode is the access code cmd/bedrock-chat presents to the relay.
	BedrockChatCode = env.String("BEDROCK_CHAT_CODE", "")
	// BedrockChatModels lists the models cmd/bedrock-chat sends the prompt to.
	BedrockChatModels = env.String("BEDROCK_CHAT_MODELS", "")
	// BedrockChatStream selects streamed replies in cmd/bedrock-chat.
	BedrockChatStream = env.Bool("BEDROCK_CHAT_STREAM", true)
	// BedrockChatTimeout bounds one cmd/bedrock-chat call (seconds).
	BedrockChatTimeout = env.Int("BEDROCK_CHAT_TIMEOUT", 60)
)

// ServerConfig is the immutable relay configuration. It is built once at
// start-up and shared read-only by every request handler.
type ServerConfig struct {
	MountPath       string `validate:"required,startswith=/"`
	Provider        string `validate:"required"`
	BaseURL         string
	Region          string `validate:"required"`
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// UseDefaultCredentials falls back to the AWS default credential chain
	// when AccessKeyID is empty.
	UseDefaultCredentials bool

	// AllowList is nil when no restriction is configured.
	AllowList      model.AllowList
	AccessCodes    []string
	HideUserAPIKey bool

	RelayTimeout time.Duration `validate:"gt=0"`
	// MaxBodyBytes caps the inbound body. Non-positive means no cap.
	MaxBodyBytes int64
}

// String never prints secrets.
func (c ServerConfig) String() string {
	return fmt.Sprintf("ServerConfig{mount=%s provider=%s base_url=%q region=%s access_key_set=%t session_token_set=%t allow_list=%d access_codes=%d timeout=%s max_body=%d}",
		c.MountPath, c.Provider, c.BaseURL, c.Region,
		c.AccessKeyID != "", c.SessionToken != "",
		len(c.AllowList), len(c.AccessCodes), c.RelayTimeout, c.MaxBodyBytes)
}

// Validate checks the struct tags of the config.
func (c *ServerConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid server config")
	}
	return nil
}

// LoadServerConfig snapshots the environment derived settings into a ServerConfig.
func LoadServerConfig() (*ServerConfig, error) {
	allowList, err := model.ParseAllowList(CustomModels)
	if err != nil {
		return nil, errors.Wrap(err, "parse CUSTOM_MODELS")
	}

	cfg := &ServerConfig{
		MountPath:             BedrockMountPath,
		Provider:              BedrockProvider,
		BaseURL:               BedrockURL,
		Region:                BedrockRegion,
		AccessKeyID:           BedrockAccessKeyID,
		SecretAccessKey:       BedrockSecretAccessKey,
		SessionToken:          BedrockSessionToken,
		UseDefaultCredentials: BedrockUseDefaultCredentials,
		AllowList:             allowList,
		AccessCodes:           splitAccessCodes(AccessCodes),
		HideUserAPIKey:        HideUserAPIKey,
		RelayTimeout:          time.Duration(RelayTimeout) * time.Second,
		MaxBodyBytes:          int64(RelayMaxBodySize),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitAccessCodes(raw string) []string {
	var codes []string
	for _, code := range strings.Split(raw, ",") {
		if code = strings.TrimSpace(code); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}
