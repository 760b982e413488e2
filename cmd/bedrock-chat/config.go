package main

import (
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/spf13/pflag"

	cfg "github.com/nextrelay/bedrock-proxy/common/config"
)

const (
	defaultAPIBase   = "http://localhost:3000"
	defaultModels    = "anthropic.claude-3-haiku-20240307-v1:0"
	defaultPrompt    = "Say hello in one short sentence."
	defaultMaxTokens = 512

	formatTable = "table"
	formatYAML  = "yaml"
)

// config captures the configuration derived from flags and environment variables.
type config struct {
	APIBase   string
	Code      string
	Models    []string
	Stream    bool
	Timeout   time.Duration
	MaxTokens int
	Prompt    string
	Format    string
}

func registerFlags(fs *pflag.FlagSet) {
	base := cfg.BedrockChatAPIBase
	if strings.TrimSpace(base) == "" {
		base = defaultAPIBase
	}
	models := cfg.BedrockChatModels
	if strings.TrimSpace(models) == "" {
		models = defaultModels
	}

	fs.String("api-base", base, "Relay origin (BEDROCK_CHAT_API_BASE)")
	fs.String("code", cfg.BedrockChatCode, "Access code presented to the relay (BEDROCK_CHAT_CODE)")
	fs.String("models", models, "Comma separated model ids (BEDROCK_CHAT_MODELS)")
	fs.Bool("stream", cfg.BedrockChatStream, "Request streamed replies (BEDROCK_CHAT_STREAM)")
	fs.Duration("timeout", time.Duration(cfg.BedrockChatTimeout)*time.Second, "Per model timeout (BEDROCK_CHAT_TIMEOUT)")
	fs.Int("max-tokens", defaultMaxTokens, "Maximum reply tokens")
	fs.StringP("format", "o", formatTable, "Report format (table, yaml)")
}

// loadConfig builds the run configuration. Positional arguments form the prompt.
func loadConfig(fs *pflag.FlagSet, args []string) (config, error) {
	base, err := fs.GetString("api-base")
	if err != nil {
		return config{}, errors.Wrap(err, "get api-base flag")
	}
	code, err := fs.GetString("code")
	if err != nil {
		return config{}, errors.Wrap(err, "get code flag")
	}
	rawModels, err := fs.GetString("models")
	if err != nil {
		return config{}, errors.Wrap(err, "get models flag")
	}
	stream, err := fs.GetBool("stream")
	if err != nil {
		return config{}, errors.Wrap(err, "get stream flag")
	}
	timeout, err := fs.GetDuration("timeout")
	if err != nil {
		return config{}, errors.Wrap(err, "get timeout flag")
	}
	maxTokens, err := fs.GetInt("max-tokens")
	if err != nil {
		return config{}, errors.Wrap(err, "get max-tokens flag")
	}
	format, err := fs.GetString("format")
	if err != nil {
		return config{}, errors.Wrap(err, "get format flag")
	}

	base = strings.TrimSpace(base)
	if base == "" {
		return config{}, errors.New("api base is empty")
	}
	models, err := parseModels(rawModels)
	if err != nil {
		return config{}, errors.Wrap(err, "parse models")
	}
	if len(models) == 0 {
		return config{}, errors.New("no models given")
	}
	if timeout <= 0 {
		return config{}, errors.Errorf("timeout must be positive, got %s", timeout)
	}
	if maxTokens <= 0 {
		return config{}, errors.Errorf("max tokens must be positive, got %d", maxTokens)
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format != formatTable && format != formatYAML {
		return config{}, errors.Errorf("unknown report format %q", format)
	}

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		prompt = defaultPrompt
	}

	return config{
		APIBase:   strings.TrimSuffix(base, "/"),
		Code:      strings.TrimSpace(code),
		Models:    models,
		Stream:    stream,
		Timeout:   timeout,
		MaxTokens: maxTokens,
		Prompt:    prompt,
		Format:    format,
	}, nil
}

// parseModels tokenizes a model list into a slice of model identifiers.
func parseModels(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	separators := []string{";", "\n", "\r"}
	normalized := raw
	for _, sep := range separators {
		normalized = strings.ReplaceAll(normalized, sep, ",")
	}

	parts := strings.Split(normalized, ",")
	if len(parts) == 1 {
		parts = strings.Fields(raw)
	}

	var models []string
	seen := make(map[string]bool)
	for _, part := range parts {
		candidate := strings.TrimSpace(part)
		if candidate == "" || seen[candidate] {
			continue
		}
		if strings.ContainsAny(candidate, "/ ") {
			return nil, errors.Errorf("invalid model id %q", candidate)
		}
		seen[candidate] = true
		models = append(models, candidate)
	}

	return models, nil
}
