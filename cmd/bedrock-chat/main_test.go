package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	cfg "github.com/nextrelay/bedrock-proxy/common/config"
	"github.com/nextrelay/bedrock-proxy/common/logger"
)

func TestParseModels(t *testing.T) {
	cases := map[string][]string{
		"a.model":               {"a.model"},
		"a.model,b.model":       {"a.model", "b.model"},
		"a; b \n c":             {"a", "b", "c"},
		"  a  ,  b   ":          {"a", "b"},
		"a\n\nb":                {"a", "b"},
		"a b":                   {"a", "b"},
		"a,a":                   {"a"},
		"anthropic.claude-v2:1": {"anthropic.claude-v2:1"},
		"":                      nil,
	}

	for input, want := range cases {
		got, err := parseModels(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}

	_, err := parseModels("bad/model")
	require.Error(t, err)
}

func TestRenderReport(t *testing.T) {
	var buf bytes.Buffer
	failed := renderReport(&buf, []chatResult{
		{Model: "a", Text: "hello", Duration: time.Second},
		{Model: "b", Err: errors.New("upstream status 403"), Duration: time.Millisecond},
	})

	require.Equal(t, 1, failed)
	out := buf.String()
	require.Contains(t, out, "hello")
	require.Contains(t, out, "upstream status 403")
	require.Contains(t, out, "Passed: 1 | Failed: 1")
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 5))
	require.Equal(t, "ab...", truncate("abc", 2))
}

func TestLoadConfigFlags(t *testing.T) {
	cmd := newRootCmd(logger.Logger)
	require.NoError(t, cmd.Flags().Parse([]string{
		"--api-base", "http://relay.local/",
		"--models", "a.model;b.model",
		"--stream=false",
		"--timeout", "5s",
		"-o", "YAML",
	}))

	got, err := loadConfig(cmd.Flags(), []string{"hello", "there"})
	require.NoError(t, err)
	require.Equal(t, "http://relay.local", got.APIBase)
	require.Equal(t, []string{"a.model", "b.model"}, got.Models)
	require.False(t, got.Stream)
	require.Equal(t, 5*time.Second, got.Timeout)
	require.Equal(t, formatYAML, got.Format)
	require.Equal(t, "hello there", got.Prompt)
	require.Equal(t, defaultMaxTokens, got.MaxTokens)
}

func TestLoadConfigRejects(t *testing.T) {
	for _, args := range [][]string{
		{"--models", ""},
		{"--models", "bad/model"},
		{"--timeout", "0s"},
		{"--max-tokens", "0"},
		{"--format", "xml"},
		{"--api-base", " "},
	} {
		cmd := newRootCmd(logger.Logger)
		require.NoError(t, cmd.Flags().Parse(args), args)
		_, err := loadConfig(cmd.Flags(), nil)
		require.Error(t, err, args)
	}
}

func TestRenderYAML(t *testing.T) {
	var buf bytes.Buffer
	failed, err := writeReport(&buf, formatYAML, []chatResult{
		{Model: "a", Text: "hello", Duration: time.Second},
		{Model: "b", Err: errors.New("upstream status 403")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, failed)

	var rep report
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &rep))
	require.Equal(t, 1, rep.Passed)
	require.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Results, 2)
	require.Equal(t, "hello", rep.Results[0].Reply)
	require.Equal(t, "1s", rep.Results[0].Duration)
	require.Equal(t, "failed", rep.Results[1].Status)
	require.Equal(t, "upstream status 403", rep.Results[1].Error)
}

func TestRootCmdAgainstRelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer nk-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":true,"msg":"wrong access code"}`))
			return
		}
		if strings.Contains(r.URL.Path, "blocked") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"hello there"}]}`))
	}))
	defer srv.Close()

	execute := func(models string) (string, error) {
		var out bytes.Buffer
		cmd := newRootCmd(logger.Logger)
		cmd.SetOut(&out)
		cmd.SetArgs([]string{
			"--api-base", srv.URL,
			"--code", "secret",
			"--stream=false",
			"--models", models,
			"hi",
		})
		err := cmd.ExecuteContext(context.Background())
		return out.String(), err
	}

	out, err := execute("good.model")
	require.NoError(t, err)
	require.Contains(t, out, "hello there")

	out, err = execute("good.model,blocked.model")
	require.ErrorContains(t, err, "1 of 2 models failed")
	require.Contains(t, out, "upstream status 403")
}

func TestRootCmdDefaultsFromEnv(t *testing.T) {
	origBase, origModels := cfg.BedrockChatAPIBase, cfg.BedrockChatModels
	defer func() { cfg.BedrockChatAPIBase, cfg.BedrockChatModels = origBase, origModels }()
	cfg.BedrockChatAPIBase = "http://env.local"
	cfg.BedrockChatModels = "env.model"

	cmd := newRootCmd(logger.Logger)
	require.NoError(t, cmd.Flags().Parse(nil))
	got, err := loadConfig(cmd.Flags(), nil)
	require.NoError(t, err)
	require.Equal(t, "http://env.local", got.APIBase)
	require.Equal(t, []string{"env.model"}, got.Models)
	require.Equal(t, defaultPrompt, got.Prompt)
}
