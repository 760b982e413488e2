// Command bedrock-chat sends one prompt through the Bedrock relay to one or
// more models and prints the replies.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextrelay/bedrock-proxy/client/api"
	"github.com/nextrelay/bedrock-proxy/client/platforms/bedrock"
	"github.com/nextrelay/bedrock-proxy/client/transport"
)

func main() {
	logger, err := glog.NewConsoleWithName("bedrock-chat", glog.LevelInfo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %+v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		logger.Error("chat failed", zap.Error(err))
		os.Exit(1)
	}
}

// newRootCmd creates the root command. Flag defaults come from the
// BEDROCK_CHAT_* environment variables.
func newRootCmd(logger glog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bedrock-chat [prompt...]",
		Short: "Send a prompt to Bedrock models through the signing relay",
		Long: `Send one prompt to every listed model through the Bedrock relay and
print a report with one row per model.

Example:
  bedrock-chat --api-base http://localhost:3000 --code secret \
    --models anthropic.claude-3-haiku-20240307-v1:0 "Say hi"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), args)
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			return run(cmd.Context(), logger, cmd.OutOrStdout(), cfg)
		},
	}

	registerFlags(rootCmd.Flags())
	return rootCmd
}

// chatResult is the outcome of one model.
type chatResult struct {
	Model    string
	Text     string
	Err      error
	Duration time.Duration
}

func run(ctx context.Context, logger glog.Logger, out io.Writer, cfg config) error {
	logger.Info("sending prompt",
		zap.String("api_base", cfg.APIBase),
		zap.Strings("models", cfg.Models),
		zap.Bool("stream", cfg.Stream))

	httpClient := &http.Client{}
	results := make([]chatResult, len(cfg.Models))

	grp, grpCtx := errgroup.WithContext(ctx)
	for i, model := range cfg.Models {
		grp.Go(func() error {
			results[i] = chatOnce(grpCtx, logger, httpClient, cfg, model)
			return nil
		})
	}
	_ = grp.Wait()

	failed, err := writeReport(out, cfg.Format, results)
	if err != nil {
		return errors.Wrap(err, "write report")
	}
	if failed > 0 {
		return errors.Errorf("%d of %d models failed", failed, len(results))
	}
	return nil
}

func chatOnce(ctx context.Context, logger glog.Logger, httpClient *http.Client, cfg config, model string) (res chatResult) {
	res.Model = model
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	store := bedrock.StaticStore{
		AccessSettings: bedrock.AccessSettings{AccessCode: cfg.Code},
		App:            api.ModelConfig{MaxTokens: &cfg.MaxTokens},
	}
	client := bedrock.New(store,
		bedrock.WithOrigin(cfg.APIBase),
		bedrock.WithTimeout(cfg.Timeout),
		bedrock.WithTransport(transport.New(httpClient)),
		bedrock.WithLogger(logger.Named(model)),
	)

	var (
		mu   sync.Mutex
		ctrl api.Controller
	)
	stopWatch := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if ctrl != nil {
			ctrl.Abort()
		}
	})
	defer stopWatch()

	client.Chat(ctx, api.ChatOptions{
		Messages: []api.Message{{Role: api.RoleUser, Content: cfg.Prompt}},
		Config:   api.ChatConfig{Model: model, Stream: cfg.Stream},
		OnController: func(c api.Controller) {
			mu.Lock()
			ctrl = c
			mu.Unlock()
		},
		OnUpdate: func(text, chunk string) {
			logger.Debug("chunk", zap.String("model", model), zap.Int("chars", len(text)))
		},
		OnFinish: func(text string, _ *http.Response) {
			res.Text = strings.TrimSpace(text)
		},
		OnError: func(err error) {
			res.Err = err
		},
	})
	return res
}
