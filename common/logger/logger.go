// Package logger holds the process wide structured logger of the relay.
package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v5"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"

	"github.com/nextrelay/bedrock-proxy/common/config"
)

// ServiceName is the root name of every logger.
const ServiceName = "bedrock-proxy"

// visibleSecretPrefix is how many leading characters of a secret stay readable.
const visibleSecretPrefix = 4

var (
	Logger      glog.Logger
	initLogOnce sync.Once
)

func init() {
	initLogOnce.Do(func() {
		var err error
		if Logger, err = glog.NewConsoleWithName(ServiceName, levelFor(config.DebugEnabled)); err != nil {
			panic(fmt.Sprintf("failed to create logger: %+v", err))
		}
	})
}

func levelFor(debug bool) glog.Level {
	if debug {
		return glog.LevelDebug
	}
	return glog.LevelInfo
}

// Component returns a child logger for one part of the relay, such as
// "gin", "relay" or "bedrock_client".
func Component(name string) glog.Logger {
	return Logger.Named(name)
}

// MaskSecret keeps a short prefix of s and stars out the rest.
func MaskSecret(s string) string {
	if len(s) <= visibleSecretPrefix {
		return strings.Repeat("*", len(s))
	}
	return s[:visibleSecretPrefix] + strings.Repeat("*", len(s)-visibleSecretPrefix)
}

// Secret is a log field that never carries the full value.
func Secret(key, value string) zap.Field {
	return zap.String(key, MaskSecret(value))
}

// SetupEnhancedLogger applies the DEBUG level, attaches the alert pusher
// when LOG_PUSH_API is set and tags every entry with the host name.
func SetupEnhancedLogger(ctx context.Context) error {
	var opts []zap.Option
	if config.LogPushAPI != "" {
		hook, err := alertHook(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, hook)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return errors.Wrap(err, "get hostname")
	}

	Logger = Logger.WithOptions(opts...).With(zap.String("host", hostname))
	if err = Logger.ChangeLevel(levelFor(config.DebugEnabled)); err != nil {
		return errors.Wrap(err, "change log level")
	}

	Logger.Debug("running in debug mode")
	if config.LogPushAPI != "" {
		Logger.Info("alert pusher configured",
			zap.String("alert_api", config.LogPushAPI),
			zap.String("alert_type", config.LogPushType),
			Secret("alert_token", config.LogPushToken),
		)
	}
	return nil
}

func alertHook(ctx context.Context) (zap.Option, error) {
	ratelimiter, err := gutils.NewRateLimiter(ctx, gutils.RateLimiterArgs{
		Max:     1,
		NPerSec: 1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create alert ratelimiter")
	}

	alertPusher, err := glog.NewAlert(
		ctx,
		config.LogPushAPI,
		glog.WithAlertType(config.LogPushType),
		glog.WithAlertToken(config.LogPushToken),
		glog.WithAlertHookLevel(zap.ErrorLevel),
		glog.WithRateLimiter(ratelimiter),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create alert pusher")
	}

	return zap.HooksWithFields(alertPusher.GetZapHook()), nil
}
