package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
	"github.com/rakunlabs/tell"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
)

var Service = ""

// Config is the top-level VoidMerge server configuration.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// DataDir is the root directory under which every context's object
	// store and sqlite index live. One subdirectory per context.
	DataDir string `cfg:"data_dir" default:"./data"`

	Server  Server  `cfg:"server"`
	Store   Store   `cfg:"store"`
	Sweeper Sweeper `cfg:"sweeper"`
	Cron    Cron    `cfg:"cron"`

	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// AdminToken protects context-management and admin object endpoints.
	// Requests must include "Authorization: Bearer <token>".
	AdminToken string `cfg:"admin_token" log:"-"`

	// ForwardAuth, if set, delegates authentication of non-admin context
	// traffic to an external auth service, same as the teacher's gateway.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`
}

// Store configures at-rest protection for the Environment value that
// ctxstore keeps under DataDir. The object store index and blobs are not
// encrypted.
type Store struct {
	// EncryptionKey, if set, enables AES-256-GCM encryption of the private
	// half of each context's Environment value (see crypto.EncryptEnvPrivate).
	// Any non-empty string works; it is hashed to a 32-byte key.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

// Sweeper configures the Object Store's background expiration sweep.
type Sweeper struct {
	Interval time.Duration `cfg:"interval" default:"1s"`
}

// Cron bounds the cronIntervalSecs a handler may request via codeConfigReq.
type Cron struct {
	MinIntervalSecs float64 `cfg:"min_interval_secs" default:"0.01"`
	MaxIntervalSecs float64 `cfg:"max_interval_secs" default:"86400"`
}

func Load(ctx context.Context, name string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, name, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("VM_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
