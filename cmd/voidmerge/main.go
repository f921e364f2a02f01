package main

import (
	"context"
	"fmt"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/voidmerge/internal/config"
	"github.com/rakunlabs/voidmerge/internal/crypto"
	"github.com/rakunlabs/voidmerge/internal/ctxstore"
	"github.com/rakunlabs/voidmerge/internal/engine"
	"github.com/rakunlabs/voidmerge/internal/objstore"
	"github.com/rakunlabs/voidmerge/internal/server"
)

var (
	name    = "voidmerge"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var encKey []byte
	if cfg.Store.EncryptionKey != "" {
		encKey, err = crypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive store encryption key: %w", err)
		}
	}

	objects, err := objstore.Open(ctx, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	defer objects.Close()
	objects.StartSweeper(ctx, cfg.Sweeper.Interval)

	contexts, err := ctxstore.Open(ctx, cfg.DataDir, encKey)
	if err != nil {
		return fmt.Errorf("open context store: %w", err)
	}
	defer contexts.Close()

	eng := engine.New(contexts, objects, cfg.Cron)
	defer eng.Shutdown()

	srv, err := server.New(cfg.Server, eng, objects)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	return srv.Start(ctx)
}
