// Command replyd serves the streaming reply API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cexll/replystream-go/pkg/config"
	"github.com/cexll/replystream-go/pkg/engine"
	"github.com/cexll/replystream-go/pkg/engine/anthropic"
	"github.com/cexll/replystream-go/pkg/engine/openai"
	"github.com/cexll/replystream-go/pkg/notify"
	"github.com/cexll/replystream-go/pkg/reply"
	"github.com/cexll/replystream-go/pkg/run"
	"github.com/cexll/replystream-go/pkg/server"
	"github.com/cexll/replystream-go/pkg/state"
	"github.com/cexll/replystream-go/pkg/telemetry"
	"github.com/cexll/replystream-go/pkg/toolset"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	logger := log.New(os.Stderr, "replyd ", log.LstdFlags|log.Lmsgprefix)
	if err := runDaemon(ctx, os.Args[1:], logger, os.Stdout); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Print(err)
		}
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, argv []string, logger *log.Logger, out io.Writer) error {
	set := flag.NewFlagSet("replyd", flag.ContinueOnError)
	set.SetOutput(os.Stderr)
	configPath := set.String("config", "replyd.yaml", "Path to the daemon config file.")
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	loader, err := config.NewLoader(*configPath)
	if err != nil {
		return err
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	backend, publisher, closeRedis, err := buildStateBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	stateOpts := []state.Option{}
	if ttl := cfg.Session.SnapshotTTL.Std(); ttl > 0 {
		stateOpts = append(stateOpts, state.WithTTL(ttl))
	}
	states, err := state.NewStore(backend, stateOpts...)
	if err != nil {
		return err
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	defaultTools, closeToolset, err := buildToolset(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeToolset()

	replies, closeReplies, err := buildReplyStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeReplies()

	srv, err := server.New(server.Deps{
		Engine:        eng,
		States:        states,
		Replies:       replies,
		Publisher:     publisher,
		DefaultTools:  defaultTools,
		Instructions:  cfg.Session.Instructions,
		HeartbeatTTL:  cfg.Server.HeartbeatTTL.Std(),
		FlushInterval: cfg.Session.FlushInterval.Std(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	watcher := config.NewWatcher(loader, func(next *config.Config) {
		// Engine and listener changes need a restart; log so operators see
		// the reload landed.
		logger.Printf("config reloaded from %s", next.SourcePath)
	}, logger)
	if err := watcher.Start(); err != nil {
		logger.Printf("config watch disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	listener, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	defer listener.Close()
	if out != nil {
		fmt.Fprintf(out, "replyd listening on http://%s\n", listener.Addr())
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener, cfg.Server.MaxConnections)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Std())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildStateBackend returns the snapshot backend plus the progress publisher
// sharing the same redis connection. Without redis both fall back to their
// in-process forms.
func buildStateBackend(ctx context.Context, cfg *config.Config, logger *log.Logger) (state.Backend, run.Publisher, func(), error) {
	if cfg.Redis.Address == "" {
		logger.Print("no redis configured, using in-process snapshot store")
		return state.NewMemoryBackend(), notify.NewLogNotifier(logger), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	backend, err := state.NewRedisBackend(ctx, client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("redis backend: %w", err)
	}
	closer := func() {
		if err := client.Close(); err != nil {
			logger.Printf("redis close: %v", err)
		}
	}
	return backend, notify.NewRedisNotifier(client, logger), closer, nil
}

func buildReplyStore(cfg *config.Config, logger *log.Logger) (reply.Store, func(), error) {
	if cfg.Session.ReplyJournal == "" {
		return reply.NewMemoryStore(), func() {}, nil
	}
	store, err := reply.OpenFileStore(cfg.Session.ReplyJournal)
	if err != nil {
		return nil, nil, fmt.Errorf("reply journal: %w", err)
	}
	closer := func() {
		if err := store.Close(); err != nil {
			logger.Printf("reply journal close: %v", err)
		}
	}
	return store, closer, nil
}

func buildEngine(cfg *config.Config) (engine.Engine, error) {
	switch cfg.Engine.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewWithBaseURL(cfg.Engine.APIKey, cfg.Engine.Model, cfg.Engine.BaseURL, cfg.Engine.MaxTokens), nil
	case config.ProviderOpenAI:
		return openai.NewWithBaseURL(cfg.Engine.APIKey, cfg.Engine.Model, cfg.Engine.BaseURL, cfg.Engine.MaxTokens), nil
	default:
		return nil, fmt.Errorf("unsupported engine provider %q", cfg.Engine.Provider)
	}
}

func buildToolset(ctx context.Context, cfg *config.Config) ([]engine.ToolDefinition, func(), error) {
	noop := func() {}
	var (
		client *toolset.Client
		err    error
	)
	switch {
	case cfg.Toolset.Command != "":
		client, err = toolset.ConnectCommand(ctx, cfg.Toolset.Command, cfg.Toolset.Args...)
	case cfg.Toolset.Endpoint != "":
		client, err = toolset.ConnectStreamable(ctx, cfg.Toolset.Endpoint)
	default:
		return nil, noop, nil
	}
	if err != nil {
		return nil, noop, err
	}
	defs, err := client.ListDefinitions(ctx)
	if err != nil {
		_ = client.Close()
		return nil, noop, err
	}
	return defs, func() { _ = client.Close() }, nil
}
