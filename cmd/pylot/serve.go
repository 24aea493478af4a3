package pylot

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gcforged/pylot/pkg/backend"
	"github.com/gcforged/pylot/pkg/cache"
	"github.com/gcforged/pylot/pkg/config"
	"github.com/gcforged/pylot/pkg/fetcher"
	"github.com/gcforged/pylot/pkg/hardware"
	"github.com/gcforged/pylot/pkg/optimizer"
	"github.com/gcforged/pylot/pkg/server"
	"github.com/gcforged/pylot/pkg/types"
)

type serveOptions struct {
	configPath        string
	host              string
	port              int
	skipOptimization  bool
	forceOptimization bool
}

func NewServeCmd() *cobra.Command {
	opts := &serveOptions{}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the inference gateway.",
		Long:  "Optimize for this machine when needed, load the model and serve the OpenAI-compatible API.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, opts)
		},
	}

	serveCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the JSON configuration file")
	serveCmd.PersistentFlags().StringVar(&opts.host, "host", "", "listen address, overrides the configured server.host")
	serveCmd.PersistentFlags().IntVar(&opts.port, "port", 0, "listen port, overrides the configured server.port")
	serveCmd.PersistentFlags().BoolVar(&opts.skipOptimization, "skip-optimization", false, "start without checking the hardware profile")
	serveCmd.PersistentFlags().BoolVar(&opts.forceOptimization, "force-optimization", false, "re-probe the hardware even when the profile is fresh")

	return serveCmd
}

func serve(cmd *cobra.Command, opts *serveOptions) error {
	setupLogging()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.skipOptimization {
		cfg.Optimization.Skip = true
	}
	if opts.forceOptimization {
		cfg.Optimization.Force = true
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	profileStore := hardware.NewStore(cfg.Optimization.ProfileDir)
	opt := optimizer.New(
		hardware.NewDetector(),
		profileStore,
		optimizer.NewResultsStore(cfg.Optimization.ProfileDir),
		optimizer.WithReserveInteractiveCore(cfg.Optimization.ReserveInteractiveCore),
		optimizer.WithMockBenchmark(cfg.Optimization.MockBenchmark),
	)

	if cfg.Optimization.Skip {
		log.Info().Msg("hardware optimization skipped")
	} else if cfg.Optimization.Force || opt.IsProfileStale(ctx, time.Now()) {
		if _, err := opt.UpdateProfile(ctx); err != nil {
			log.Warn().Err(err).Msg("hardware profile update failed, continuing with defaults")
		}
	} else {
		log.Info().Str("path", profileStore.Path()).Msg("hardware profile is fresh")
	}

	runtimeParams := loadRuntimeParameters(ctx, opt, profileStore)

	be, err := buildBackend(ctx, cfg, runtimeParams)
	if err != nil {
		return err
	}

	if cfg.Model.Preload {
		if _, err := be.CountTokens(ctx, "warmup"); err != nil {
			log.Debug().Err(err).Msg("tokenizer warmup failed")
		}
	}

	store := config.NewStore(cfg, opts.configPath)
	if err := store.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("config file watching disabled")
	}

	responseCache := cache.New(cfg.Cache.Capacity, time.Duration(cfg.Cache.TTLSeconds)*time.Second)

	srv := server.New(store, be, responseCache)
	return srv.ListenAndServe(ctx)
}

// loadRuntimeParameters prefers the persisted tuned parameters, falling back
// to a fresh probe when no profile exists on disk yet.
func loadRuntimeParameters(ctx context.Context, opt *optimizer.Optimizer, profileStore *hardware.Store) types.RuntimeParameters {
	if doc, err := profileStore.Load(); err == nil {
		return doc.Runtime
	}
	profile := hardware.NewDetector().Probe(ctx)
	return opt.ComputeRuntime(profile, 0)
}

func buildBackend(ctx context.Context, cfg config.Config, runtimeParams types.RuntimeParameters) (backend.Backend, error) {
	if cfg.Backend.Mode == config.BackendModeRemote {
		log.Info().Str("url", cfg.Backend.RemoteURL).Str("model", cfg.Backend.RemoteModel).Msg("using remote backend")
		return backend.NewRemote(backend.RemoteConfig{
			BaseURL:             cfg.Backend.RemoteURL,
			APIKey:              cfg.Backend.RemoteAPIKey,
			Model:               cfg.Backend.RemoteModel,
			FirstAttemptTimeout: time.Duration(cfg.Backend.ConnectTimeoutSeconds) * time.Second,
			MaxRetries:          cfg.Backend.MaxRetries,
		}), nil
	}

	modelFetcher := fetcher.New(cfg.Model.CacheDir, cfg.Backend.MaxRetries)
	modelPath, err := modelFetcher.Resolve(ctx, cfg.Model.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving model: %w", err)
	}

	native := backend.NewNative(backend.NativeConfig{
		Binary:     cfg.Backend.Binary,
		ModelPath:  modelPath,
		Runtime:    runtimeParams,
		Embeddings: cfg.Model.Embeddings,
	})
	log.Info().Str("model", modelPath).Msg("loading model")
	if err := native.Start(ctx); err != nil {
		// a gateway without a model serves nothing
		log.Fatal().Err(err).Str("model", modelPath).Msg("model failed to load")
	}
	log.Info().Str("model", native.ModelID()).Int("max_context", native.MaxContext()).Msg("model loaded")
	return native, nil
}
