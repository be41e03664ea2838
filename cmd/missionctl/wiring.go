package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"missionctl/internal/archive"
	"missionctl/internal/broker"
	"missionctl/internal/eventbus"
	"missionctl/internal/policy"
	"missionctl/internal/sandbox"
	"missionctl/internal/sandbox/localenv"
	"missionctl/internal/sandbox/remoteenv"
	"missionctl/internal/store"
)

const (
	configLayerSlug = "config"
	// memoryBrokerURL keeps events inside the process, for one-shot commands
	// that do not need other observers.
	memoryBrokerURL = "memory://"
	archiveMaxLen   = 10000
	remoteTimeout   = 30 * time.Second
)

type configSettings struct {
	PolicyPath string `glazed.parameter:"policy"`
	BrokerURL  string `glazed.parameter:"broker"`
	LogLevel   string `glazed.parameter:"log-level"`
}

func newConfigLayer() (layers.ParameterLayer, error) {
	layer, err := layers.NewParameterLayer(configLayerSlug, "Configuration")
	if err != nil {
		return nil, err
	}
	layer.AddFlags(
		parameters.NewParameterDefinition(
			"policy",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to policy file (defaults to .missionctl/policy.json)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"broker",
			parameters.ParameterTypeString,
			parameters.WithHelp("Broker URL override (redis://... or memory://)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"log-level",
			parameters.ParameterTypeString,
			parameters.WithHelp("Log level: debug|info|warn|error"),
			parameters.WithDefault("info"),
		),
	)
	return layer, nil
}

func initializeConfig(parsedLayers *layers.ParsedLayers) (policy.Config, *slog.Logger, error) {
	settings := &configSettings{}
	if err := parsedLayers.InitializeStruct(configLayerSlug, settings); err != nil {
		return policy.Config{}, nil, err
	}
	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		return policy.Config{}, nil, err
	}
	cfg, _, err := policy.Load(settings.PolicyPath)
	if err != nil {
		return policy.Config{}, nil, err
	}
	if v := strings.TrimSpace(settings.BrokerURL); v != "" {
		cfg.Broker.URL = v
	}
	return cfg, logger, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger, nil
}

// stack is the event plumbing shared by every command: broker, bus and the
// optional persisters behind it.
type stack struct {
	cfg     policy.Config
	logger  *slog.Logger
	broker  broker.Client
	bus     *eventbus.Bus
	runs    *store.SQLiteStore
	archive *archive.Publisher
}

type stackOptions struct {
	withStore   bool
	withArchive bool
}

func openStack(ctx context.Context, cfg policy.Config, logger *slog.Logger, options stackOptions) (*stack, error) {
	s := &stack{cfg: cfg, logger: logger}

	url := strings.TrimSpace(cfg.Broker.URL)
	if url == memoryBrokerURL {
		s.broker = broker.NewMemory(cfg.Stream.QueueSize*4, logger)
	} else {
		client, err := broker.ConnectRedis(ctx, broker.RedisOptions{
			URL:         url,
			Retries:     cfg.Broker.ConnectRetries,
			ChannelSize: cfg.Stream.QueueSize,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		s.broker = client
	}

	busOptions := []eventbus.Option{eventbus.WithLogger(logger)}
	if options.withStore && strings.TrimSpace(cfg.Store.DBPath) != "" {
		runs := store.NewSQLiteStore(cfg.Store.DBPath)
		if err := runs.Init(); err != nil {
			_ = s.Close()
			return nil, err
		}
		s.runs = runs
		busOptions = append(busOptions, eventbus.WithPersister(runs))
	}
	if options.withArchive && cfg.Archive.Enabled {
		if url == memoryBrokerURL {
			logger.Warn("archive disabled: it needs a redis broker")
		} else {
			publisher, err := archive.Open(url, cfg.Archive.Stream, archiveMaxLen, logger)
			if err != nil {
				_ = s.Close()
				return nil, err
			}
			s.archive = publisher
			busOptions = append(busOptions, eventbus.WithPersister(publisher))
		}
	}

	history := eventbus.NewStore(s.broker, cfg.Broker.KeyPrefix, cfg.History.Limit, cfg.HistoryTTL())
	s.bus = eventbus.New(s.broker, history, busOptions...)
	return s, nil
}

func (s *stack) Close() error {
	var errs []error
	if s.archive != nil {
		errs = append(errs, s.archive.Close())
	}
	if s.runs != nil {
		errs = append(errs, s.runs.Close())
	}
	if s.broker != nil {
		errs = append(errs, s.broker.Close())
	}
	return errors.Join(errs...)
}

func newSandboxProvider(cfg policy.Config, logger *slog.Logger) (sandbox.Provider, error) {
	switch cfg.Sandbox.Provider {
	case "", "local":
		return localenv.NewProvider("", logger), nil
	case "remote":
		return remoteenv.NewProvider(cfg.Sandbox.RemoteURL, cfg.Sandbox.APIKey, remoteTimeout, remoteenv.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", cfg.Sandbox.Provider)
	}
}

func sandboxOptions(cfg policy.Config, logger *slog.Logger, repoURL string) sandbox.Options {
	options := sandbox.OptionsFromPolicy(cfg)
	options.RepoURL = strings.TrimSpace(repoURL)
	options.Token = strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	options.Logger = logger
	return options
}

func parseDurationSetting(flagName string, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid --%s duration %q: %w", flagName, value, err)
	}
	return duration, nil
}

func requireSetting(flagName string, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("--%s is required", flagName)
	}
	return value, nil
}
