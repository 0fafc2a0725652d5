package main

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/internal/config"
	"github.com/yairfalse/overwatch/internal/emitter"
	"github.com/yairfalse/overwatch/internal/lifecycle"
	"github.com/yairfalse/overwatch/internal/plugin"
	"github.com/yairfalse/overwatch/internal/plugin/aws"
	"github.com/yairfalse/overwatch/internal/plugin/memory"
	"github.com/yairfalse/overwatch/internal/policy"
	"github.com/yairfalse/overwatch/internal/storage"
	"github.com/yairfalse/overwatch/internal/telemetry"
	"github.com/yairfalse/overwatch/internal/wal"
)

// app holds everything a command needs, opened from the config.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     *storage.Store
	journal   *wal.WAL
	telemetry *telemetry.Provider
	emitter   emitter.Emitter
	manager   *lifecycle.Manager
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configPath == "" {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newApp opens storage, the journal, telemetry and the scanner plugin.
// serve asks for the Prometheus reader; one-shot commands do not.
func newApp(ctx context.Context, prometheus bool) (_ *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: telemetry.NewLogger(cfg.OTEL.ServiceName, cfg.Log)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	var topts []telemetry.Option
	if prometheus {
		topts = append(topts, telemetry.WithPrometheus())
	}
	if a.telemetry, err = telemetry.NewProvider(ctx, cfg.OTEL, topts...); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	if a.store, err = storage.Open(cfg.Storage.Path); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if a.journal, err = wal.Open(cfg.Storage.JournalDir); err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	guard, err := policy.Load(ctx, cfg.Reaper.PolicyFile)
	if err != nil {
		return nil, err
	}

	p, err := openPlugin(ctx, cfg, a.log)
	if err != nil {
		return nil, err
	}

	metrics, err := emitter.NewMetricsEmitter(a.telemetry)
	if err != nil {
		return nil, fmt.Errorf("init metrics emitter: %w", err)
	}
	emitters := []emitter.Emitter{
		emitter.NewLogEmitter(a.log.With().Str("component", "events").Logger()),
		metrics,
	}
	if cfg.Notify.TopicARN != "" {
		notifier, err := newNotifier(ctx, cfg, a.store.Users, a.log)
		if err != nil {
			return nil, err
		}
		// Last, so an SNS failure never hides an event from logs or metrics.
		emitters = append(emitters, notifier)
	}
	a.emitter = emitter.NewMultiEmitter(emitters...)

	a.manager = lifecycle.New(a.store, p,
		lifecycle.WithLogger(a.log),
		lifecycle.WithJournal(a.journal),
		lifecycle.WithEmitter(a.emitter),
		lifecycle.WithGuard(guard),
		lifecycle.WithLocation(cfg.Query.Location),
		lifecycle.WithChallengeTTL(cfg.Binding.ChallengeTTL),
		lifecycle.WithTimeout(cfg.Scanner.Timeout),
		lifecycle.WithReapConcurrency(cfg.Reaper.Concurrency),
		lifecycle.WithPrincipal(cfg.AWS.PrincipalARN),
	)
	return a, nil
}

// newNotifier builds the SNS notifier for the configured topic. It runs with
// Overwatch's own credentials, in the topic's region.
func newNotifier(ctx context.Context, cfg *config.Config, users *storage.Users, log zerolog.Logger) (*emitter.SNSNotifier, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Notify.Region())}
	if cfg.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config for notifications: %w", err)
	}
	return emitter.NewSNSNotifier(sns.NewFromConfig(awsCfg), cfg.Notify.TopicARN,
		emitter.WithSNSLogger(log),
		emitter.WithSNSTimeout(cfg.Scanner.Timeout),
		emitter.WithEmailLookup(userEmails(users)),
	), nil
}

// userEmails resolves a user id to the email they signed up with.
func userEmails(users *storage.Users) emitter.EmailLookup {
	return func(userID string) (string, error) {
		u, err := users.Get(userID)
		if err != nil {
			return "", err
		}
		return u.Email, nil
	}
}

// openPlugin creates and registers the configured scanner plugin.
func openPlugin(ctx context.Context, cfg *config.Config, log zerolog.Logger) (plugin.Plugin, error) {
	if p, ok := plugin.Get(cfg.Scanner.Provider); ok {
		return p, nil
	}

	switch cfg.Scanner.Provider {
	case memory.Name:
		plugin.Register(memory.New())
	case aws.Name:
		p, err := aws.New(ctx, aws.Config{
			Regions:     cfg.AWS.Regions,
			Profile:     cfg.AWS.Profile,
			SessionName: cfg.AWS.SessionName,
			Logger:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("create aws plugin: %w", err)
		}
		plugin.Register(p)
	}

	p, ok := plugin.Get(cfg.Scanner.Provider)
	if !ok {
		return nil, fmt.Errorf("unknown scanner provider %q (have %v)", cfg.Scanner.Provider, plugin.Names())
	}
	return p, nil
}

// Close releases everything newApp opened.
func (a *app) Close() error {
	var errs []error
	if a.emitter != nil {
		errs = append(errs, a.emitter.Close())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(context.Background()))
	}
	return errors.Join(errs...)
}

// exitCode maps error kinds onto process exit codes.
func exitCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindInvalid, apperr.KindInvalidRange:
		return 2
	case apperr.KindPartialScan:
		return 3
	case apperr.KindExternalUnavailable, apperr.KindScanInProgress:
		return 75 // EX_TEMPFAIL
	default:
		return 1
	}
}
