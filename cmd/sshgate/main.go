// Command sshgate keeps authenticated SSH sessions per host and runs commands
// on them for HTTP and Kafka clients.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrej220/sshgate/internal/api"
	"github.com/andrej220/sshgate/internal/dispatch"
	"github.com/andrej220/sshgate/internal/lg"
	"github.com/andrej220/sshgate/internal/serverutil"
	"github.com/andrej220/sshgate/pkg/audit"
	"github.com/andrej220/sshgate/pkg/executor"
	"github.com/andrej220/sshgate/pkg/kafkautil"
	"github.com/andrej220/sshgate/pkg/service"
	"github.com/andrej220/sshgate/pkg/transport"
	"golang.org/x/sync/errgroup"
)

func main() {
	lcfg := lg.NewConfigFromFlags(serviceName, os.Args[1:])
	logger := lg.New(lcfg)
	defer logger.Sync()

	if err := run(logger, lcfg.ConfigPath); err != nil {
		logger.Error("fatal error", lg.Err(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(logger lg.Logger, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(configPath, logger)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(store)
	if err != nil {
		return err
	}

	exec := executor.NewChannelExecutor(cfg.Executor, logger)
	watchConfig(ctx, store, exec, logger)

	rec, closeRec, err := newRecorder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRec()

	svc := service.New(transport.NewSSHTransport(cfg.SSH, logger), logger,
		service.WithExecutor(exec),
		service.WithRecorder(rec))
	defer func() {
		if err := svc.Shutdown(); err != nil {
			logger.Warn("closing sessions", lg.Err(err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serverutil.RunServer(ctx, api.NewHandler(svc, cfg.Server.BasePath, logger), cfg.Server, logger)
	})
	if cfg.Jobs.Enabled {
		consumer := kafkautil.NewConsumer[dispatch.ExecRequest](kafkautil.Config{
			Brokers: cfg.Jobs.Brokers,
			GroupID: cfg.Jobs.GroupID,
			Topic:   cfg.Jobs.RequestTopic,
		})
		defer consumer.Close()
		publisher := kafkautil.NewPublisher[dispatch.ExecResult](cfg.Jobs.Brokers, cfg.Jobs.ResultTopic)
		defer publisher.Close()

		d := dispatch.New(consumer, publisher, svc, cfg.Jobs.Config, logger.With(lg.String("component", "dispatch")))
		g.Go(func() error { return d.Run(ctx) })
		logger.Info("kafka jobs enabled",
			lg.Strings("brokers", cfg.Jobs.Brokers),
			lg.String("requestTopic", cfg.Jobs.RequestTopic),
			lg.String("resultTopic", cfg.Jobs.ResultTopic))
	}
	return g.Wait()
}

// newRecorder builds the audit chain from config. With nothing configured
// executions are not recorded.
func newRecorder(ctx context.Context, cfg *AppConfig, logger lg.Logger) (audit.Recorder, func(), error) {
	var (
		recs    audit.Multi
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Audit.Dir != "" {
		fr, err := audit.NewFileRecorder(cfg.Audit.Dir, cfg.Audit.Format)
		if err != nil {
			return nil, cleanup, err
		}
		recs = append(recs, fr)
	}
	if cfg.Audit.Mongo != nil {
		mr, err := audit.NewMongoRecorder(ctx, *cfg.Audit.Mongo)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		recs = append(recs, mr)
		closers = append(closers, func() {
			if err := mr.Close(context.Background()); err != nil {
				logger.Warn("disconnecting audit store", lg.Err(err))
			}
		})
	}
	if cfg.Audit.Topic != "" {
		pub := kafkautil.NewPublisher[audit.Record](cfg.Jobs.Brokers, cfg.Audit.Topic)
		recs = append(recs, audit.NewKafkaRecorder(pub))
		closers = append(closers, func() {
			if err := pub.Close(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("closing audit publisher", lg.Err(err))
			}
		})
	}

	switch len(recs) {
	case 0:
		return audit.Nop{}, cleanup, nil
	case 1:
		return recs[0], cleanup, nil
	default:
		return recs, cleanup, nil
	}
}
