// cmd/notification-server/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fidelya-notifications/internal/channels"
	appaws "fidelya-notifications/internal/common/aws"
	"fidelya-notifications/internal/common/config"
	"fidelya-notifications/internal/common/database"
	apphttp "fidelya-notifications/internal/common/http"
	"fidelya-notifications/internal/common/lock"
	"fidelya-notifications/internal/common/logger"
	"fidelya-notifications/internal/common/messaging"
	"fidelya-notifications/internal/common/observability"
	"fidelya-notifications/internal/pushsub"
	"fidelya-notifications/internal/queue"
	"fidelya-notifications/internal/server"
	"fidelya-notifications/internal/store"
	"fidelya-notifications/internal/store/memory"
	"fidelya-notifications/internal/store/postgres"
	"fidelya-notifications/internal/sweep"
	"fidelya-notifications/internal/webhook"
	"fidelya-notifications/pkg/registry"

	"go.uber.org/zap"
)

// retryWithBackoff retries operation with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog).WithFields(map[string]interface{}{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
	})

	zapLog.Info("Starting notification server...", zap.String("environment", cfg.App.Environment))

	obs, err := observability.New(cfg.Observability.ServiceName)
	if err != nil {
		zapLog.Warn("metrics exporter unavailable", zap.Error(err))
	}
	if err := obs.EnableTracing(cfg.Observability.ServiceName, cfg.Observability.JaegerEndpoint); err != nil {
		zapLog.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(ctx)
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	st, closeStore := openStore(ctx, cfg, zapLog)
	defer closeStore()

	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	var archive webhook.Archive
	if cfg.Database.Elasticsearch.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping(ctx)
		}, 5, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		archive = webhook.NewElasticsearchArchive(esClient.Client, cfg.Database.Elasticsearch.Index)
		zapLog.Info("Elasticsearch connected successfully", zap.String("index", cfg.Database.Elasticsearch.Index))
	}

	routes, err := registry.LoadRegistry(cfg.Channels.RegistryPath)
	if err != nil {
		zapLog.Fatal("channel registry load failed", zap.String("path", cfg.Channels.RegistryPath), zap.Error(err))
	}

	senders, err := buildSenders(ctx, cfg, st)
	if err != nil {
		zapLog.Fatal("channel sender setup failed", zap.Error(err))
	}
	zapLog.Info("Channel senders registered", zap.Any("channels", senders.Channels()))

	processor := queue.NewProcessor(queue.ConfigFrom(cfg.Queue), queue.Dependencies{
		Store:   st,
		Senders: senders,
		Logger:  log,
		Obs:     obs,
	})
	if cfg.Queue.Enabled {
		processor.Start(ctx, 0)
	}

	intake := queue.NewIntake(st, routes, cfg.Queue.MaxRetries, log)

	var rabbit *messaging.RabbitMQClient
	if cfg.Messaging.RabbitMQ.Enabled {
		rmq := cfg.Messaging.RabbitMQ
		rabbit = messaging.NewRabbitMQClient(messaging.RabbitMQConfig{
			URL:        rmq.URL,
			Exchange:   rmq.Exchange,
			RetryCount: rmq.RetryCount,
			RetryDelay: config.GetDuration(rmq.RetryDelay),
		}, log)
		if err := rabbit.Connect(ctx); err != nil {
			zapLog.Fatal("rabbitmq connect failed", zap.Error(err))
		}
		consumer := messaging.NewConsumer(rabbit, rmq.Queue, cfg.App.Name, log)
		if err := consumer.Consume(ctx, []string{rmq.RoutingKey}, intake.HandleMessage); err != nil {
			zapLog.Fatal("rabbitmq consume failed", zap.Error(err))
		}
	}

	webhookService := webhook.NewService(webhook.ServiceDependencies{
		Store:   st,
		Replay:  webhook.NewRedisReplayFilter(redis.Client, time.Duration(cfg.Webhook.ReplayTTL)*time.Second),
		Archive: archive,
		Logger:  log,
		Obs:     obs,
	})
	webhookHandler := webhook.NewHandler(
		webhook.HandlerConfig{MaxBodyBytes: cfg.Webhook.MaxBodyBytes},
		webhookService,
		webhook.NewVerifier(cfg.Webhook.Secrets, cfg.Webhook.PublicURL),
		log, obs,
	)

	scheduler := buildScheduler(cfg, st, processor, lock.NewRedisLocker(redis.Client), log, zapLog)
	scheduler.Start()

	srv := server.New(cfg.Server, server.Dependencies{
		Enqueue: intake.HandleEnqueue,
		Webhook: webhookHandler,
		Push:    pushsub.NewHandlers(st, st, log),
		Queue:   processor,
		Checks: map[string]server.CheckFunc{
			"store": st.Ping,
			"redis": redis.Ping,
		},
		Logger:         log,
		RequestTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	})
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			zapLog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down HTTP server", zap.Error(err))
	}
	scheduler.Stop(shutdownCtx)
	processor.Stop()
	stop()
	if rabbit != nil {
		if err := rabbit.Close(); err != nil {
			zapLog.Error("Error closing RabbitMQ client", zap.Error(err))
		}
	}

	zapLog.Info("Notification server stopped gracefully")
}

// openStore connects the configured backing store. The memory driver is for
// local runs only; nothing survives a restart.
func openStore(ctx context.Context, cfg *config.Config, zapLog *zap.Logger) (store.Store, func()) {
	if cfg.Database.Driver == "memory" {
		zapLog.Warn("Using in-memory store")
		return memory.NewMemoryStore(), func() {}
	}

	var pg *database.PostgresClient
	err := retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	zapLog.Info("PostgreSQL connected successfully")

	st := postgres.New(pg)
	if err := st.Migrate(ctx); err != nil {
		zapLog.Fatal("schema migration failed", zap.Error(err))
	}
	return st, func() { _ = pg.Close() }
}

func buildSenders(ctx context.Context, cfg *config.Config, st store.Store) (*channels.Registry, error) {
	p := cfg.Providers
	client := apphttp.NewClient(config.GetDuration(cfg.Queue.SendTimeout))
	all := []channels.Sender{channels.NewInAppSender(st)}

	switch p.Email {
	case "ses":
		sesClient, err := appaws.NewSESClient(ctx, p.AWS.Region)
		if err != nil {
			return nil, err
		}
		all = append(all, channels.NewSESSender(channels.SESConfig{
			FromEmail:        p.AWS.SES.FromEmail,
			ConfigurationSet: p.AWS.SES.ConfigurationSet,
		}, sesClient))
	default:
		all = append(all, channels.NewSendGridSender(channels.SendGridConfig{
			APIKey:    p.SendGrid.APIKey,
			BaseURL:   p.SendGrid.BaseURL,
			FromEmail: p.SendGrid.FromEmail,
			FromName:  p.SendGrid.FromName,
		}, client))
	}

	switch p.SMS {
	case "sns":
		snsClient, err := appaws.NewSNSClient(ctx, p.AWS.Region)
		if err != nil {
			return nil, err
		}
		all = append(all, channels.NewSNSSender(channels.SNSConfig{
			SenderID: p.AWS.SNS.DefaultSMSSenderID,
		}, snsClient))
	default:
		all = append(all, channels.NewTwilioSender(channels.TwilioConfig{
			AccountSID:     p.Twilio.AccountSID,
			AuthToken:      p.Twilio.AuthToken,
			BaseURL:        p.Twilio.BaseURL,
			FromNumber:     p.Twilio.FromNumber,
			StatusCallback: p.Twilio.StatusCallback,
		}, client))
	}

	if p.FCM.Enabled {
		fcmCfg := channels.FCMConfig{
			ProjectID:       p.FCM.ProjectID,
			CredentialsFile: p.FCM.CredentialsFile,
			Icon:            p.FCM.DefaultIcon,
			DefaultURL:      cfg.Push.DefaultURL,
		}
		fcmClient, err := channels.NewFCMClient(ctx, fcmCfg)
		if err != nil {
			return nil, err
		}
		all = append(all, channels.NewFCMSender(fcmCfg, fcmClient))
	}

	return channels.NewRegistry(all...), nil
}

func buildScheduler(cfg *config.Config, st store.Store, processor *queue.Processor, locker *lock.Locker, log logger.Logger, zapLog *zap.Logger) *sweep.Scheduler {
	loc, err := sweep.LoadLocation(cfg.Sweep.Timezone)
	if err != nil {
		zapLog.Fatal("sweep timezone invalid", zap.Error(err))
	}

	scheduler := sweep.NewScheduler(loc, locker, log)
	if cfg.Sweep.Enabled {
		expiry := sweep.NewExpirySweep(st, cfg.Sweep.BatchSize, log)
		if err := scheduler.Add(sweep.ExpiryJob(expiry, cfg.Sweep.Schedule, config.GetDuration(cfg.Sweep.Timeout))); err != nil {
			zapLog.Fatal("schedule benefit expiry failed", zap.Error(err))
		}
	}
	if cfg.Queue.RetentionDays > 0 {
		job := sweep.CleanupJob(processor, cfg.Queue.RetentionDays, cfg.Queue.CleanupSchedule, 0)
		if err := scheduler.Add(job); err != nil {
			zapLog.Fatal("schedule notification cleanup failed", zap.Error(err))
		}
	}
	return scheduler
}
