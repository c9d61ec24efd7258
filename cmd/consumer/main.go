package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/busguard/internal/config"
	"github.com/example/busguard/internal/crypto/factory"
	"github.com/example/busguard/internal/kafka/consumer"
	"github.com/example/busguard/internal/kafka/producer"
	kafkapublisher "github.com/example/busguard/internal/kafka/publisher"
	"github.com/example/busguard/internal/logger"
	"github.com/example/busguard/internal/monitoring"
	"github.com/example/busguard/internal/validation"
	"github.com/example/busguard/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}

	trust := cfg.Crypto()

	var verifier validation.Verifier
	if trust.ValidateSignatures {
		dispatcher, err := factory.Dispatcher(trust, logger.Component(log, "crypto"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialise crypto backends")
		}
		log.Info().
			Strs("backends", dispatcher.Names()).
			Str("policy", string(dispatcher.Policy())).
			Msg("signature validation enabled")
		verifier = dispatcher
	} else {
		log.Warn().Msg("signature validation disabled")
	}

	pipeline, err := validation.New(trust, verifier, logger.Component(log, "validation"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise validation pipeline")
	}

	deps := worker.Dependencies{
		Validator: pipeline,
		Handler:   worker.LogHandler(*log),
		Logger:    logger.Component(log, "worker"),
		Now:       time.Now,
	}

	checks := []monitoring.Check{}

	if cfg.Kafka.RejectTopic != "" {
		prod, err := producer.New(cfg.Kafka.Brokers, logger.Component(log, "kafka"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka producer")
		}
		defer func() {
			if err := prod.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
		}()
		deps.RejectionPublisher = kafkapublisher.NewRejectionPublisher(prod, cfg.Kafka.RejectTopic, *log)
		checks = append(checks, monitoring.ReadyCheck("kafka producer", prod.IsReady))
	}

	metrics, err := worker.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}
	deps.Recorder = metrics

	engine, err := worker.NewEngine(worker.Config{
		MsgMaxBytes:       cfg.Worker.MsgMaxBytes,
		WorkerConcurrency: cfg.Worker.Concurrency,
	}, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise worker engine")
	}

	cons, err := consumer.New(consumer.Settings{
		Brokers:             cfg.Kafka.Brokers,
		GroupID:             cfg.Kafka.ConsumerGroup,
		Topics:              cfg.Kafka.Topics,
		CommitOnSuccessOnly: cfg.Worker.CommitOnSuccessOnly,
	}, logger.Component(log, "consumer"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka consumer")
	}
	defer func() {
		if err := cons.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka consumer")
		}
	}()
	checks = append(checks, monitoring.ReadyCheck("kafka consumer", cons.IsReady))

	if cfg.Metrics.Addr != "" {
		srv := monitoring.NewServer(cfg.Metrics.Addr, prometheus.DefaultGatherer, *log, checks...)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Error().Err(err).Msg("monitoring server stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := cons.Run(ctx, worker.KafkaHandler(engine, cons)); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().
		Strs("topics", cons.Topics()).
		Str("group", cfg.Kafka.ConsumerGroup).
		Bool("validate_signatures", pipeline.SignaturesEnabled()).
		Msg("busguard consumer started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("consumer terminated with error")
		}
	}

	stop()
	engine.Wait()
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("busguard consumer init failed")
}
