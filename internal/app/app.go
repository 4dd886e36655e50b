package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/marcoeg/etrap/internal/anchor"
	"github.com/marcoeg/etrap/internal/api"
	"github.com/marcoeg/etrap/internal/batch"
	"github.com/marcoeg/etrap/internal/config"
	etrapcrypto "github.com/marcoeg/etrap/internal/crypto"
	"github.com/marcoeg/etrap/internal/logging"
	"github.com/marcoeg/etrap/internal/metrics"
	"github.com/marcoeg/etrap/internal/service"
	"github.com/marcoeg/etrap/internal/storage/objectstore"
	"github.com/marcoeg/etrap/internal/storage/postgres"
	"github.com/marcoeg/etrap/internal/stream"
)

// Application wires the broker, object store, mint client, and
// optional receipt journal into one pipeline instance. All external
// clients are owned here; nothing is ambient.
type Application struct {
	Pipeline *service.Pipeline
	Server   *http.Server

	broker  stream.Broker
	journal *postgres.Journal
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Region:          cfg.ObjectStore.Region,
		Endpoint:        cfg.ObjectStore.Endpoint,
		ForcePathStyle:  cfg.ObjectStore.ForcePathStyle,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("build object store client: %w", err)
	}
	publisher := objectstore.NewPublisher(store, cfg.ObjectStore.Bucket, logger)
	if err := publisher.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.ObjectStore.Bucket, err)
	}

	var minter service.Minter
	if cfg.AnchoringEnabled() {
		signer, err := etrapcrypto.LoadCredentials(cfg.Blockchain.CredentialsDir, cfg.Blockchain.Network, cfg.Blockchain.Account)
		if err != nil {
			return nil, fmt.Errorf("load blockchain credentials: %w", err)
		}
		endpoint, err := anchor.EndpointFor(cfg.Blockchain.Network)
		if err != nil {
			return nil, err
		}
		client := anchor.NewRPCClient(endpoint, cfg.Blockchain.Contract, signer, &http.Client{Timeout: 30 * time.Second})
		minter = anchor.NewMinter(client, logger)
		logger.Info("anchoring enabled",
			slog.String("account", signer.AccountID),
			slog.String("network", cfg.Blockchain.Network),
		)
	} else {
		logger.Warn("no blockchain account configured, anchoring disabled")
	}

	var journal *postgres.Journal
	if cfg.Journal.PostgresDSN != "" {
		journal, err = postgres.Open(ctx, cfg.Journal.PostgresDSN, cfg.Journal.MaxConns, cfg.Journal.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open receipt journal: %w", err)
		}
	}

	broker := stream.NewRedisBroker(cfg.BrokerAddr(), cfg.Broker.Password)
	consumer := stream.NewConsumer(broker, stream.ConsumerConfig{
		Pattern:     cfg.Streams.Pattern,
		Group:       cfg.Streams.ConsumerGroup,
		Name:        cfg.Streams.ConsumerName,
		IdleTimeout: cfg.IdleTimeout(),
		ReadCount:   int64(cfg.Batching.MaxBatchSize),
	}, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	pipelineMetrics := metrics.New(registry)

	accumulator := batch.NewAccumulator(cfg.OrganizationID, batch.Options{
		MaxBatchSize:   cfg.Batching.MaxBatchSize,
		MinBatchSize:   cfg.Batching.MinBatchSize,
		IdleTimeout:    cfg.IdleTimeout(),
		ForceSealAfter: cfg.ForceSealAfter(),
	}, nil)

	var recorder service.ReceiptRecorder
	if journal != nil {
		recorder = journal
	}
	pipeline := service.NewPipeline(service.Params{
		Consumer:     consumer,
		Accumulator:  accumulator,
		Publisher:    publisher,
		Minter:       minter,
		Journal:      recorder,
		Metrics:      pipelineMetrics,
		Logger:       logger,
		AgentVersion: cfg.Logging.Version,
		Receiver:     cfg.Blockchain.Account,
		MaxBatchSize: cfg.Batching.MaxBatchSize,
	})

	handler := api.NewHandler(pipeline, registry, logger)
	server := &http.Server{
		Addr:              cfg.Ops.Listen,
		Handler:           logging.Middleware(logger)(handler.Router()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	return &Application{
		Pipeline: pipeline,
		Server:   server,
		broker:   broker,
		journal:  journal,
	}, nil
}

func (a *Application) Close() {
	if a.journal != nil {
		a.journal.Close()
	}
	_ = a.broker.Close()
}
