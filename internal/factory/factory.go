package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coliving-admin-auth/internal/bucketing"
	"coliving-admin-auth/internal/client"
	"coliving-admin-auth/internal/config"
	"coliving-admin-auth/internal/encryption"
	"coliving-admin-auth/internal/handler"
	"coliving-admin-auth/internal/hashing"
	"coliving-admin-auth/internal/metrics"
	"coliving-admin-auth/internal/repository/memory"
	redisrepo "coliving-admin-auth/internal/repository/redis"
	"coliving-admin-auth/internal/repository/scylla"
	"coliving-admin-auth/internal/service"
	"coliving-admin-auth/internal/tls"
	"coliving-admin-auth/internal/util"
	"coliving-admin-auth/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager
	registry   *prometheus.Registry
	metrics    *metrics.Metrics

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	kafkaConsumer    *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	repositories   service.Repositories
	serviceFactory *service.ServiceFactory
	runRegistry    *handler.RunRegistry
	auditSink      *worker.AuditSink

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := &Factory{
		config:   cfg,
		registry: registry,
		metrics:  metrics.New(registry),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(tls.ConfigFrom(cfg))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := factory.initializeClients(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeRepositories(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Auth.StoreBackend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("audit_sink_enabled", cfg.Kafka.EnableSink),
	)

	return factory, nil
}

// initializeClients connects to every external service in parallel. Redis is
// always required; Scylla only for the scylla store; Kafka is optional; the
// sink destinations only matter when the sink runs.
func (f *Factory) initializeClients(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c, err := client.NewRedisClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
		if err := c.HealthCheck(gctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
		util.Info("Redis client initialized and healthy")
		return nil
	})

	if f.config.Auth.StoreBackend == config.StoreScylla {
		g.Go(func() error {
			c, err := scylla.NewScyllaClient(f.config, util.Get())
			if err != nil {
				return fmt.Errorf("scylla: %w", err)
			}
			f.scyllaClient = c
			if err := c.HealthCheck(gctx); err != nil {
				return fmt.Errorf("scylla health check: %w", err)
			}
			util.Info("ScyllaDB client initialized and healthy")
			return nil
		})
	}

	g.Go(func() error {
		producer, err := client.NewKafkaProducer(f.config, util.Get())
		if err != nil {
			util.Warn("Kafka producer initialization failed - audit events will not be published", util.ErrorField(err))
			return nil
		}
		f.kafkaProducer = producer
		return nil
	})

	if f.config.Kafka.EnableSink {
		g.Go(func() error {
			c, err := client.NewElasticsearchClient(f.config, util.Get())
			if err != nil {
				return fmt.Errorf("elasticsearch: %w", err)
			}
			f.esClient = c
			if err := c.HealthCheck(gctx); err != nil {
				return fmt.Errorf("elasticsearch health check: %w", err)
			}
			util.Info("Elasticsearch client initialized and healthy")
			return nil
		})

		g.Go(func() error {
			c, err := client.NewClickHouseClient(f.config, util.Get())
			if err != nil {
				return fmt.Errorf("clickhouse: %w", err)
			}
			f.clickhouseClient = c
			if err := c.HealthCheck(gctx); err != nil {
				return fmt.Errorf("clickhouse health check: %w", err)
			}
			util.Info("ClickHouse client initialized and healthy")
			return nil
		})
	}

	return g.Wait()
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher

	if f.config.KMS.Enabled {
		kmsClient, err := encryption.NewKMSClient(ctx, f.config)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)
	} else {
		// A nil *kms.Client must not reach the KMSAPI interface.
		f.encryptionManager = encryption.NewEncryptionManager(f.config, nil)
	}

	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Bool("kms_enabled", f.config.KMS.Enabled),
		util.Int("event_buckets", f.bucketingManager.GetEventBuckets()),
	)
	return nil
}

func (f *Factory) initializeRepositories(ctx context.Context) error {
	if f.config.Auth.StoreBackend == config.StoreMemory {
		util.Warn("Using in-memory stores - state is lost on restart")
		f.repositories = service.Repositories{
			Admins:      memory.NewAdminStore(),
			Pins:        memory.NewPinStore(),
			Audit:       memory.NewAuditStore(),
			Invitations: memory.NewInvitationStore(),
		}
		return nil
	}

	if !f.config.IsProduction() {
		if err := f.scyllaClient.CreateSchema(ctx); err != nil {
			return err
		}
	}
	f.repositories = service.Repositories{
		Admins:      scylla.NewAdminRepository(f.scyllaClient),
		Pins:        scylla.NewPinRepository(f.scyllaClient),
		Audit:       scylla.NewAuditRepository(f.scyllaClient, f.bucketingManager),
		Invitations: scylla.NewInvitationRepository(f.scyllaClient),
	}
	return nil
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		var publisher service.EventPublisher
		if f.kafkaProducer != nil {
			publisher = f.kafkaProducer
		}
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.repositories,
			redisrepo.NewRateLimitCache(f.redisClient),
			redisrepo.NewSessionCache(f.redisClient),
			publisher,
			f.hasher,
			f.encryptionManager,
			f.metrics,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// RunRegistry holds the login runs served over HTTP.
func (f *Factory) RunRegistry() (*handler.RunRegistry, error) {
	if f.runRegistry == nil {
		backend, err := f.ServiceFactory().AdminBackend()
		if err != nil {
			return nil, err
		}
		f.runRegistry = handler.NewRunRegistry(backend, f.config.Auth.LoginRunTTL, f.metrics, util.Get())
	}
	return f.runRegistry, nil
}

// AdminHandler wires the admin HTTP routes.
func (f *Factory) AdminHandler() (*handler.AdminHandler, error) {
	backend, err := f.ServiceFactory().AdminBackend()
	if err != nil {
		return nil, err
	}
	runs, err := f.RunRegistry()
	if err != nil {
		return nil, err
	}
	limiter := redisrepo.NewRateLimitCache(f.redisClient)
	return handler.NewAdminHandler(backend, runs, limiter, f.config, f.metrics, util.Get()), nil
}

// AuditSink is nil unless the sink is enabled.
func (f *Factory) AuditSink() *worker.AuditSink {
	if !f.config.Kafka.EnableSink {
		return nil
	}
	if f.auditSink == nil {
		f.kafkaConsumer = client.NewKafkaConsumer(f.config, f.config.Kafka.AuditTopic, f.config.Kafka.SinkGroup, util.Get())
		f.auditSink = worker.NewAuditSink(
			f.kafkaConsumer,
			f.clickhouseClient,
			f.esClient,
			f.config.Elasticsearch.AuditIndex,
			f.metrics,
			util.Get(),
		)
	}
	return f.auditSink
}

// ==============================
// Health Checks
// ==============================

// HealthChecks lists the dependencies /health checks. Kafka is left out:
// the service keeps working without the publisher.
func (f *Factory) HealthChecks() map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{}
	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.scyllaClient != nil {
		checks["scylla"] = f.scyllaClient.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	return checks
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)
	for name, check := range f.HealthChecks() {
		if err := check(ctx); err != nil {
			healthErrors[name] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	return healthErrors
}

// ==============================
// Other Utility Methods
// ==============================

func (f *Factory) Close() error {
	var errs []error
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.kafkaConsumer != nil {
			if err := f.kafkaConsumer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("kafka consumer: %w", err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				errs = append(errs, fmt.Errorf("clickhouse: %w", err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("kafka producer: %w", err))
			}
		}

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		for _, err := range errs {
			util.Error("Failed to close dependency", util.ErrorField(err))
		}
		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return errors.Join(errs...)
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Registry() *prometheus.Registry {
	return f.registry
}

func (f *Factory) Metrics() *metrics.Metrics {
	return f.metrics
}
