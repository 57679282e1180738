// Package factory wires the application graph: external clients, the
// failover counter store, the event log and its sinks, and the five security
// components that sit on top of them.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"security-core/internal/alert"
	"security-core/internal/bucketing"
	"security-core/internal/client"
	"security-core/internal/config"
	"security-core/internal/csrf"
	"security-core/internal/event"
	"security-core/internal/hashing"
	"security-core/internal/loginguard"
	"security-core/internal/models"
	"security-core/internal/monitor"
	"security-core/internal/netblock"
	"security-core/internal/ratelimit"
	redisrepo "security-core/internal/repository/redis"
	"security-core/internal/repository/scylla"
	"security-core/internal/session"
	"security-core/internal/store"
	"security-core/internal/tls"
	"security-core/internal/util"
)

const (
	identityBuckets = 64
	eventBuckets    = 32
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Event log
	eventLogger    *event.Logger
	eventReader    *event.Reader
	clickhouseSink *event.ClickHouseSink

	// Stores
	counterStore store.CounterStore
	boltStore    *store.BoltStore
	sessionCache *redisrepo.SessionCache

	// Repositories
	userRepository *scylla.UserRepository
	sessionAudit   *scylla.SessionAuditRepository

	// Managers
	hasher           *hashing.Hasher
	bucketingManager *bucketing.BucketingManager
	alerter          alert.Sink
	limiter          *ratelimit.Limiter
	guard            *loginguard.Guard
	sessionManager   *session.Manager
	csrfManager      *csrf.Manager
	blockSchedule    *netblock.Schedule
	securityMonitor  *monitor.Monitor

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{config: cfg}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS: cfg.Server.EnableTLS,
			Domain:    cfg.Server.Domain,
			CertFile:  cfg.Server.CertFile,
			KeyFile:   cfg.Server.KeyFile,
			CertDir:   cfg.Server.CertDir,
		})
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeEventLog(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log: %w", err)
	}
	if err := f.initializeStores(); err != nil {
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}
	if err := f.initializeComponents(); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("monitor_enabled", cfg.Monitor.Enabled),
	)

	return f, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		util.Info("ScyllaDB client initialized")
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed, proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.Elastic.Enabled {
		if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			util.Warn("Elasticsearch initialization failed, proceeding without it", util.ErrorField(err))
		} else {
			f.esClient = esClient
			util.Info("Elasticsearch client initialized")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			util.Warn("ClickHouse initialization failed, proceeding without it", util.ErrorField(err))
		} else {
			f.clickhouseClient = chClient
			util.Info("ClickHouse client initialized")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeEventLog() error {
	f.bucketingManager = bucketing.NewBucketingManager(identityBuckets, eventBuckets)

	var sinks []event.Sink
	if f.kafkaProducer != nil {
		sinks = append(sinks, event.NewKafkaSink(f.kafkaProducer, f.config.Kafka.EventTopic))
	}
	if f.esClient != nil {
		sinks = append(sinks, event.NewESSink(f.esClient, f.config.Elastic.EventIndex))
	}
	if f.clickhouseClient != nil {
		chSink := event.NewClickHouseSink(f.clickhouseClient, "security_events", f.bucketingManager)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := chSink.EnsureSchema(ctx); err != nil {
			util.Warn("ClickHouse event schema setup failed", util.ErrorField(err))
		} else {
			f.clickhouseSink = chSink
			sinks = append(sinks, chSink)
		}
	}

	logger, err := event.NewLogger(f.config.EventLog.Path, sinks...)
	if err != nil {
		return err
	}
	f.eventLogger = logger
	f.eventReader = event.NewReader(f.config.EventLog.Path)
	return nil
}

func (f *Factory) initializeStores() error {
	boltStore, err := store.NewBoltStore(f.config.Fallback.Path)
	if err != nil {
		return fmt.Errorf("fallback store: %w", err)
	}
	f.boltStore = boltStore

	degraded := func(op string, err error) {
		appendErr := f.eventLogger.Append(context.Background(), models.SecurityEvent{
			Type:    models.EventStoreDegraded,
			Details: "op=" + op + " error=" + err.Error(),
		})
		if appendErr != nil {
			util.Warn("Failed to record store degradation", zap.Error(appendErr))
		}
	}

	if f.redisClient != nil {
		f.counterStore = store.NewFailoverStore(store.NewRedisStore(f.redisClient), boltStore, degraded)
		f.sessionCache = redisrepo.NewSessionCache(f.redisClient)
	} else {
		// No Redis at all: the embedded store carries everything.
		f.counterStore = boltStore
	}
	return nil
}

func (f *Factory) initializeComponents() error {
	f.hasher = hashing.NewHasher(hashing.DefaultParams())

	sinks := []alert.Sink{alert.LogSink{}}
	if f.config.Alerts.Email.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		emailSink, err := alert.NewEmailSink(ctx,
			f.config.Alerts.Email.Region,
			f.config.Alerts.Email.Sender,
			f.config.Alerts.Email.Recipients)
		cancel()
		if err != nil {
			util.Warn("Email alert sink initialization failed", util.ErrorField(err))
		} else {
			sinks = append(sinks, emailSink)
		}
	}
	if f.config.Alerts.Webhook.Enabled && f.config.Alerts.Webhook.URL != "" {
		sinks = append(sinks, alert.NewWebhookSink(f.config.Alerts.Webhook.URL))
	}
	f.alerter = alert.NewMultiSink(sinks...)

	f.limiter = ratelimit.NewLimiter(f.counterStore, f.config.RateLimit.Categories, f.eventLogger)
	f.guard = loginguard.NewGuard(f.counterStore, f.config.Login, f.eventLogger, f.eventReader, f.alerter)

	if f.scyllaClient != nil {
		f.userRepository = scylla.NewUserRepository(f.scyllaClient)
		f.sessionAudit = scylla.NewSessionAuditRepository(f.scyllaClient)
	}

	if f.sessionCache != nil && f.userRepository != nil {
		var audit session.AuditTrail
		if f.sessionAudit != nil {
			audit = f.sessionAudit
		}
		f.sessionManager = session.NewManager(
			f.sessionCache, f.userRepository, audit,
			f.hasher, f.config.Session, f.eventLogger, f.alerter)
	} else {
		util.Warn("Session manager disabled, requires both Redis and Scylla")
	}

	if f.redisClient != nil {
		f.csrfManager = csrf.NewManager(f.redisClient, f.config.CSRF, f.eventLogger)
	}

	schedule, err := netblock.NewSchedule(f.config.EventLog.BlockSchedulePath)
	if err != nil {
		return fmt.Errorf("netblock schedule: %w", err)
	}
	f.blockSchedule = schedule

	f.securityMonitor = monitor.NewMonitor(f.config.Monitor, f.eventReader, f.alerter, schedule)
	return nil
}

func (f *Factory) Config() *config.Config                 { return f.config }
func (f *Factory) TLSManager() *tls.TLSManager            { return f.tlsManager }
func (f *Factory) EventLogger() *event.Logger             { return f.eventLogger }
func (f *Factory) EventReader() *event.Reader             { return f.eventReader }
func (f *Factory) CounterStore() store.CounterStore       { return f.counterStore }
func (f *Factory) Limiter() *ratelimit.Limiter            { return f.limiter }
func (f *Factory) Guard() *loginguard.Guard               { return f.guard }
func (f *Factory) SessionManager() *session.Manager       { return f.sessionManager }
func (f *Factory) CSRFManager() *csrf.Manager             { return f.csrfManager }
func (f *Factory) Monitor() *monitor.Monitor              { return f.securityMonitor }
func (f *Factory) BlockSchedule() *netblock.Schedule      { return f.blockSchedule }
func (f *Factory) Alerter() alert.Sink                    { return f.alerter }
func (f *Factory) UserRepository() *scylla.UserRepository { return f.userRepository }
func (f *Factory) Bucketing() *bucketing.BucketingManager { return f.bucketingManager }
func (f *Factory) ClickHouseSink() *event.ClickHouseSink  { return f.clickhouseSink }

// HealthCheck probes every initialized backend.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	return healthErrors
}

// Close releases all clients. Safe to call more than once.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		if f.boltStore != nil {
			if err := f.boltStore.Close(); err != nil {
				util.Warn("Failed to close fallback store", util.ErrorField(err))
			}
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Warn("Failed to close kafka producer", util.ErrorField(err))
			}
		}
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Warn("Failed to close clickhouse client", util.ErrorField(err))
			}
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Warn("Failed to close redis client", util.ErrorField(err))
			}
		}
		util.Info("Factory closed")
	})
}
