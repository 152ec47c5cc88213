package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/guard"
	"identity-service/internal/hashing"
	"identity-service/internal/kyc"
	"identity-service/internal/model"
	"identity-service/internal/notify"
	"identity-service/internal/otp"
	"identity-service/internal/repository/memory"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient   *client.RedisClient
	scyllaClient  *scylla.ScyllaClient
	kafkaProducer *client.KafkaProducer

	// Managers
	hasher           *hashing.Hasher
	bucketingManager *bucketing.Manager

	// Stores. Backed by Redis/Scylla when those clients come up, by
	// the in-process implementations otherwise (development only).
	challengeStore otp.ChallengeStore
	sessionStore   token.SessionStore
	revocationList token.RevocationList
	identityStore  service.IdentityStore

	notifier    notify.Notifier
	kycProvider kyc.Provider

	challengeManager *otp.Manager
	tokenService     *token.Service
	identityGuard    *guard.Guard
	serviceFactory   *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	factory.initializeStores()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("redis_backed", factory.redisClient != nil),
		util.Bool("scylla_backed", factory.scyllaClient != nil),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if rc, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = rc
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if sc, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = sc
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
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

// initializeManagers initializes the hashing and bucketing managers
func (f *Factory) initializeManagers() error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher
	f.bucketingManager = bucketing.NewManager(f.config)

	util.Info("Managers initialized successfully",
		util.Int("identity_buckets", f.bucketingManager.Buckets()),
	)
	return nil
}

// initializeStores selects the store implementations. In development a
// missing Redis or Scylla falls back to in-process stores so the login
// flow stays runnable on a laptop.
func (f *Factory) initializeStores() {
	if f.redisClient != nil {
		f.challengeStore = redisrepo.NewChallengeStore(f.redisClient)
		f.revocationList = redisrepo.NewRevocationList(f.redisClient)
	} else {
		util.Warn("Using in-memory challenge store and revocation list")
		f.challengeStore = memory.NewChallengeStore()
		f.revocationList = memory.NewRevocationList()
	}

	if f.scyllaClient != nil {
		f.sessionStore = scylla.NewSessionStore(f.scyllaClient)
		f.identityStore = scylla.NewIdentityStore(f.scyllaClient, f.bucketingManager)
	} else {
		util.Warn("Using in-memory session and identity stores")
		f.sessionStore = memory.NewSessionStore()
		f.identityStore = memory.NewIdentityStore()
	}

	if f.kafkaProducer != nil {
		f.notifier = notify.NewKafkaNotifier(f.kafkaProducer, f.config.Kafka.DeliveryTopic, util.Get())
	} else {
		f.notifier = notify.NewNopNotifier(util.Get())
	}

	if f.config.KYC.BaseURL != "" {
		f.kycProvider = kyc.NewHTTPProvider(f.config.KYC, util.Get())
	} else {
		util.Warn("KYC provider not configured - treating every identity as unsubmitted")
		f.kycProvider = &kyc.StaticProvider{Value: model.KYCUnsubmitted}
	}
}

// ==============================
// Domain Services
// ==============================

func (f *Factory) ChallengeManager() *otp.Manager {
	if f.challengeManager == nil {
		f.challengeManager = otp.NewManager(
			f.challengeStore,
			f.hasher,
			f.notifier,
			f.config.OTP,
			util.Get(),
		)
	}
	return f.challengeManager
}

func (f *Factory) TokenService() *token.Service {
	if f.tokenService == nil {
		f.tokenService = token.NewService(
			f.sessionStore,
			f.revocationList,
			f.config.JWT,
			util.Get(),
		)
	}
	return f.tokenService
}

func (f *Factory) Guard() *guard.Guard {
	if f.identityGuard == nil {
		f.identityGuard = guard.New(f.TokenService(), f.kycProvider, util.Get())
	}
	return f.identityGuard
}

func (f *Factory) KYCProvider() kyc.Provider {
	return f.kycProvider
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		var events service.EventPublisher
		if f.kafkaProducer != nil {
			events = f.kafkaProducer
		}
		f.serviceFactory = service.NewServiceFactory(
			f.ChallengeManager(),
			f.TokenService(),
			f.identityStore,
			events,
			f.config.Kafka,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// ComponentHealth probes every backing client concurrently and reports
// per-component failures.
func (f *Factory) ComponentHealth(ctx context.Context) map[string]error {
	var mu sync.Mutex
	healthErrors := make(map[string]error)
	record := func(name string, err error) {
		mu.Lock()
		healthErrors[name] = err
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)

	if f.redisClient != nil {
		g.Go(func() error {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				record("redis", err)
			}
			return nil
		})
	}
	if f.scyllaClient != nil {
		g.Go(func() error {
			if err := f.scyllaClient.HealthCheck(); err != nil {
				record("scylla", err)
			}
			return nil
		})
	}
	if f.kafkaProducer != nil {
		g.Go(func() error {
			if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
				record("kafka", err)
			}
			return nil
		})
	}

	_ = g.Wait()
	return healthErrors
}

// HealthCheck is the readiness form of ComponentHealth: nil when every
// required component is reachable. Kafka is best-effort and excluded.
func (f *Factory) HealthCheck(ctx context.Context) error {
	healthErrors := f.ComponentHealth(ctx)
	delete(healthErrors, "kafka")
	for name, err := range healthErrors {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	return f.HealthCheck(ctx) == nil
}

// ==============================
// Lifecycle
// ==============================

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}
