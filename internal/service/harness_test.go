package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coliving-admin-auth/internal/client"
	"coliving-admin-auth/internal/config"
	"coliving-admin-auth/internal/encryption"
	"coliving-admin-auth/internal/hashing"
	"coliving-admin-auth/internal/metrics"
	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/repository/memory"
	redisrepo "coliving-admin-auth/internal/repository/redis"
	"coliving-admin-auth/internal/util"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedMessage struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages []publishedMessage
}

func (p *fakePublisher) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, publishedMessage{topic: topic, key: string(key), value: value, headers: headers})
	return nil
}

func (p *fakePublisher) published() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.messages...)
}

// switchableAudit fails every append while failing is set.
type switchableAudit struct {
	*memory.AuditStore
	failing atomic.Bool
}

func (s *switchableAudit) Append(ctx context.Context, entry *models.AuditLogEntry) error {
	if s.failing.Load() {
		return errors.New("audit table unavailable")
	}
	return s.AuditStore.Append(ctx, entry)
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvDevelopment,
		Kafka:       config.KafkaConfig{AuditTopic: "admin-audit-events"},
		Auth: config.AuthConfig{
			StoreBackend:            config.StoreMemory,
			PinMaxAttempts:          5,
			PinLockDuration:         15 * time.Minute,
			LoginMaxAttempts:        10,
			LoginWindow:             15 * time.Minute,
			BaseSessionTTL:          30 * time.Minute,
			AdminSessionTTL:         8 * time.Hour,
			InvitationRedirectDelay: 3 * time.Second,
			PasswordMinLength:       8,
		},
	}
}

func testHasher(t *testing.T) *hashing.Hasher {
	t.Helper()
	h, err := hashing.NewHasherWithParams(hashing.Argon2Params{
		Memory:      64,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}, map[int]string{1: "test-pepper"})
	require.NoError(t, err)
	return h
}

type harness struct {
	t           *testing.T
	ctx         context.Context
	cfg         *config.Config
	clock       *fakeClock
	hasher      *hashing.Hasher
	admins      *memory.AdminStore
	pins        *memory.PinStore
	audits      *switchableAudit
	invitations *memory.InvitationStore
	publisher   *fakePublisher
	sessions    *redisrepo.SessionCache
	limiter     *redisrepo.RateLimitCache
	redis       *miniredis.Miniredis
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	factory     *ServiceFactory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	util.Replace(zap.NewNop())
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := client.WrapRedisClient(rdb)

	h := &harness{
		t:           t,
		ctx:         WithRequestMeta(context.Background(), RequestMeta{ClientFingerprint: "fp-test", RequestID: "req-1"}),
		cfg:         testConfig(),
		clock:       newFakeClock(),
		hasher:      testHasher(t),
		admins:      memory.NewAdminStore(),
		pins:        memory.NewPinStore(),
		audits:      &switchableAudit{AuditStore: memory.NewAuditStore()},
		invitations: memory.NewInvitationStore(),
		publisher:   &fakePublisher{},
		sessions:    redisrepo.NewSessionCache(rc),
		limiter:     redisrepo.NewRateLimitCache(rc),
		redis:       mr,
		registry:    prometheus.NewRegistry(),
	}
	h.metrics = metrics.New(h.registry)
	h.factory = NewServiceFactory(
		h.cfg,
		Repositories{Admins: h.admins, Pins: h.pins, Audit: h.audits, Invitations: h.invitations},
		h.limiter,
		h.sessions,
		h.publisher,
		h.hasher,
		encryption.NewEncryptionManager(h.cfg, nil),
		h.metrics,
		zap.NewNop(),
	).WithClock(h.clock.Now)
	return h
}

func (h *harness) backend() *AdminBackend {
	h.t.Helper()
	b, err := h.factory.AdminBackend()
	require.NoError(h.t, err)
	return b
}

func (h *harness) authenticator() *CredentialAuthenticator {
	h.t.Helper()
	a, err := h.factory.CredentialAuthenticator()
	require.NoError(h.t, err)
	return a
}

func (h *harness) seedAdmin(email, password string, role models.Role, confirmed bool) *models.AdminIdentity {
	h.t.Helper()
	hashed, err := h.hasher.HashPassword(password)
	require.NoError(h.t, err)
	identity := &models.AdminIdentity{
		UserID:         uuid.NewString(),
		Email:          email,
		Role:           role,
		EmailConfirmed: confirmed,
		IsActive:       true,
		PasswordHash:   hashed.Hash,
		PasswordSalt:   hashed.Salt,
		PepperVersion:  hashed.PepperVersion,
		HashAlgorithm:  hashed.Algorithm,
		CreatedAt:      h.clock.Now(),
	}
	require.NoError(h.t, h.admins.CreateIfNotExists(h.ctx, identity))
	return identity
}

func (h *harness) seedPin(email, pin string) {
	h.t.Helper()
	require.NoError(h.t, h.factory.PinFactorManager().SetPin(h.ctx, email, pin))
}
