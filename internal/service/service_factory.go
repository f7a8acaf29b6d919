package service

import (
	"go.uber.org/zap"

	"coliving-admin-auth/internal/config"
	"coliving-admin-auth/internal/encryption"
	"coliving-admin-auth/internal/hashing"
	"coliving-admin-auth/internal/metrics"
	"coliving-admin-auth/internal/repository"
)

// Repositories groups the stores the services are built on.
type Repositories struct {
	Admins      repository.AdminRepository
	Pins        repository.PinRepository
	Audit       repository.AuditRepository
	Invitations repository.InvitationRepository
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg           *config.Config
	repos         Repositories
	limiter       LoginLimiter
	sessions      SessionStore
	publisher     EventPublisher
	hasher        *hashing.Hasher
	encryptionMgr *encryption.EncryptionManager
	metrics       *metrics.Metrics
	logger        *zap.Logger
	now           Clock

	credentials *CredentialAuthenticator
	roles       *RoleAuthorizer
	lockout     *LockoutGuard
	pins        *PinFactorManager
	audit       *AuditRecorder
	invitations *InvitationService
	backend     *AdminBackend
}

// NewServiceFactory creates a new service factory. publisher may be nil.
func NewServiceFactory(
	cfg *config.Config,
	repos Repositories,
	limiter LoginLimiter,
	sessions SessionStore,
	publisher EventPublisher,
	hasher *hashing.Hasher,
	encryptionMgr *encryption.EncryptionManager,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:           cfg,
		repos:         repos,
		limiter:       limiter,
		sessions:      sessions,
		publisher:     publisher,
		hasher:        hasher,
		encryptionMgr: encryptionMgr,
		metrics:       m,
		logger:        logger,
		now:           systemClock,
	}
}

// WithClock sets the time source for every service built afterwards.
func (f *ServiceFactory) WithClock(now Clock) *ServiceFactory {
	f.now = now
	return f
}

// CredentialAuthenticator returns the credential authenticator instance (singleton)
func (f *ServiceFactory) CredentialAuthenticator() (*CredentialAuthenticator, error) {
	if f.credentials == nil {
		a, err := NewCredentialAuthenticator(f.cfg, f.repos.Admins, f.hasher, f.limiter, f.sessions, f.metrics, f.logger)
		if err != nil {
			return nil, err
		}
		f.credentials = a.WithClock(f.now)
	}
	return f.credentials, nil
}

func (f *ServiceFactory) RoleAuthorizer() *RoleAuthorizer {
	if f.roles == nil {
		f.roles = NewRoleAuthorizer(f.repos.Admins, f.logger)
	}
	return f.roles
}

func (f *ServiceFactory) LockoutGuard() *LockoutGuard {
	if f.lockout == nil {
		f.lockout = NewLockoutGuard(f.repos.Pins, f.logger).WithClock(f.now)
	}
	return f.lockout
}

func (f *ServiceFactory) PinFactorManager() *PinFactorManager {
	if f.pins == nil {
		f.pins = NewPinFactorManager(f.cfg, f.repos.Pins, f.hasher, f.metrics, f.logger).WithClock(f.now)
	}
	return f.pins
}

func (f *ServiceFactory) AuditRecorder() *AuditRecorder {
	if f.audit == nil {
		f.audit = NewAuditRecorder(f.repos.Audit, f.publisher, f.cfg.Kafka.AuditTopic, f.metrics, f.logger).WithClock(f.now)
	}
	return f.audit
}

func (f *ServiceFactory) InvitationService() *InvitationService {
	if f.invitations == nil {
		f.invitations = NewInvitationService(
			f.cfg,
			f.repos.Invitations,
			f.repos.Admins,
			f.hasher,
			f.encryptionMgr,
			f.AuditRecorder(),
			f.metrics,
			f.logger,
		).WithClock(f.now)
	}
	return f.invitations
}

// AdminBackend returns the composed backend the HTTP layer drives runs with.
func (f *ServiceFactory) AdminBackend() (*AdminBackend, error) {
	if f.backend != nil {
		return f.backend, nil
	}
	credentials, err := f.CredentialAuthenticator()
	if err != nil {
		return nil, err
	}
	f.backend = NewAdminBackend(BackendDeps{
		Credentials: credentials,
		Roles:       f.RoleAuthorizer(),
		Lockout:     f.LockoutGuard(),
		Pins:        f.PinFactorManager(),
		Audit:       f.AuditRecorder(),
		Invitations: f.InvitationService(),
		Admins:      f.repos.Admins,
		Sessions:    f.sessions,
	}, f.cfg.Auth.AdminSessionTTL, f.logger).WithClock(f.now)
	return f.backend, nil
}

// Cleanup cleans up all services
func (f *ServiceFactory) Cleanup() {
	if f.encryptionMgr != nil {
		f.encryptionMgr.ClearCache()
	}
}
