package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
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
	"coliving-admin-auth/internal/service"
	"coliving-admin-auth/internal/util"
)

const (
	adminEmail    = "ops@coliving.test"
	adminPassword = "correct-horse-battery"
	adminPin      = "482913"
)

type server struct {
	t       *testing.T
	cfg     *config.Config
	hasher  *hashing.Hasher
	admins  *memory.AdminStore
	factory *service.ServiceFactory
	runs    *RunRegistry
	router  http.Handler
}

func newServer(t *testing.T, mutate ...func(*config.Config)) *server {
	t.Helper()
	util.Replace(zap.NewNop())

	cfg := &config.Config{
		Environment: config.EnvDevelopment,
		Kafka:       config.KafkaConfig{AuditTopic: "admin-audit-events"},
		Server:      config.ServerConfig{AllowedOrigin: []string{"https://admin.coliving.test"}},
		Auth: config.AuthConfig{
			StoreBackend:            config.StoreMemory,
			PinMaxAttempts:          5,
			PinLockDuration:         15 * time.Minute,
			LoginMaxAttempts:        10,
			LoginIPMaxAttempts:      50,
			LoginWindow:             15 * time.Minute,
			BaseSessionTTL:          30 * time.Minute,
			AdminSessionTTL:         8 * time.Hour,
			LoginRunTTL:             15 * time.Minute,
			InvitationRedirectDelay: 3 * time.Second,
			PasswordMinLength:       8,
		},
	}
	for _, m := range mutate {
		m(cfg)
	}

	hasher, err := hashing.NewHasherWithParams(hashing.Argon2Params{
		Memory:      64,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}, map[int]string{1: "test-pepper"})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := client.WrapRedisClient(rdb)
	limiter := redisrepo.NewRateLimitCache(rc)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	admins := memory.NewAdminStore()
	factory := service.NewServiceFactory(
		cfg,
		service.Repositories{
			Admins:      admins,
			Pins:        memory.NewPinStore(),
			Audit:       memory.NewAuditStore(),
			Invitations: memory.NewInvitationStore(),
		},
		limiter,
		redisrepo.NewSessionCache(rc),
		nil,
		hasher,
		encryption.NewEncryptionManager(cfg, nil),
		m,
		zap.NewNop(),
	)
	backend, err := factory.AdminBackend()
	require.NoError(t, err)

	runs := NewRunRegistry(backend, cfg.Auth.LoginRunTTL, m, zap.NewNop())
	handler := NewAdminHandler(backend, runs, limiter, cfg, m, zap.NewNop())
	return &server{
		t:       t,
		cfg:     cfg,
		hasher:  hasher,
		admins:  admins,
		factory: factory,
		runs:    runs,
		router:  NewRouter(cfg, handler, registry, nil, zap.NewNop()),
	}
}

func (s *server) seedAdmin(email string, role models.Role) {
	s.t.Helper()
	hashed, err := s.hasher.HashPassword(adminPassword)
	require.NoError(s.t, err)
	require.NoError(s.t, s.admins.CreateIfNotExists(context.Background(), &models.AdminIdentity{
		UserID:         uuid.NewString(),
		Email:          email,
		Role:           role,
		EmailConfirmed: true,
		IsActive:       true,
		PasswordHash:   hashed.Hash,
		PasswordSalt:   hashed.Salt,
		PepperVersion:  hashed.PepperVersion,
		HashAlgorithm:  hashed.Algorithm,
		CreatedAt:      time.Now().UTC(),
	}))
}

func (s *server) seedPin(email string) {
	s.t.Helper()
	require.NoError(s.t, s.factory.PinFactorManager().SetPin(context.Background(), email, adminPin))
}

type decoded struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

type runView struct {
	RunID             string `json:"run_id"`
	Step              string `json:"step"`
	ErrorKind         string `json:"error_kind"`
	AttemptsRemaining int    `json:"attempts_remaining"`
	ClearPin          bool   `json:"clear_pin"`
	SessionToken      string `json:"session_token"`
}

func (s *server) do(method, path string, body interface{}, token string) (int, decoded) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out decoded
	if rec.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (s *server) view(resp decoded) runView {
	s.t.Helper()
	var v runView
	require.NoError(s.t, json.Unmarshal(resp.Data, &v))
	return v
}

func TestLoginPinHomeLogout(t *testing.T) {
	s := newServer(t)
	s.seedAdmin(adminEmail, models.RoleAdmin)
	s.seedPin(adminEmail)

	status, resp := s.do(http.MethodPost, "/api/v1/admin/login", credentialsRequest{Email: adminEmail, Password: adminPassword}, "")
	require.Equal(t, http.StatusOK, status)
	view := s.view(resp)
	require.Equal(t, "two_factor_verify", view.Step)
	require.NotEmpty(t, view.RunID)
	assert.Equal(t, 1, s.runs.Len())

	status, resp = s.do(http.MethodPost, "/api/v1/admin/login/"+view.RunID+"/pin", pinRequest{Pin: "000000"}, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	wrong := s.view(resp)
	assert.Equal(t, "pin_incorrect", wrong.ErrorKind)
	assert.Equal(t, 4, wrong.AttemptsRemaining)
	assert.True(t, wrong.ClearPin)

	status, resp = s.do(http.MethodPost, "/api/v1/admin/login/"+view.RunID+"/pin", pinRequest{Pin: adminPin}, "")
	require.Equal(t, http.StatusOK, status)
	done := s.view(resp)
	require.Equal(t, "authenticated", done.Step)
	require.NotEmpty(t, done.SessionToken)
	assert.Zero(t, s.runs.Len(), "finished runs leave the registry")

	status, resp = s.do(http.MethodGet, "/api/v1/admin/home", nil, done.SessionToken)
	require.Equal(t, http.StatusOK, status)
	var home homeResponse
	require.NoError(t, json.Unmarshal(resp.Data, &home))
	assert.Equal(t, adminEmail, home.Email)
	assert.Equal(t, models.RoleAdmin, home.Role)
	assert.Empty(t, home.FullName)

	status, _ = s.do(http.MethodPost, "/api/v1/admin/logout", nil, done.SessionToken)
	require.Equal(t, http.StatusOK, status)

	status, resp = s.do(http.MethodGet, "/api/v1/admin/home", nil, done.SessionToken)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "not_authorized", resp.Error)
}

func TestRejectedCredentialsDropTheRun(t *testing.T) {
	s := newServer(t)
	s.seedAdmin(adminEmail, models.RoleAdmin)
	s.seedAdmin("tenant@coliving.test", models.Role("tenant"))

	tests := []struct {
		name   string
		email  string
		status int
		kind   string
	}{
		{"wrong password", adminEmail, http.StatusUnauthorized, "invalid_credentials"},
		{"not an admin", "tenant@coliving.test", http.StatusForbidden, "not_authorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			password := adminPassword
			if tt.kind == "invalid_credentials" {
				password = "wrong-password"
			}
			status, resp := s.do(http.MethodPost, "/api/v1/admin/login", credentialsRequest{Email: tt.email, Password: password}, "")
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, resp.Error)
			assert.Equal(t, "credentials", s.view(resp).Step)
			assert.Zero(t, s.runs.Len())
		})
	}
}

func TestPinSetupForUnenrolledAdmin(t *testing.T) {
	s := newServer(t)
	s.seedAdmin(adminEmail, models.RoleAdmin)

	_, resp := s.do(http.MethodPost, "/api/v1/admin/login", credentialsRequest{Email: adminEmail, Password: adminPassword}, "")
	view := s.view(resp)
	require.Equal(t, "two_factor_setup", view.Step)

	status, resp := s.do(http.MethodPost, "/api/v1/admin/login/"+view.RunID+"/pin/setup", pinSetupRequest{Pin: "123456", Confirm: "654321"}, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_mismatch", resp.Error)
	assert.Equal(t, "two_factor_setup", s.view(resp).Step)

	status, resp = s.do(http.MethodPost, "/api/v1/admin/login/"+view.RunID+"/pin/setup", pinSetupRequest{Pin: "123456", Confirm: "123456"}, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "authenticated", s.view(resp).Step)
}

func TestBackEndsTheRun(t *testing.T) {
	s := newServer(t)
	s.seedAdmin(adminEmail, models.RoleAdmin)
	s.seedPin(adminEmail)

	_, resp := s.do(http.MethodPost, "/api/v1/admin/login", credentialsRequest{Email: adminEmail, Password: adminPassword}, "")
	view := s.view(resp)

	status, resp := s.do(http.MethodPost, "/api/v1/admin/login/"+view.RunID+"/back", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "credentials", s.view(resp).Step)

	status, resp = s.do(http.MethodPost, "/api/v1/admin/login/"+view.RunID+"/pin", pinRequest{Pin: adminPin}, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "run_not_found", resp.Error)
}

func TestMalformedBodies(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/login", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestIPThrottle(t *testing.T) {
	s := newServer(t, func(cfg *config.Config) { cfg.Auth.LoginIPMaxAttempts = 2 })

	for i := 0; i < 2; i++ {
		status, _ := s.do(http.MethodPost, "/api/v1/admin/login", credentialsRequest{Email: "a@coliving.test", Password: "x"}, "")
		assert.Equal(t, http.StatusUnauthorized, status)
	}
	status, resp := s.do(http.MethodPost, "/api/v1/admin/login", credentialsRequest{Email: "a@coliving.test", Password: "x"}, "")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", resp.Error)
}

func TestProtectedRoutesNeedSecondFactorSession(t *testing.T) {
	s := newServer(t)
	s.seedAdmin(adminEmail, models.RoleAdmin)

	status, _ := s.do(http.MethodGet, "/api/v1/admin/home", nil, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	identity, err := mustBackend(t, s).Authenticate(context.Background(), adminEmail, adminPassword)
	require.NoError(t, err)
	status, _ = s.do(http.MethodGet, "/api/v1/admin/home", nil, identity.BaseSessionToken)
	assert.Equal(t, http.StatusUnauthorized, status, "a first-factor session never opens the admin area")
}

func TestInvitationRoutes(t *testing.T) {
	s := newServer(t)
	inv, err := s.factory.InvitationService().Issue(context.Background(), "root@coliving.test", "new.admin@coliving.test", models.RoleAdmin, 72*time.Hour)
	require.NoError(t, err)
	path := "/api/v1/admin/invitations/" + inv.InviteToken

	status, resp := s.do(http.MethodGet, "/api/v1/admin/invitations/unknown-token", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "token_invalid", resp.Error)

	status, resp = s.do(http.MethodGet, path, nil, "")
	require.Equal(t, http.StatusOK, status)
	var form struct {
		Step       string `json:"step"`
		Invitation struct {
			Email string `json:"email"`
		} `json:"invitation"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &form))
	assert.Equal(t, "form", form.Step)
	assert.Equal(t, "new.admin@coliving.test", form.Invitation.Email)

	status, resp = s.do(http.MethodPost, path+"/accept", acceptInvitationRequest{Password: "s3cure-passphrase", ConfirmPassword: "different-pass"}, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_mismatch", resp.Error)

	status, resp = s.do(http.MethodPost, path+"/accept", acceptInvitationRequest{Password: "s3cure-passphrase", ConfirmPassword: "s3cure-passphrase", FullName: "Asha Rao"}, "")
	require.Equal(t, http.StatusCreated, status)
	var success struct {
		Step            string `json:"step"`
		RedirectTo      string `json:"redirect_to"`
		RedirectAfterMs int64  `json:"redirect_after_ms"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &success))
	assert.Equal(t, "success", success.Step)
	assert.Equal(t, "/admin/login", success.RedirectTo)
	assert.Equal(t, int64(3000), success.RedirectAfterMs)

	status, resp = s.do(http.MethodPost, path+"/accept", acceptInvitationRequest{Password: "s3cure-passphrase", ConfirmPassword: "s3cure-passphrase"}, "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "token_already_used", resp.Error)
}

func TestHomeShowsNameGivenAtRedemption(t *testing.T) {
	s := newServer(t)
	const email = "named.admin@coliving.test"
	const password = "s3cure-passphrase"
	inv, err := s.factory.InvitationService().Issue(context.Background(), "root@coliving.test", email, models.RoleAdmin, 72*time.Hour)
	require.NoError(t, err)

	status, _ := s.do(http.MethodPost, "/api/v1/admin/invitations/"+inv.InviteToken+"/accept",
		acceptInvitationRequest{Password: password, ConfirmPassword: password, FullName: "Asha Rao"}, "")
	require.Equal(t, http.StatusCreated, status)
	s.seedPin(email)

	status, resp := s.do(http.MethodPost, "/api/v1/admin/login", credentialsRequest{Email: email, Password: password}, "")
	require.Equal(t, http.StatusOK, status)
	view := s.view(resp)
	status, resp = s.do(http.MethodPost, "/api/v1/admin/login/"+view.RunID+"/pin", pinRequest{Pin: adminPin}, "")
	require.Equal(t, http.StatusOK, status)
	done := s.view(resp)
	require.Equal(t, "authenticated", done.Step)

	status, resp = s.do(http.MethodGet, "/api/v1/admin/home", nil, done.SessionToken)
	require.Equal(t, http.StatusOK, status)
	var home homeResponse
	require.NoError(t, json.Unmarshal(resp.Data, &home))
	assert.Equal(t, email, home.Email)
	assert.Equal(t, "Asha Rao", home.FullName)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "admin_auth_login_runs_active")

	failing := NewRouter(s.cfg, nil, nil, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}, zap.NewNop())
	rec = httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequireHTTPS(t *testing.T) {
	s := newServer(t, func(cfg *config.Config) { cfg.Server.RequireHTTPS = true })

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRedactPath(t *testing.T) {
	assert.Equal(t, "/api/v1/admin/invitations/[redacted]", redactPath("/api/v1/admin/invitations/abc"))
	assert.Equal(t, "/api/v1/admin/invitations/[redacted]/accept", redactPath("/api/v1/admin/invitations/abc/accept"))
	assert.Equal(t, "/api/v1/admin/login", redactPath("/api/v1/admin/login"))
}

func mustBackend(t *testing.T, s *server) *service.AdminBackend {
	t.Helper()
	b, err := s.factory.AdminBackend()
	require.NoError(t, err)
	return b
}
