package scylla

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"coliving-admin-auth/internal/config"
	"coliving-admin-auth/internal/util"
)

// Statements holds the CQL used by the repositories. gocql prepares and caches
// each statement on first use, so only the text is kept here.
type Statements struct {
	GetAdminByEmail    string
	CreateAdminIfNew   string
	GetPinCredential   string
	InsertPinIfNew     string
	CompareAndSwapPin  string
	AppendAudit        string
	GetInvitation      string
	CreateInvitation   string
	MarkInvitationUsed string
	ReleaseInvitation  string
}

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	Statements *Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 getEnv("SCYLLA_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               getEnv("SCYLLA_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                getEnv("SCYLLA_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		Statements: newStatements(),
	}

	logger.Info("ScyllaDB client initialized",
		util.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func newStatements() *Statements {
	return &Statements{
		GetAdminByEmail: `
        SELECT user_id, email, role, email_confirmed, is_active, password_hash,
            password_salt, pepper_version, hash_algorithm, full_name_encrypted,
            full_name_dek, full_name_key_id, invitation_id, created_at
        FROM admin_identities WHERE email = ?`,

		CreateAdminIfNew: `
        INSERT INTO admin_identities (
            email, user_id, role, email_confirmed, is_active, password_hash,
            password_salt, pepper_version, hash_algorithm, full_name_encrypted,
            full_name_dek, full_name_key_id, invitation_id, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,

		GetPinCredential: `
        SELECT admin_email, pin_hash, pin_salt, pepper_version, hash_algorithm,
            failed_attempt_count, locked_until, version, created_at, updated_at
        FROM admin_pin_credentials WHERE admin_email = ?`,

		InsertPinIfNew: `
        INSERT INTO admin_pin_credentials (
            admin_email, pin_hash, pin_salt, pepper_version, hash_algorithm,
            failed_attempt_count, locked_until, version, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,

		CompareAndSwapPin: `
        UPDATE admin_pin_credentials
        SET pin_hash = ?, pin_salt = ?, pepper_version = ?, hash_algorithm = ?,
            failed_attempt_count = ?, locked_until = ?, version = ?, updated_at = ?
        WHERE admin_email = ? IF version = ?`,

		AppendAudit: `
        INSERT INTO admin_audit_log (
            event_bucket, event_date, created_at, id, user_id, action,
            resource_type, metadata
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,

		GetInvitation: `
        SELECT id, email, role, expires_at, inviter_email, invite_token, status,
            used_at, used_by, created_at
        FROM admin_invitations WHERE invite_token = ?`,

		CreateInvitation: `
        INSERT INTO admin_invitations (
            invite_token, id, email, role, expires_at, inviter_email, status,
            used_at, used_by, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,

		MarkInvitationUsed: `
        UPDATE admin_invitations SET status = 'used', used_at = ?, used_by = ?
        WHERE invite_token = ? IF status = 'valid'`,

		ReleaseInvitation: `
        UPDATE admin_invitations SET status = 'valid', used_at = null, used_by = null
        WHERE invite_token = ? IF status = 'used'`,
	}
}

// SchemaStatements creates the keyspace tables. Applied at startup in development.
var SchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS admin_identities (
        email text PRIMARY KEY,
        user_id text,
        role text,
        email_confirmed boolean,
        is_active boolean,
        password_hash text,
        password_salt text,
        pepper_version int,
        hash_algorithm text,
        full_name_encrypted text,
        full_name_dek text,
        full_name_key_id text,
        invitation_id text,
        created_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS admin_pin_credentials (
        admin_email text PRIMARY KEY,
        pin_hash text,
        pin_salt text,
        pepper_version int,
        hash_algorithm text,
        failed_attempt_count int,
        locked_until timestamp,
        version bigint,
        created_at timestamp,
        updated_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS admin_audit_log (
        event_bucket int,
        event_date text,
        created_at timestamp,
        id text,
        user_id text,
        action text,
        resource_type text,
        metadata map<text, text>,
        PRIMARY KEY ((event_bucket, event_date), created_at, id)
    ) WITH CLUSTERING ORDER BY (created_at DESC, id ASC)`,
	`CREATE TABLE IF NOT EXISTS admin_invitations (
        invite_token text PRIMARY KEY,
        id text,
        email text,
        role text,
        expires_at timestamp,
        inviter_email text,
        status text,
        used_at timestamp,
        used_by text,
        created_at timestamp
    )`,
}

func (s *ScyllaClient) CreateSchema(ctx context.Context) error {
	for _, stmt := range SchemaStatements {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB admin auth schema applied", zap.Int("tables", len(SchemaStatements)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries plain writes. Conditional writes must not use it:
// a retried LWT can report "not applied" for its own earlier success.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil {
			return nil
		}
		if err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

// applyCAS runs a conditional statement and reports whether it was applied.
func applyCAS(query *gocql.Query) (bool, error) {
	previous := make(map[string]interface{})
	applied, err := query.MapScanCAS(previous)
	if err != nil {
		return false, err
	}
	return applied, nil
}

// nullableTime binds a nil pointer as CQL null.
// serialRead makes q read at LOCAL_SERIAL so rows written by a concurrent LWT
// are visible. gocql types serial levels separately, hence the conversion.
func serialRead(q *gocql.Query) *gocql.Query {
	return q.Consistency(gocql.Consistency(gocql.LocalSerial))
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
