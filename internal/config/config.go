package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	StoreScylla = "scylla"
	StoreMemory = "memory"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	Hashing       HashingConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	Auth          AuthConfig
}

type ServerConfig struct {
	Port          int
	TLSPort       int
	EnableTLS     bool
	RequireHTTPS  bool
	AutoCert      bool
	Domain        string
	CertFile      string
	KeyFile       string
	AutoCertDir   string
	Email         string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	AllowedOrigin []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
	SinkGroup  string
	EnableSink bool
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// Peppers maps version -> secret. The highest version hashes new values.
	Peppers map[int]string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	EventBuckets int
}

type AuthConfig struct {
	StoreBackend            string
	PinMaxAttempts          int
	PinLockDuration         time.Duration
	LoginMaxAttempts        int
	LoginIPMaxAttempts      int
	LoginWindow             time.Duration
	BaseSessionTTL          time.Duration
	AdminSessionTTL         time.Duration
	LoginRunTTL             time.Duration
	InvitationRedirectDelay time.Duration
	PasswordMinLength       int
}

var (
	global     *Config
	globalOnce sync.Once
)

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() *Config {
	globalOnce.Do(func() {
		_ = godotenv.Load()
		global = fromEnv()
	})
	return global
}

func fromEnv() *Config {
	return &Config{
		Environment: getEnv("APP_ENV", EnvDevelopment),
		Server: ServerConfig{
			Port:          getEnvInt("SERVER_PORT", 8080),
			TLSPort:       getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:     getEnvBool("SERVER_ENABLE_TLS", false),
			RequireHTTPS:  getEnvBool("SERVER_REQUIRE_HTTPS", false),
			AutoCert:      getEnvBool("SERVER_AUTOCERT", false),
			Domain:        getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:      getEnv("SERVER_CERT_FILE", ""),
			KeyFile:       getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:   getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:         getEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:   getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:  getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:   getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigin: getEnvList("SERVER_ALLOWED_ORIGINS", []string{"https://*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "admin_auth"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:    getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "admin-audit-events"),
			SinkGroup:  getEnv("KAFKA_AUDIT_SINK_GROUP", "admin-audit-sink"),
			EnableSink: getEnvBool("KAFKA_AUDIT_SINK_ENABLED", false),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "admin-audit"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "admin_auth"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_KB", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			Peppers:           parsePeppers(getEnv("HASH_PEPPERS", "1:"+DevPepper)),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "ap-south-1"),
		},
		Bucketing: BucketingConfig{
			EventBuckets: getEnvInt("AUDIT_EVENT_BUCKETS", 16),
		},
		Auth: AuthConfig{
			StoreBackend:            getEnv("AUTH_STORE_BACKEND", StoreScylla),
			PinMaxAttempts:          getEnvInt("AUTH_PIN_MAX_ATTEMPTS", 5),
			PinLockDuration:         getEnvDuration("AUTH_PIN_LOCK_DURATION", 15*time.Minute),
			LoginMaxAttempts:        getEnvInt("AUTH_LOGIN_MAX_ATTEMPTS", 10),
			LoginIPMaxAttempts:      getEnvInt("AUTH_LOGIN_IP_MAX_ATTEMPTS", 50),
			LoginWindow:             getEnvDuration("AUTH_LOGIN_WINDOW", 15*time.Minute),
			BaseSessionTTL:          getEnvDuration("AUTH_BASE_SESSION_TTL", 30*time.Minute),
			AdminSessionTTL:         getEnvDuration("AUTH_ADMIN_SESSION_TTL", 8*time.Hour),
			LoginRunTTL:             getEnvDuration("AUTH_LOGIN_RUN_TTL", 15*time.Minute),
			InvitationRedirectDelay: getEnvDuration("AUTH_INVITATION_REDIRECT_DELAY", 3*time.Second),
			PasswordMinLength:       getEnvInt("AUTH_PASSWORD_MIN_LENGTH", 8),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Lockout floor. Operators may tighten it but never loosen it.
const (
	MaxPinAttempts     = 5
	MinPinLockDuration = 15 * time.Minute
)

// Argon2 cost bounds, in the units of the ARGON2_* variables.
const (
	minArgon2MemoryKB    = 8
	maxArgon2MemoryKB    = 4 * 1024 * 1024
	maxArgon2TimeCost    = 64
	maxArgon2Parallelism = 255
)

// DevPepper is the built-in pepper for local runs. It is refused in production.
const DevPepper = "dev-pepper-change-me"

// Validate rejects settings that would weaken the lockout or session invariants.
func (c *Config) Validate() error {
	if c.Auth.PinMaxAttempts <= 0 || c.Auth.PinMaxAttempts > MaxPinAttempts {
		return fmt.Errorf("AUTH_PIN_MAX_ATTEMPTS must be between 1 and %d", MaxPinAttempts)
	}
	if c.Auth.PinLockDuration < MinPinLockDuration {
		return fmt.Errorf("AUTH_PIN_LOCK_DURATION must be at least %s", MinPinLockDuration)
	}
	if c.Auth.StoreBackend != StoreScylla && c.Auth.StoreBackend != StoreMemory {
		return fmt.Errorf("unknown AUTH_STORE_BACKEND %q", c.Auth.StoreBackend)
	}
	if c.IsProduction() && c.Auth.StoreBackend == StoreMemory {
		return fmt.Errorf("memory store backend is not allowed in production")
	}
	if len(c.Hashing.Peppers) == 0 {
		return fmt.Errorf("HASH_PEPPERS must define at least one pepper")
	}
	if c.IsProduction() {
		for version, pepper := range c.Hashing.Peppers {
			if pepper == DevPepper {
				return fmt.Errorf("HASH_PEPPERS version %d uses the development pepper", version)
			}
		}
	}
	if err := c.Hashing.validate(); err != nil {
		return err
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	return nil
}

func (h HashingConfig) validate() error {
	if h.Argon2Parallelism < 1 || h.Argon2Parallelism > maxArgon2Parallelism {
		return fmt.Errorf("ARGON2_PARALLELISM must be between 1 and %d", maxArgon2Parallelism)
	}
	if h.Argon2TimeCost < 1 || h.Argon2TimeCost > maxArgon2TimeCost {
		return fmt.Errorf("ARGON2_TIME_COST must be between 1 and %d", maxArgon2TimeCost)
	}
	// argon2 needs at least 8 KiB per lane.
	if h.Argon2MemoryCost < minArgon2MemoryKB*h.Argon2Parallelism || h.Argon2MemoryCost > maxArgon2MemoryKB {
		return fmt.Errorf("ARGON2_MEMORY_KB must be between %d and %d", minArgon2MemoryKB*h.Argon2Parallelism, maxArgon2MemoryKB)
	}
	return nil
}

// parsePeppers reads "1:secret,2:secret2".
func parsePeppers(raw string) map[int]string {
	peppers := make(map[int]string)
	for _, part := range strings.Split(raw, ",") {
		version, secret, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || secret == "" {
			continue
		}
		v, err := strconv.Atoi(version)
		if err != nil || v <= 0 {
			continue
		}
		peppers[v] = secret
	}
	return peppers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
