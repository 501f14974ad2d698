package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"crybin/svc/util"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	util.Wipe(s.value)
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	BackendFilesystem = "filesystem"
	BackendDatabase   = "database"
	BackendBolt       = "bolt"
	BackendS3         = "s3"
	BackendGCS        = "gcs"
)

// ExpireOption is one selectable paste lifetime. Seconds == 0 never expires.
type ExpireOption struct {
	Label   string
	Seconds int64
}

type Cfg struct {
	Port           string
	Environment    string
	LogLevel       string
	StorageBackend string
	DataDir        string
	BoltPath       string
	DB             DBCfg
	S3             S3Cfg
	GCS            GCSCfg
	RedisURL       string
	RedisTLS       bool
	RedisHostname  string
	RedisUsername  string
	RedisPassword  Secret
	RedisTimeout   time.Duration

	ExpireOptions    []ExpireOption
	ExpireDefault    string
	FormatterOptions []string
	DefaultFormatter string
	Discussion       bool
	ZeroBinCompat    bool
	SizeLimit        int64

	PurgeLimit      time.Duration
	PurgeBatchSize  int
	PurgeInterval   time.Duration
	PurgeDeleteRate int

	TrafficLimit    time.Duration
	TrafficExempted []string
	TrafficHeader   string
	TrustedProxies  []string

	SecretsProvider string
	ContextTimeout  time.Duration
	MetricsUser     string
	MetricsPass     Secret
}

type DBCfg struct {
	Driver       string
	DSN          string
	TablePrefix  string
	Password     Secret
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

type S3Cfg struct {
	Region    string
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey Secret
	PathStyle bool
}

type GCSCfg struct {
	Bucket          string
	Prefix          string
	UniformACL      bool
	CredentialsFile string
	Endpoint        string
}

const defaultExpireOptions = "5min=300,10min=600,1hour=3600,1day=86400,1week=604800,1month=2592000,1year=31536000,never=0"

func Load() (*Cfg, error) {
	if envFile := getEnv("ENV_FILE", ".env"); envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, errors.Wrapf(err, "load %s", envFile)
			}
		}
	}
	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.StorageBackend = getEnv("STORAGE_BACKEND", BackendFilesystem)
	c.DataDir = getEnv("DATA_DIR", "data")
	c.BoltPath = getEnv("BOLT_PATH", filepath.Join(c.DataDir, "crybin.db"))

	c.DB.Driver = getEnv("DB_DRIVER", "sqlite3")
	c.DB.DSN = getEnv("DB_DSN", filepath.Join(c.DataDir, "db.sq3"))
	c.DB.TablePrefix = getEnv("DB_TABLE_PREFIX", "")
	c.DB.Password = NewSecret(getEnv("DB_PASSWORD", ""))
	if c.DB.MaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100); err != nil {
		return nil, err
	}
	if c.DB.MaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10); err != nil {
		return nil, err
	}
	if c.DB.QueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	c.S3.Region = getEnv("S3_REGION", getEnv("AWS_REGION", "us-east-1"))
	c.S3.Endpoint = getEnv("S3_ENDPOINT", "")
	c.S3.Bucket = getEnv("S3_BUCKET", "")
	c.S3.Prefix = getEnv("S3_PREFIX", "")
	c.S3.AccessKey = getEnv("S3_ACCESS_KEY", "")
	c.S3.SecretKey = NewSecret(getEnv("S3_SECRET_KEY", ""))
	c.S3.PathStyle = getBool("S3_PATH_STYLE", false)

	c.GCS.Bucket = getEnv("GCS_BUCKET", "")
	c.GCS.Prefix = getEnv("GCS_PREFIX", "pastes")
	c.GCS.UniformACL = getBool("GCS_UNIFORM_ACL", false)
	c.GCS.CredentialsFile = getEnv("GCS_CREDENTIALS_FILE", "")
	c.GCS.Endpoint = getEnv("GCS_ENDPOINT", "")

	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getBool("REDIS_TLS", false)
	c.RedisHostname = getEnv("REDIS_HOSTNAME", "")
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	if c.ExpireOptions, err = parseExpireOptions(getEnv("EXPIRE_OPTIONS", defaultExpireOptions)); err != nil {
		return nil, err
	}
	c.ExpireDefault = getEnv("EXPIRE_DEFAULT", "1week")
	c.FormatterOptions = getSlice("FORMATTER_OPTIONS", []string{"plaintext", "syntaxhighlighting", "markdown"})
	c.DefaultFormatter = getEnv("DEFAULT_FORMATTER", "plaintext")
	c.Discussion = getBool("DISCUSSION", true)
	c.ZeroBinCompat = getBool("ZEROBIN_COMPATIBILITY", false)
	if c.SizeLimit, err = getInt64("SIZE_LIMIT", 10*1024*1024); err != nil {
		return nil, err
	}

	if c.PurgeLimit, err = getDuration("PURGE_LIMIT", 300*time.Second); err != nil {
		return nil, err
	}
	if c.PurgeBatchSize, err = getInt("PURGE_BATCH_SIZE", 10); err != nil {
		return nil, err
	}
	if c.PurgeInterval, err = getDuration("PURGE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if c.PurgeDeleteRate, err = getInt("PURGE_DELETE_RATE", 50); err != nil {
		return nil, err
	}

	if c.TrafficLimit, err = getDuration("TRAFFIC_LIMIT", 10*time.Second); err != nil {
		return nil, err
	}
	c.TrafficExempted = getSlice("TRAFFIC_EXEMPTED", []string{})
	c.TrafficHeader = getEnv("TRAFFIC_HEADER", "")
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})

	c.SecretsProvider = getEnv("SECRETS_PROVIDER", "env")
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	return c, nil
}

func parseExpireOptions(s string) ([]ExpireOption, error) {
	var out []ExpireOption
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		label, secs, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(label) == "" {
			return nil, fmt.Errorf("invalid expire option %q, want label=seconds", part)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(secs), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid seconds in expire option %q", part)
		}
		out = append(out, ExpireOption{Label: strings.TrimSpace(label), Seconds: n})
	}
	return out, nil
}

// ExpireSeconds looks up a lifetime label.
func (c *Cfg) ExpireSeconds(label string) (int64, bool) {
	for _, o := range c.ExpireOptions {
		if o.Label == label {
			return o.Seconds, true
		}
	}
	return 0, false
}

func (c *Cfg) FormatterEnabled(f string) bool {
	for _, o := range c.FormatterOptions {
		if o == f {
			return true
		}
	}
	return false
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.StorageBackend {
	case BackendFilesystem:
		if err := withinWorkDir("DATA_DIR", c.DataDir); err != nil {
			return err
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return errors.New("BOLT_PATH is required")
		}
	case BackendDatabase:
		if c.DB.Driver != "sqlite3" && c.DB.Driver != "pgx" {
			return fmt.Errorf("DB_DRIVER must be sqlite3 or pgx, got %q", c.DB.Driver)
		}
		if c.DB.DSN == "" {
			return errors.New("DB_DSN is required")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return errors.New("S3_BUCKET is required")
		}
		if (c.S3.AccessKey == "") != (c.S3.SecretKey.Value() == "") {
			return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
		}
	case BackendGCS:
		if c.GCS.Bucket == "" {
			return errors.New("GCS_BUCKET is required")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}

	if len(c.ExpireOptions) == 0 {
		return errors.New("EXPIRE_OPTIONS must not be empty")
	}
	if _, ok := c.ExpireSeconds(c.ExpireDefault); !ok {
		return fmt.Errorf("EXPIRE_DEFAULT %q is not one of EXPIRE_OPTIONS", c.ExpireDefault)
	}
	if len(c.FormatterOptions) == 0 {
		return errors.New("FORMATTER_OPTIONS must not be empty")
	}
	if !c.FormatterEnabled(c.DefaultFormatter) {
		return fmt.Errorf("DEFAULT_FORMATTER %q is not one of FORMATTER_OPTIONS", c.DefaultFormatter)
	}
	if c.SizeLimit <= 0 {
		return errors.New("SIZE_LIMIT must be positive")
	}
	if c.PurgeInterval <= 0 {
		return errors.New("PURGE_INTERVAL must be positive")
	}
	if c.PurgeDeleteRate <= 0 {
		return errors.New("PURGE_DELETE_RATE must be positive")
	}
	for _, list := range []struct {
		name    string
		entries []string
	}{{"TRUSTED_PROXIES", c.TrustedProxies}, {"TRAFFIC_EXEMPTED", c.TrafficExempted}} {
		for _, entry := range list.entries {
			if err := validIPOrCIDR(entry); err != nil {
				return fmt.Errorf("invalid entry in %s: %s", list.name, entry)
			}
		}
	}
	switch c.SecretsProvider {
	case "env", "vault", "aws":
	default:
		return fmt.Errorf("SECRETS_PROVIDER must be env, vault or aws, got %q", c.SecretsProvider)
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}

func validIPOrCIDR(s string) error {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err
	}
	if net.ParseIP(s) == nil {
		return errors.New("invalid IP")
	}
	return nil
}

func withinWorkDir(name, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", name)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if !strings.HasPrefix(absPath, absWorkDir+string(filepath.Separator)) && absPath != absWorkDir {
		return fmt.Errorf("%s must be within working directory %s", name, absWorkDir)
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.DB.Password.Wipe()
	c.S3.SecretKey.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getBool(key string, fallback bool) bool {
	s := strings.ToLower(getEnv(key, ""))
	switch s {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
