package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/busguard/internal/crypto"
)

const (
	defaultSSLDir      = "/etc/pki/busguard"
	defaultCacheExpiry = 86400
)

// Config captures all runtime configuration of the consumer.
type Config struct {
	App        AppConfig
	Kafka      KafkaConfig
	Worker     WorkerConfig
	Metrics    MetricsConfig
	Signatures SignatureConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// KafkaConfig names the brokers, the subscribed topics and the optional
// rejection topic.
type KafkaConfig struct {
	Brokers       []string
	Topics        []string
	ConsumerGroup string
	RejectTopic   string
}

// WorkerConfig controls dispatch concurrency and offset handling.
type WorkerConfig struct {
	Concurrency         int
	CommitOnSuccessOnly bool
	MsgMaxBytes         int
}

// MetricsConfig controls the monitoring endpoint serving /metrics and
// /health. An empty Addr disables it.
type MetricsConfig struct {
	Addr string
}

// SignatureConfig holds the trust settings handed to the crypto backends.
type SignatureConfig struct {
	Validate          bool
	SSLDir            string
	CertName          string
	CACertCache       string
	CACertCacheExpiry int64
	CRLLocation       string
	CRLCache          string
	CRLCacheExpiry    int64
	Backends          []string
	Policy            string
	RoutingPolicy     map[string][]string
	RoutingNitpicky   bool
}

// cryptoFile is the YAML document named by CRYPTO_CONFIG_FILE. Environment
// variables override any value it sets.
type cryptoFile struct {
	ValidateSignatures     *bool               `yaml:"validate_signatures"`
	SSLDir                 string              `yaml:"ssldir"`
	CertName               string              `yaml:"certname"`
	CACertCache            string              `yaml:"ca_cert_cache"`
	CACertCacheExpiry      *int64              `yaml:"ca_cert_cache_expiry"`
	CRLLocation            string              `yaml:"crl_location"`
	CRLCache               string              `yaml:"crl_cache"`
	CRLCacheExpiry         *int64              `yaml:"crl_cache_expiry"`
	CryptoValidateBackends []string            `yaml:"crypto_validate_backends"`
	CryptoValidatePolicy   string              `yaml:"crypto_validate_policy"`
	RoutingPolicy          map[string][]string `yaml:"routing_policy"`
	RoutingNitpicky        *bool               `yaml:"routing_nitpicky"`
}

// Load reads .env when present, then the optional crypto YAML file, then
// the environment. Every problem found is reported in one error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	file, err := loadCryptoFile(os.Getenv("CRYPTO_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", nil, true)
	cfg.Kafka.Topics = ldr.getStringSlice("KAFKA_TOPICS", nil, true)
	cfg.Kafka.ConsumerGroup = ldr.getString("CONSUMER_GROUP", "busguard", false)
	cfg.Kafka.RejectTopic = ldr.getString("REJECT_TOPIC", "", false)

	cfg.Worker.Concurrency = ldr.getInt("WORKER_CONCURRENCY", 10, false)
	cfg.Worker.CommitOnSuccessOnly = ldr.getBool("COMMIT_ON_SUCCESS_ONLY", true, false)
	cfg.Worker.MsgMaxBytes = ldr.getInt("MSG_MAX_BYTES", 1<<20, false)

	cfg.Metrics.Addr = ldr.getString("METRICS_ADDR", ":9102", false)

	sig := &cfg.Signatures
	sig.Validate = ldr.getBool("VALIDATE_SIGNATURES", boolOr(file.ValidateSignatures, false), false)
	sig.SSLDir = ldr.getString("SSLDIR", stringOr(file.SSLDir, defaultSSLDir), false)
	sig.CertName = ldr.getString("CERTNAME", file.CertName, false)
	sig.CACertCache = ldr.getString("CA_CERT_CACHE", stringOr(file.CACertCache, filepath.Join(sig.SSLDir, "ca.crt")), false)
	sig.CACertCacheExpiry = ldr.getInt64("CA_CERT_CACHE_EXPIRY", int64Or(file.CACertCacheExpiry, defaultCacheExpiry), false)
	sig.CRLLocation = ldr.getString("CRL_LOCATION", file.CRLLocation, false)
	sig.CRLCache = ldr.getString("CRL_CACHE", file.CRLCache, false)
	sig.CRLCacheExpiry = ldr.getInt64("CRL_CACHE_EXPIRY", int64Or(file.CRLCacheExpiry, defaultCacheExpiry), false)
	sig.Backends = ldr.getStringSlice("CRYPTO_VALIDATE_BACKENDS", sliceOr(file.CryptoValidateBackends, []string{"x509"}), false)
	sig.Policy = ldr.getString("CRYPTO_VALIDATE_POLICY", stringOr(file.CryptoValidatePolicy, string(crypto.PolicyAny)), false)
	sig.RoutingPolicy = file.RoutingPolicy
	sig.RoutingNitpicky = ldr.getBool("ROUTING_NITPICKY", boolOr(file.RoutingNitpicky, false), false)

	if _, err := crypto.ParsePolicy(sig.Policy); err != nil {
		ldr.addError(fmt.Sprintf("CRYPTO_VALIDATE_POLICY: %v", err))
	}
	if cfg.Worker.Concurrency < 1 {
		ldr.addError("WORKER_CONCURRENCY must be >= 1")
	}
	if cfg.Worker.MsgMaxBytes < 0 {
		ldr.addError("MSG_MAX_BYTES cannot be negative")
	}
	if sig.CACertCacheExpiry < 0 || sig.CRLCacheExpiry < 0 {
		ldr.addError("cache expiry values cannot be negative")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Crypto returns the immutable trust configuration for the validation
// pipeline and the crypto backends.
func (c *Config) Crypto() crypto.Config {
	sig := c.Signatures
	policy, _ := crypto.ParsePolicy(sig.Policy)

	var routing map[string][]string
	if len(sig.RoutingPolicy) > 0 {
		routing = make(map[string][]string, len(sig.RoutingPolicy))
		for topic, signers := range sig.RoutingPolicy {
			routing[topic] = append([]string(nil), signers...)
		}
	}

	return crypto.Config{
		ValidateSignatures: sig.Validate,
		SSLDir:             sig.SSLDir,
		CertName:           sig.CertName,
		CACertCache:        sig.CACertCache,
		CACertCacheExpiry:  sig.CACertCacheExpiry,
		CRLLocation:        sig.CRLLocation,
		CRLCache:           sig.CRLCache,
		CRLCacheExpiry:     sig.CRLCacheExpiry,
		Backends:           append([]string(nil), sig.Backends...),
		Policy:             policy,
		RoutingPolicy:      routing,
		RoutingNitpicky:    sig.RoutingNitpicky,
	}
}

func loadCryptoFile(path string) (*cryptoFile, error) {
	file := &cryptoFile{}
	path = strings.TrimSpace(path)
	if path == "" {
		return file, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read crypto config: %w", err)
	}
	if err := yaml.Unmarshal(raw, file); err != nil {
		return nil, fmt.Errorf("config: parse crypto config %s: %w", path, err)
	}
	return file, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return errors.New("config validation failed: " + strings.Join(l.errs, "; "))
}

// lookup returns the trimmed value of key. Missing and blank values are
// reported as absent, and as an error when required.
func (l *envLoader) lookup(key string, required bool) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		if val = strings.TrimSpace(val); val != "" {
			return val, true
		}
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return "", false
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getInt64(key string, def int64, required bool) int64 {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getStringSlice(key string, def []string, required bool) []string {
	raw, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}

func stringOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func int64Or(v *int64, def int64) int64 {
	if v != nil {
		return *v
	}
	return def
}

func sliceOr(v, def []string) []string {
	if len(v) > 0 {
		return v
	}
	return def
}
