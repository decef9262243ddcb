package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration required by the dialer process.
// Values come from the environment, optionally seeded from ENV_FILE (or .env).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig    `envPrefix:"APP_"`
	DB     DBConfig     `envPrefix:"DB_"`
	Redis  RedisConfig  `envPrefix:"REDIS_"`
	Auth   AuthConfig   `envPrefix:"JWT_"`
	PBX    PBXConfig    `envPrefix:"PBX_"`
	SIP    SIPConfig    `envPrefix:"SIP_"`
	Dialer DialerConfig `envPrefix:"DIALER_"`
}

type AppConfig struct {
	Env      string `env:"ENV"`
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL"`
}

// DBConfig is optional: call records are only persisted when Host is set.
type DBConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	Name     string `env:"NAME"`

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string `env:"SSLMODE"`
}

// RedisConfig backs credential persistence and the agent line lock.
type RedisConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"6379"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// AuthConfig configures tokens for the agent-facing API.
type AuthConfig struct {
	JWTSecret       string        `env:"SECRET"`
	JWTIssuer       string        `env:"ISSUER"`
	JWTAudience     string        `env:"AUDIENCE"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TTL"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TTL"`
}

// PBXConfig configures the cloud PBX call-control API and its login exchange.
type PBXConfig struct {
	BaseURL        string        `env:"BASE_URL"`
	Identity       string        `env:"IDENTITY"`
	Password       string        `env:"PASSWORD"`
	CallerID       string        `env:"CALLER_ID"`
	WebhookURL     string        `env:"WEBHOOK_URL"`
	WebhookSecret  string        `env:"WEBHOOK_SECRET"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	CredentialKey  string        `env:"CREDENTIAL_KEY" envDefault:"dialer:pbx:credential"`
}

type SIPConfig struct {
	Domain      string `env:"DOMAIN"`
	Username    string `env:"USERNAME"`
	Password    string `env:"PASSWORD"`
	DisplayName string `env:"DISPLAY_NAME"`
	Transport   string `env:"TRANSPORT" envDefault:"udp"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:"0.0.0.0:5060"`
	UserAgent   string `env:"USER_AGENT" envDefault:"collections-dialer"`

	// ExternalHost is advertised in Contact when the listener binds 0.0.0.0.
	ExternalHost string `env:"EXTERNAL_HOST"`
	TLSCertFile  string `env:"TLS_CERT_FILE"`
	TLSKeyFile   string `env:"TLS_KEY_FILE"`
}

// DialerConfig holds call-control policy.
type DialerConfig struct {
	// Transport selects the adapter: rest, sip or external.
	Transport string `env:"TRANSPORT" envDefault:"rest"`
	// UseSIP is accepted as a shorthand for Transport=sip.
	UseSIP bool `env:"USE_SIP" envDefault:"false"`

	CountryCode          string        `env:"COUNTRY_CODE" envDefault:"27"`
	LineID               string        `env:"LINE_ID"`
	LineLockTTL          time.Duration `env:"LINE_LOCK_TTL" envDefault:"2h"`
	PollInitialDelay     time.Duration `env:"POLL_INITIAL_DELAY" envDefault:"2s"`
	PollInterval         time.Duration `env:"POLL_INTERVAL" envDefault:"3s"`
	RingTimeout          time.Duration `env:"RING_TIMEOUT" envDefault:"30s"`
	ExternalConnectDelay time.Duration `env:"EXTERNAL_CONNECT_DELAY" envDefault:"3s"`
	MaxForcedRenewals    int           `env:"MAX_FORCED_RENEWALS" envDefault:"3"`
}

const (
	TransportREST     = "rest"
	TransportSIP      = "sip"
	TransportExternal = "external"
)

// Load reads the env file (if any) and the environment, then validates.
func Load() (Config, error) {
	if err := LoadEnvFile(); err != nil {
		return Config{}, err
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("config parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadEnvFile loads ENV_FILE into the environment. Without ENV_FILE a
// missing .env is not an error.
func LoadEnvFile() error {
	if path := strings.TrimSpace(os.Getenv("ENV_FILE")); path != "" {
		return godotenv.Load(path)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Validate reports every problem at once and fills policy defaults.
func (c *Config) Validate() error {
	var errs []error

	c.App.Env = strings.TrimSpace(c.App.Env)
	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DBEnabled() {
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required when DB_HOST is set"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required when DB_HOST is set"))
		}
		if strings.TrimSpace(c.DB.SSLMode) == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Redis.Host == "" && c.IsProduction() {
		errs = append(errs, errors.New("REDIS_HOST is required in production"))
	}
	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 12 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Dialer.UseSIP {
		c.Dialer.Transport = TransportSIP
	}
	c.Dialer.Transport = strings.ToLower(strings.TrimSpace(c.Dialer.Transport))
	switch c.Dialer.Transport {
	case TransportREST:
		if c.PBX.BaseURL == "" {
			errs = append(errs, errors.New("PBX_BASE_URL is required for the rest transport"))
		}
		if c.PBX.Identity == "" || c.PBX.Password == "" {
			errs = append(errs, errors.New("PBX_IDENTITY and PBX_PASSWORD are required for the rest transport"))
		}
	case TransportSIP:
		if c.SIP.Domain == "" {
			errs = append(errs, errors.New("SIP_DOMAIN is required for the sip transport"))
		}
		if c.SIP.Username == "" {
			errs = append(errs, errors.New("SIP_USERNAME is required for the sip transport"))
		}
		if !isValidSIPTransport(c.SIP.Transport) {
			errs = append(errs, fmt.Errorf("SIP_TRANSPORT must be one of udp, tcp, ws, tls, got %q", c.SIP.Transport))
		}
		if strings.EqualFold(c.SIP.Transport, "tls") && (c.SIP.TLSCertFile == "" || c.SIP.TLSKeyFile == "") {
			errs = append(errs, errors.New("SIP_TLS_CERT_FILE and SIP_TLS_KEY_FILE are required for SIP_TRANSPORT=tls"))
		}
	case TransportExternal:
	default:
		errs = append(errs, fmt.Errorf("DIALER_TRANSPORT must be one of rest, sip, external, got %q", c.Dialer.Transport))
	}

	if !isDigits(c.Dialer.CountryCode) {
		errs = append(errs, fmt.Errorf("DIALER_COUNTRY_CODE must be digits, got %q", c.Dialer.CountryCode))
	}
	if c.Dialer.PollInitialDelay <= 0 {
		c.Dialer.PollInitialDelay = 2 * time.Second
	}
	if c.Dialer.PollInterval <= 0 {
		c.Dialer.PollInterval = 3 * time.Second
	}
	if c.Dialer.RingTimeout <= 0 {
		c.Dialer.RingTimeout = 30 * time.Second
	}
	if c.Dialer.ExternalConnectDelay <= 0 {
		c.Dialer.ExternalConnectDelay = 3 * time.Second
	}
	if c.Dialer.MaxForcedRenewals <= 0 {
		c.Dialer.MaxForcedRenewals = 3
	}
	if c.Dialer.LineLockTTL <= 0 {
		c.Dialer.LineLockTTL = 2 * time.Hour
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) DBEnabled() bool {
	return strings.TrimSpace(c.DB.Host) != ""
}

func (c Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Host) != ""
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func isValidSIPTransport(v string) bool {
	switch strings.ToLower(v) {
	case "udp", "tcp", "ws", "tls":
		return true
	default:
		return false
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
