package config

import (
	"fmt"
	"time"
)

// Config is the root gateway configuration.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Keystore        KeystoreConfig        `yaml:"keystore"`
	LegacyAuthority LegacyAuthorityConfig `yaml:"legacyAuthority"`
	OIDC            OIDCConfig            `yaml:"oidc"`
	PAT             PATConfig             `yaml:"pat"`
	IdentityMapper  IdentityMapperConfig  `yaml:"identityMapper"`
	Registry        RegistryConfig        `yaml:"registry"`
	Notifier        NotifierConfig        `yaml:"notifier"`
	Cache           CacheConfig           `yaml:"cache"`
	Security        SecurityConfig        `yaml:"security"`
	Logging         LoggingConfig         `yaml:"logging"`
	Tracing         TracingConfig         `yaml:"tracing"`
	Users           []LocalUser           `yaml:"users"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	MetricsAddress  string   `yaml:"metricsAddress"`
	TLSCertFile     string   `yaml:"tlsCertFile"`
	TLSKeyFile      string   `yaml:"tlsKeyFile"`
	TLSClientCAFile string   `yaml:"tlsClientCAFile"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// KeystoreConfig selects and configures the key material backend.
type KeystoreConfig struct {
	Type string `yaml:"type"` // file or vault

	// File backend.
	KeyFile         string `yaml:"keyFile"`
	CertFile        string `yaml:"certFile"`
	TrustedCertsDir string `yaml:"trustedCertsDir"`

	// Vault backend.
	VaultAddress string `yaml:"vaultAddress"`
	VaultToken   string `yaml:"vaultToken"`
	VaultMount   string `yaml:"vaultMount"`
	VaultPath    string `yaml:"vaultPath"`
}

// LegacyAuthorityConfig describes the mainframe token service. An empty
// ServiceID means no legacy authority is configured.
type LegacyAuthorityConfig struct {
	ServiceID string   `yaml:"serviceID"`
	BaseURL   string   `yaml:"baseURL"`
	Mode      string   `yaml:"mode"` // modern or ltpa
	Timeout   Duration `yaml:"timeout"`
	ApplID    string   `yaml:"applID"`
}

// Configured reports whether a legacy authority is configured at all.
func (c LegacyAuthorityConfig) Configured() bool {
	return c.ServiceID != "" || c.BaseURL != ""
}

// OIDCConfig configures RFC 7662 token introspection.
type OIDCConfig struct {
	Enabled               bool     `yaml:"enabled"`
	IntrospectionEndpoint string   `yaml:"introspectionEndpoint"`
	ClientID              string   `yaml:"clientID"`
	ClientSecret          string   `yaml:"clientSecret"`
	CacheTTL              Duration `yaml:"cacheTTL"`
	Timeout               Duration `yaml:"timeout"`
}

// PATConfig configures the access token authority.
type PATConfig struct {
	Issuer           string   `yaml:"issuer"`
	MaxTokenLifetime Duration `yaml:"maxTokenLifetime"`
	EvictionInterval Duration `yaml:"evictionInterval"`
}

// IdentityMapperConfig configures the distributed identity mapping
// service.
type IdentityMapperConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// RegistryConfig configures the service registry client.
type RegistryConfig struct {
	BaseURL          string   `yaml:"baseURL"`
	RefreshInterval  Duration `yaml:"refreshInterval"`
	Timeout          Duration `yaml:"timeout"`
	GatewayServiceID string   `yaml:"gatewayServiceID"`

	// InstanceID identifies this gateway in the registry. Defaults to
	// the hostname.
	InstanceID string `yaml:"instanceID"`
}

// NotifierConfig configures peer notification delivery.
type NotifierConfig struct {
	PollInterval    Duration `yaml:"pollInterval"`
	DeliveryTimeout Duration `yaml:"deliveryTimeout"`
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	Type  string      `yaml:"type"` // memory, redis or disabled
	TTL   Duration    `yaml:"ttl"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// SecurityConfig holds cross-cutting security settings.
type SecurityConfig struct {
	AuthorityWaitTimeout   Duration `yaml:"authorityWaitTimeout"`
	AllowHeaderCertificate bool     `yaml:"allowHeaderCertificate"`
	CookieName             string   `yaml:"cookieName"`
	AdminRole              string   `yaml:"adminRole"`
	AdminUsers             []string `yaml:"adminUsers"`
	LoginRateLimit         float64  `yaml:"loginRateLimit"`
	LoginRateBurst         int      `yaml:"loginRateBurst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracingConfig holds tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	ServiceName  string  `yaml:"serviceName"`
}

// LocalUser is a locally configured user with a bcrypt password hash.
type LocalUser struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"passwordHash"`
	Roles        []string `yaml:"roles"`
}

// Defaults applied by DefaultConfig and during validation.
const (
	DefaultAuthorityWaitTimeout = 5 * time.Minute
	DefaultNotifierPollInterval = 10 * time.Second
	DefaultPATMaxTokenLifetime  = 90 * 24 * time.Hour
	DefaultRegistryRefresh      = 30 * time.Second
	DefaultOutboundTimeout      = 5 * time.Second
	DefaultCookieName           = "mfgatewayToken"
)

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8443",
			MetricsAddress:  ":9090",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Keystore: KeystoreConfig{
			Type: "file",
		},
		LegacyAuthority: LegacyAuthorityConfig{
			Mode:    "modern",
			Timeout: Duration(DefaultOutboundTimeout),
		},
		OIDC: OIDCConfig{
			CacheTTL: Duration(time.Minute),
			Timeout:  Duration(DefaultOutboundTimeout),
		},
		PAT: PATConfig{
			Issuer:           "mfgateway",
			MaxTokenLifetime: Duration(DefaultPATMaxTokenLifetime),
			EvictionInterval: Duration(time.Hour),
		},
		IdentityMapper: IdentityMapperConfig{
			Timeout: Duration(DefaultOutboundTimeout),
		},
		Registry: RegistryConfig{
			RefreshInterval:  Duration(DefaultRegistryRefresh),
			Timeout:          Duration(DefaultOutboundTimeout),
			GatewayServiceID: "gateway",
		},
		Notifier: NotifierConfig{
			PollInterval:    Duration(DefaultNotifierPollInterval),
			DeliveryTimeout: Duration(DefaultOutboundTimeout),
		},
		Cache: CacheConfig{
			Type: "memory",
			TTL:  Duration(5 * time.Minute),
		},
		Security: SecurityConfig{
			AuthorityWaitTimeout: Duration(DefaultAuthorityWaitTimeout),
			CookieName:           DefaultCookieName,
			AdminRole:            "admin",
			LoginRateLimit:       5,
			LoginRateBurst:       10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			ServiceName:  "mfgateway",
			SamplingRate: 1.0,
		},
	}
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Server.Address == "" {
		c.Server.Address = d.Server.Address
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = d.Server.MetricsAddress
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Keystore.Type == "" {
		c.Keystore.Type = d.Keystore.Type
	}
	if c.LegacyAuthority.Mode == "" {
		c.LegacyAuthority.Mode = d.LegacyAuthority.Mode
	}
	if c.LegacyAuthority.Timeout == 0 {
		c.LegacyAuthority.Timeout = d.LegacyAuthority.Timeout
	}
	if c.OIDC.CacheTTL == 0 {
		c.OIDC.CacheTTL = d.OIDC.CacheTTL
	}
	if c.OIDC.Timeout == 0 {
		c.OIDC.Timeout = d.OIDC.Timeout
	}
	if c.PAT.Issuer == "" {
		c.PAT.Issuer = d.PAT.Issuer
	}
	if c.PAT.MaxTokenLifetime == 0 {
		c.PAT.MaxTokenLifetime = d.PAT.MaxTokenLifetime
	}
	if c.PAT.EvictionInterval == 0 {
		c.PAT.EvictionInterval = d.PAT.EvictionInterval
	}
	if c.IdentityMapper.Timeout == 0 {
		c.IdentityMapper.Timeout = d.IdentityMapper.Timeout
	}
	if c.Registry.RefreshInterval == 0 {
		c.Registry.RefreshInterval = d.Registry.RefreshInterval
	}
	if c.Registry.Timeout == 0 {
		c.Registry.Timeout = d.Registry.Timeout
	}
	if c.Registry.GatewayServiceID == "" {
		c.Registry.GatewayServiceID = d.Registry.GatewayServiceID
	}
	if c.Notifier.PollInterval == 0 {
		c.Notifier.PollInterval = d.Notifier.PollInterval
	}
	if c.Notifier.DeliveryTimeout == 0 {
		c.Notifier.DeliveryTimeout = d.Notifier.DeliveryTimeout
	}
	if c.Cache.Type == "" {
		c.Cache.Type = d.Cache.Type
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = d.Cache.TTL
	}
	if c.Security.AuthorityWaitTimeout == 0 {
		c.Security.AuthorityWaitTimeout = d.Security.AuthorityWaitTimeout
	}
	if c.Security.CookieName == "" {
		c.Security.CookieName = d.Security.CookieName
	}
	if c.Security.AdminRole == "" {
		c.Security.AdminRole = d.Security.AdminRole
	}
	if c.Security.LoginRateLimit == 0 {
		c.Security.LoginRateLimit = d.Security.LoginRateLimit
	}
	if c.Security.LoginRateBurst == 0 {
		c.Security.LoginRateBurst = d.Security.LoginRateBurst
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Logging.Output == "" {
		c.Logging.Output = d.Logging.Output
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = d.Tracing.SamplingRate
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Keystore.Type {
	case "file":
		if c.Keystore.KeyFile == "" {
			return fmt.Errorf("keystore: keyFile is required for file backend")
		}
	case "vault":
		if c.Keystore.VaultAddress == "" {
			return fmt.Errorf("keystore: vaultAddress is required for vault backend")
		}
		if c.Keystore.VaultPath == "" {
			return fmt.Errorf("keystore: vaultPath is required for vault backend")
		}
	default:
		return fmt.Errorf("keystore: unknown type %q", c.Keystore.Type)
	}

	switch c.LegacyAuthority.Mode {
	case "modern", "ltpa":
	default:
		return fmt.Errorf("legacyAuthority: unknown mode %q", c.LegacyAuthority.Mode)
	}

	switch c.Cache.Type {
	case "memory", "disabled":
	case "redis":
		if c.Cache.Redis.Address == "" {
			return fmt.Errorf("cache: redis address is required for redis backend")
		}
	default:
		return fmt.Errorf("cache: unknown type %q", c.Cache.Type)
	}

	if c.OIDC.Enabled && c.OIDC.IntrospectionEndpoint == "" {
		return fmt.Errorf("oidc: introspectionEndpoint is required when enabled")
	}

	if c.LegacyAuthority.Configured() && c.Registry.BaseURL == "" &&
		c.LegacyAuthority.BaseURL == "" {
		return fmt.Errorf("legacyAuthority: registry baseURL or explicit baseURL is required")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing: samplingRate must be within [0, 1]")
	}

	for i, u := range c.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("users[%d]: username and passwordHash are required", i)
		}
	}

	return nil
}
