// Package config resolves gateway settings from the process environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/vango-go/vai-toy/pkg/core/token"
	"github.com/vango-go/vai-toy/pkg/gateway/lifecycle"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// rawEnv mirrors the environment one-to-one; LoadFromEnv validates it and
// converts it into Config.
type rawEnv struct {
	Addr                string        `env:"VAI_TOY_ADDR"                envDefault:":8080"`
	ReadHeaderTimeout   time.Duration `env:"VAI_TOY_READ_HEADER_TIMEOUT" envDefault:"10s"`
	ReadTimeout         time.Duration `env:"VAI_TOY_READ_TIMEOUT"        envDefault:"30s"`
	WriteTimeout        time.Duration `env:"VAI_TOY_WRITE_TIMEOUT"       envDefault:"0s"`
	IdleTimeout         time.Duration `env:"VAI_TOY_IDLE_TIMEOUT"        envDefault:"2m"`
	HandlerTimeout      time.Duration `env:"VAI_TOY_HANDLER_TIMEOUT"     envDefault:"30s"`
	ShutdownGracePeriod time.Duration `env:"VAI_TOY_SHUTDOWN_GRACE"      envDefault:"30s"`
	LogFormat           string        `env:"VAI_TOY_LOG_FORMAT"          envDefault:"text"`

	SigningKey             string        `env:"VAI_TOY_SIGNING_KEY,unset"`
	OOBSalt                string        `env:"VAI_TOY_OOB_SALT,unset"`
	TokenIssuer            string        `env:"VAI_TOY_TOKEN_ISSUER"              envDefault:"vai-toy-gateway"`
	TokenAudience          string        `env:"VAI_TOY_TOKEN_AUDIENCE"            envDefault:"vai-toy-devices"`
	TokenTTL               time.Duration `env:"VAI_TOY_TOKEN_TTL"                 envDefault:"1h"`
	AllowNonExpiringTokens bool          `env:"VAI_TOY_ALLOW_NON_EXPIRING_TOKENS" envDefault:"false"`

	AutoRegisterChildren      bool          `env:"VAI_TOY_AUTO_REGISTER_CHILDREN"        envDefault:"false"`
	FailOpenOnDependencyError bool          `env:"VAI_TOY_FAIL_OPEN_ON_DEPENDENCY_ERROR" envDefault:"false"`
	NonceTTL                  time.Duration `env:"VAI_TOY_NONCE_TTL"                     envDefault:"10m"`
	DependencyTimeout         time.Duration `env:"VAI_TOY_DEPENDENCY_TIMEOUT"            envDefault:"2s"`
	ChildLookupRetries        uint64        `env:"VAI_TOY_CHILD_LOOKUP_RETRIES"          envDefault:"2"`
	RedisURL                  string        `env:"VAI_TOY_REDIS_URL"`
	DatabaseURL               string        `env:"VAI_TOY_DATABASE_URL"`
	DatabaseMigrate           bool          `env:"VAI_TOY_DATABASE_MIGRATE"              envDefault:"true"`

	DrainDefaultMaxSessionAge time.Duration `env:"VAI_TOY_DRAIN_DEFAULT_MAX_SESSION_AGE" envDefault:"900s"`
	DrainReapInterval         time.Duration `env:"VAI_TOY_DRAIN_REAP_INTERVAL"           envDefault:"5s"`

	AudioBufferCapacity  int           `env:"VAI_TOY_AUDIO_BUFFER_CAPACITY"   envDefault:"4096"`
	VADThreshold         float64       `env:"VAI_TOY_VAD_THRESHOLD"           envDefault:"0.01"`
	MaxMessageBytes      int           `env:"VAI_TOY_MAX_MESSAGE_BYTES"       envDefault:"10000"`
	WSReadLimit          int64         `env:"VAI_TOY_WS_READ_LIMIT"           envDefault:"65536"`
	WSPingInterval       time.Duration `env:"VAI_TOY_WS_PING_INTERVAL"        envDefault:"20s"`
	WSWriteTimeout       time.Duration `env:"VAI_TOY_WS_WRITE_TIMEOUT"        envDefault:"5s"`
	WSReadTimeout        time.Duration `env:"VAI_TOY_WS_READ_TIMEOUT"         envDefault:"60s"`
	WSHandshakeTimeout   time.Duration `env:"VAI_TOY_WS_HANDSHAKE_TIMEOUT"    envDefault:"5s"`
	StreamRequireToken   bool          `env:"VAI_TOY_STREAM_REQUIRE_TOKEN"    envDefault:"true"`
	MaxSessionDuration   time.Duration `env:"VAI_TOY_MAX_SESSION_DURATION"    envDefault:"2h"`
	AudioChunksPerSecond int           `env:"VAI_TOY_AUDIO_CHUNKS_PER_SECOND" envDefault:"100"`
	AudioBytesPerSecond  int64         `env:"VAI_TOY_AUDIO_BYTES_PER_SECOND"  envDefault:"131072"`
	AudioBurstSeconds    int           `env:"VAI_TOY_AUDIO_BURST_SECONDS"     envDefault:"2"`
	MaxStreamsPerDevice  int           `env:"VAI_TOY_MAX_STREAMS_PER_DEVICE"  envDefault:"1"`
	DownstreamURL        string        `env:"VAI_TOY_DOWNSTREAM_URL"`
	DownstreamTimeout    time.Duration `env:"VAI_TOY_DOWNSTREAM_TIMEOUT"      envDefault:"30s"`
	DownstreamRetries    uint64        `env:"VAI_TOY_DOWNSTREAM_RETRIES"      envDefault:"2"`

	AdminAPIKeys      []string `env:"VAI_TOY_ADMIN_API_KEYS,unset" envSeparator:","`
	ClaimRPM          int      `env:"VAI_TOY_CLAIM_RPM"           envDefault:"30"`
	ClaimBurst        int      `env:"VAI_TOY_CLAIM_BURST"         envDefault:"5"`
	TrustProxyHeaders bool     `env:"VAI_TOY_TRUST_PROXY_HEADERS" envDefault:"false"`
}

type Config struct {
	Addr                string
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
	LogFormat           LogFormat

	// SigningKey and OOBSalt are secrets. Never log them.
	SigningKey             []byte
	OOBSalt                string
	TokenIssuer            string
	TokenAudience          string
	TokenTTL               time.Duration
	AllowNonExpiringTokens bool

	AutoRegisterChildren      bool
	FailOpenOnDependencyError bool
	NonceTTL                  time.Duration
	DependencyTimeout         time.Duration
	ChildLookupRetries        uint64
	RedisURL                  string
	DatabaseURL               string
	DatabaseMigrate           bool

	DrainDefaultMaxSessionAge time.Duration
	DrainReapInterval         time.Duration

	AudioBufferCapacity  int
	VADThreshold         float64
	MaxMessageBytes      int
	WSReadLimit          int64
	WSPingInterval       time.Duration
	WSWriteTimeout       time.Duration
	WSReadTimeout        time.Duration
	WSHandshakeTimeout   time.Duration
	StreamRequireToken   bool
	MaxSessionDuration   time.Duration
	AudioChunksPerSecond int
	AudioBytesPerSecond  int64
	AudioBurstSeconds    int
	MaxStreamsPerDevice  int
	DownstreamURL        string
	DownstreamTimeout    time.Duration
	DownstreamRetries    uint64

	AdminAPIKeys map[string]struct{}

	// ClaimRPM and ClaimBurst bound claim attempts per client IP and per
	// device id. Zero disables the limit.
	ClaimRPM   int
	ClaimBurst int

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool
}

func LoadFromEnv() (Config, error) {
	var raw rawEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return raw.resolve()
}

// LoadFromMap resolves settings from vars instead of the process
// environment.
func LoadFromMap(vars map[string]string) (Config, error) {
	var raw rawEnv
	if err := env.ParseWithOptions(&raw, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return raw.resolve()
}

func (raw rawEnv) resolve() (Config, error) {
	cfg := Config{
		Addr:                      strings.TrimSpace(raw.Addr),
		ReadHeaderTimeout:         raw.ReadHeaderTimeout,
		ReadTimeout:               raw.ReadTimeout,
		WriteTimeout:              raw.WriteTimeout,
		IdleTimeout:               raw.IdleTimeout,
		HandlerTimeout:            raw.HandlerTimeout,
		ShutdownGracePeriod:       raw.ShutdownGracePeriod,
		LogFormat:                 LogFormat(strings.ToLower(strings.TrimSpace(raw.LogFormat))),
		SigningKey:                []byte(raw.SigningKey),
		OOBSalt:                   raw.OOBSalt,
		TokenIssuer:               strings.TrimSpace(raw.TokenIssuer),
		TokenAudience:             strings.TrimSpace(raw.TokenAudience),
		TokenTTL:                  raw.TokenTTL,
		AllowNonExpiringTokens:    raw.AllowNonExpiringTokens,
		AutoRegisterChildren:      raw.AutoRegisterChildren,
		FailOpenOnDependencyError: raw.FailOpenOnDependencyError,
		NonceTTL:                  raw.NonceTTL,
		DependencyTimeout:         raw.DependencyTimeout,
		ChildLookupRetries:        raw.ChildLookupRetries,
		RedisURL:                  strings.TrimSpace(raw.RedisURL),
		DatabaseURL:               strings.TrimSpace(raw.DatabaseURL),
		DatabaseMigrate:           raw.DatabaseMigrate,
		DrainDefaultMaxSessionAge: raw.DrainDefaultMaxSessionAge,
		DrainReapInterval:         raw.DrainReapInterval,
		AudioBufferCapacity:       raw.AudioBufferCapacity,
		VADThreshold:              raw.VADThreshold,
		MaxMessageBytes:           raw.MaxMessageBytes,
		WSReadLimit:               raw.WSReadLimit,
		WSPingInterval:            raw.WSPingInterval,
		WSWriteTimeout:            raw.WSWriteTimeout,
		WSReadTimeout:             raw.WSReadTimeout,
		WSHandshakeTimeout:        raw.WSHandshakeTimeout,
		StreamRequireToken:        raw.StreamRequireToken,
		MaxSessionDuration:        raw.MaxSessionDuration,
		AudioChunksPerSecond:      raw.AudioChunksPerSecond,
		AudioBytesPerSecond:       raw.AudioBytesPerSecond,
		AudioBurstSeconds:         raw.AudioBurstSeconds,
		MaxStreamsPerDevice:       raw.MaxStreamsPerDevice,
		DownstreamURL:             strings.TrimSpace(raw.DownstreamURL),
		DownstreamTimeout:         raw.DownstreamTimeout,
		DownstreamRetries:         raw.DownstreamRetries,
		AdminAPIKeys:              make(map[string]struct{}),
		ClaimRPM:                  raw.ClaimRPM,
		ClaimBurst:                raw.ClaimBurst,
		TrustProxyHeaders:         raw.TrustProxyHeaders,
	}
	for _, key := range raw.AdminAPIKeys {
		if key = strings.TrimSpace(key); key != "" {
			cfg.AdminAPIKeys[key] = struct{}{}
		}
	}

	if cfg.Addr == "" {
		return Config{}, fmt.Errorf("VAI_TOY_ADDR must not be empty")
	}
	switch cfg.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("VAI_TOY_LOG_FORMAT must be one of text|json")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_TOY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_TOY_READ_TIMEOUT must be > 0")
	}
	if cfg.WriteTimeout < 0 {
		return Config{}, fmt.Errorf("VAI_TOY_WRITE_TIMEOUT must be >= 0")
	}
	if cfg.IdleTimeout < 0 {
		return Config{}, fmt.Errorf("VAI_TOY_IDLE_TIMEOUT must be >= 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_TOY_HANDLER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_TOY_SHUTDOWN_GRACE must be > 0")
	}

	if len(cfg.SigningKey) < token.MinSigningKeyBytes {
		return Config{}, fmt.Errorf("VAI_TOY_SIGNING_KEY must be at least %d bytes", token.MinSigningKeyBytes)
	}
	if strings.TrimSpace(cfg.OOBSalt) == "" {
		return Config{}, fmt.Errorf("VAI_TOY_OOB_SALT must be set")
	}
	if cfg.TokenIssuer == "" || cfg.TokenAudience == "" {
		return Config{}, fmt.Errorf("VAI_TOY_TOKEN_ISSUER and VAI_TOY_TOKEN_AUDIENCE must not be empty")
	}
	if cfg.TokenTTL < 0 {
		return Config{}, fmt.Errorf("VAI_TOY_TOKEN_TTL must be >= 0")
	}
	if cfg.TokenTTL == 0 && !cfg.AllowNonExpiringTokens {
		return Config{}, fmt.Errorf("VAI_TOY_TOKEN_TTL=0 issues non-expiring tokens and requires VAI_TOY_ALLOW_NON_EXPIRING_TOKENS=true")
	}
	if cfg.NonceTTL <= 0 {
		return Config{}, fmt.Errorf("VAI_TOY_NONCE_TTL must be > 0")
	}
	if cfg.DependencyTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_TOY_DEPENDENCY_TIMEOUT must be > 0")
	}

	if cfg.DrainDefaultMaxSessionAge < lifecycle.MinMaxSessionAge {
		return Config{}, fmt.Errorf("VAI_TOY_DRAIN_DEFAULT_MAX_SESSION_AGE must be >= %s", lifecycle.MinMaxSessionAge)
	}
	if cfg.DrainReapInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_TOY_DRAIN_REAP_INTERVAL must be > 0")
	}

	if cfg.AudioBufferCapacity <= 0 {
		return Config{}, fmt.Errorf("VAI_TOY_AUDIO_BUFFER_CAPACITY must be > 0")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold >= 1 {
		return Config{}, fmt.Errorf("VAI_TOY_VAD_THRESHOLD must be in [0, 1)")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_TOY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSReadLimit < int64(cfg.MaxMessageBytes) {
		return Config{}, fmt.Errorf("VAI_TOY_WS_READ_LIMIT must be >= VAI_TOY_MAX_MESSAGE_BYTES")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_TOY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_TOY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VAI_TOY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSReadTimeout > 0 && cfg.WSReadTimeout <= cfg.WSPingInterval {
		return Config{}, fmt.Errorf("VAI_TOY_WS_READ_TIMEOUT must exceed VAI_TOY_WS_PING_INTERVAL")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_TOY_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionDuration < 0 {
		return Config{}, fmt.Errorf("VAI_TOY_MAX_SESSION_DURATION must be >= 0")
	}
	if cfg.AudioChunksPerSecond < 0 {
		return Config{}, fmt.Errorf("VAI_TOY_AUDIO_CHUNKS_PER_SECOND must be >= 0")
	}
	if cfg.AudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("VAI_TOY_AUDIO_BYTES_PER_SECOND must be >= 0")
	}
	if (cfg.AudioChunksPerSecond > 0 || cfg.AudioBytesPerSecond > 0) && cfg.AudioBurstSeconds < 1 {
		return Config{}, fmt.Errorf("VAI_TOY_AUDIO_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.DownstreamURL != "" && !strings.HasPrefix(cfg.DownstreamURL, "http://") && !strings.HasPrefix(cfg.DownstreamURL, "https://") {
		return Config{}, fmt.Errorf("VAI_TOY_DOWNSTREAM_URL must be an http(s) URL")
	}
	if cfg.MaxStreamsPerDevice < 0 {
		return Config{}, fmt.Errorf("VAI_TOY_MAX_STREAMS_PER_DEVICE must be >= 0")
	}
	if cfg.DownstreamTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_TOY_DOWNSTREAM_TIMEOUT must be > 0")
	}

	if cfg.ClaimRPM < 0 || cfg.ClaimBurst < 0 {
		return Config{}, fmt.Errorf("VAI_TOY_CLAIM_RPM and VAI_TOY_CLAIM_BURST must be >= 0")
	}
	if cfg.ClaimRPM > 0 && cfg.ClaimBurst == 0 {
		return Config{}, fmt.Errorf("VAI_TOY_CLAIM_BURST must be > 0 when VAI_TOY_CLAIM_RPM is set")
	}

	return cfg, nil
}

// TokenConfig returns the token issuer settings.
func (c Config) TokenConfig() token.Config {
	return token.Config{
		SigningKey:       c.SigningKey,
		Issuer:           c.TokenIssuer,
		Audience:         c.TokenAudience,
		TTL:              c.TokenTTL,
		AllowNonExpiring: c.AllowNonExpiringTokens,
	}
}
