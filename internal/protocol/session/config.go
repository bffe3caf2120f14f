package session

import "time"

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig selects certificates for the QUIC link. QUIC always runs TLS;
// when Enabled is false a development server presents an ephemeral
// self-signed certificate and clients skip verification.
type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines link and session timing shared by client and server.
type Config struct {
	// PingInterval is the keepalive period of an idle link.
	PingInterval time.Duration
	// DisconnectTimeout closes a link that has been silent this long.
	DisconnectTimeout time.Duration
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	// SessionLifetime is how long an authenticated session lives without
	// an ExtendSession.
	SessionLifetime time.Duration
	SweepInterval   time.Duration
	SecurityMode    SecurityMode
	TLS             TLSConfig
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      1000 * time.Millisecond,
		DisconnectTimeout: 5000 * time.Millisecond,
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		SessionLifetime:   5 * time.Minute,
		SweepInterval:     time.Second,
		SecurityMode:      SecurityModeDevelopment,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero durations from DefaultConfig and keeps the idle
// timeout above the keepalive period.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = d.DisconnectTimeout
	}
	if c.DisconnectTimeout <= c.PingInterval {
		c.DisconnectTimeout = 2 * c.PingInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.SessionLifetime <= 0 {
		c.SessionLifetime = d.SessionLifetime
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	if c.Backoff.InitialDelay <= 0 && c.Backoff.MaxDelay <= 0 && c.Backoff.Multiplier == 0 {
		c.Backoff = d.Backoff
	}
	return c
}
