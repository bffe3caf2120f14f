package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/phinix/internal/protocol/session"
)

// ClientFile is the on-disk shape of phinixctl's config.
type ClientFile struct {
	Address             string            `toml:"address"`
	Name                string            `toml:"name"`
	AuthType            string            `toml:"auth_type" comment:"key | credentials"`
	Username            string            `toml:"username"`
	UseServerUsername   bool              `toml:"use_server_username"`
	Key                 string            `toml:"key" comment:"prefer PHINIX_KEY in the environment"`
	Password            string            `toml:"password" comment:"prefer PHINIX_PASSWORD in the environment"`
	LogLevel            string            `toml:"log_level"`
	MaxConnectAttempts  int               `toml:"max_connect_attempts" comment:"0 retries forever"`
	ConnectTimeout      string            `toml:"connect_timeout"`
	PingIntervalMS      int64             `toml:"ping_interval_ms"`
	DisconnectTimeoutMS int64             `toml:"disconnect_timeout_ms"`
	SecurityMode        string            `toml:"security_mode"`
	TLS                 session.TLSConfig `toml:"tls"`
	Backoff             BackoffFile       `toml:"backoff"`
}

type Client struct {
	Address            string
	Name               string
	AuthType           session.AuthType
	Username           string
	UseServerUsername  bool
	Key                string
	Password           string
	LogLevel           string
	MaxConnectAttempts int
	Session            session.Config
}

func DefaultClient() Client {
	host, _ := os.Hostname()
	return Client{
		Address:  "127.0.0.1:7400",
		Name:     host,
		AuthType: session.AuthTypeKey,
		LogLevel: "info",
		Session:  session.DefaultConfig(),
	}
}

// LoadClient applies the keys present in path on top of DefaultClient, then
// secrets from the environment.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()

	var raw ClientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Client{}, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("auth_type") {
		t, err := session.ParseAuthType(raw.AuthType)
		if err != nil {
			return Client{}, fmt.Errorf("parse auth_type: %w", err)
		}
		cfg.AuthType = t
	}
	if meta.IsDefined("username") {
		cfg.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("use_server_username") {
		cfg.UseServerUsername = raw.UseServerUsername
	}
	if meta.IsDefined("key") {
		cfg.Key = raw.Key
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("connect_timeout") {
		if cfg.Session.ConnectTimeout, err = parseDuration("connect_timeout", raw.ConnectTimeout); err != nil {
			return Client{}, err
		}
	}
	if meta.IsDefined("ping_interval_ms") {
		cfg.Session.PingInterval = millis(raw.PingIntervalMS)
	}
	if meta.IsDefined("disconnect_timeout_ms") {
		cfg.Session.DisconnectTimeout = millis(raw.DisconnectTimeoutMS)
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("tls") {
		cfg.Session.TLS = raw.TLS
	}
	if meta.IsDefined("backoff", "initial_delay") {
		if cfg.Session.Backoff.InitialDelay, err = parseDuration("backoff.initial_delay", raw.Backoff.InitialDelay); err != nil {
			return Client{}, err
		}
	}
	if meta.IsDefined("backoff", "max_delay") {
		if cfg.Session.Backoff.MaxDelay, err = parseDuration("backoff.max_delay", raw.Backoff.MaxDelay); err != nil {
			return Client{}, err
		}
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Session.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Session.Backoff.Jitter = raw.Backoff.Jitter
	}

	applyClientEnv(&cfg)
	cfg.Session = cfg.Session.WithDefaults()
	if err := ValidateClient(cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func applyClientEnv(cfg *Client) {
	if v := os.Getenv(EnvKey); v != "" {
		cfg.Key = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.Password = v
	}
}

func ValidateClient(cfg Client) error {
	if strings.TrimSpace(cfg.Address) == "" {
		return fmt.Errorf("%w: client config missing address", ErrInvalid)
	}
	if cfg.MaxConnectAttempts < 0 {
		return fmt.Errorf("%w: max_connect_attempts must not be negative", ErrInvalid)
	}
	switch cfg.AuthType {
	case session.AuthTypeKey:
		if cfg.Key == "" {
			return fmt.Errorf("%w: auth_type key requires key or %s", ErrInvalid, EnvKey)
		}
	case session.AuthTypeCredentials:
		if cfg.Username == "" || cfg.Password == "" {
			return fmt.Errorf("%w: auth_type credentials requires username and password", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: auth_type is required", ErrInvalid)
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c Client) file() ClientFile {
	b := c.Session.Backoff
	return ClientFile{
		Address:             c.Address,
		Name:                c.Name,
		AuthType:            c.AuthType.String(),
		Username:            c.Username,
		UseServerUsername:   c.UseServerUsername,
		Key:                 c.Key,
		Password:            c.Password,
		LogLevel:            c.LogLevel,
		MaxConnectAttempts:  c.MaxConnectAttempts,
		ConnectTimeout:      c.Session.ConnectTimeout.String(),
		PingIntervalMS:      c.Session.PingInterval.Milliseconds(),
		DisconnectTimeoutMS: c.Session.DisconnectTimeout.Milliseconds(),
		SecurityMode:        string(c.Session.SecurityMode),
		TLS:                 c.Session.TLS,
		Backoff: BackoffFile{
			InitialDelay: b.InitialDelay.String(),
			Multiplier:   b.Multiplier,
			MaxDelay:     b.MaxDelay.String(),
			Jitter:       b.Jitter,
		},
	}
}
