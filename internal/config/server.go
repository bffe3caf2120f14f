package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/phinix/internal/auth"
	"github.com/danmuck/phinix/internal/protocol/frame"
	"github.com/danmuck/phinix/internal/protocol/session"
)

// ServerFile is the on-disk shape of phinixd's config.
type ServerFile struct {
	Listen              string            `toml:"listen"`
	Name                string            `toml:"name"`
	Description         string            `toml:"description"`
	AuthType            string            `toml:"auth_type" comment:"key | credentials"`
	LogLevel            string            `toml:"log_level"`
	SessionLifetime     string            `toml:"session_lifetime"`
	SweepInterval       string            `toml:"sweep_interval"`
	HandshakeTimeout    string            `toml:"handshake_timeout"`
	PingIntervalMS      int64             `toml:"ping_interval_ms"`
	DisconnectTimeoutMS int64             `toml:"disconnect_timeout_ms"`
	MaxPayloadBytes     uint64            `toml:"max_payload_bytes"`
	SecurityMode        string            `toml:"security_mode" comment:"development | production"`
	TLS                 session.TLSConfig `toml:"tls"`
	Admin               AdminConfig       `toml:"admin"`
	Keys                []auth.KeyEntry   `toml:"keys"`
	Users               map[string]string `toml:"users" comment:"username = bcrypt hash (phinixctl hash-password)"`
}

type Server struct {
	Listen      string
	Name        string
	Description string
	AuthType    session.AuthType
	LogLevel    string
	Keys        []auth.KeyEntry
	Users       map[string]string
	Session     session.Config
	Limits      frame.Limits
	Admin       AdminConfig
}

func DefaultServer() Server {
	return Server{
		Listen:      "0.0.0.0:7400",
		Name:        "phinix",
		Description: "phinix session server",
		AuthType:    session.AuthTypeKey,
		LogLevel:    "info",
		Users:       map[string]string{},
		Session:     session.DefaultConfig(),
		Limits:      frame.DefaultLimits(),
		Admin:       AdminConfig{Addr: "127.0.0.1:7401"},
	}
}

// LoadServer applies the keys present in path on top of DefaultServer.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()

	var raw ServerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Server{}, fmt.Errorf("load server config: %w", err)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("description") {
		cfg.Description = raw.Description
	}
	if meta.IsDefined("auth_type") {
		t, err := session.ParseAuthType(raw.AuthType)
		if err != nil {
			return Server{}, fmt.Errorf("parse auth_type: %w", err)
		}
		cfg.AuthType = t
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("session_lifetime") {
		if cfg.Session.SessionLifetime, err = parseDuration("session_lifetime", raw.SessionLifetime); err != nil {
			return Server{}, err
		}
	}
	if meta.IsDefined("sweep_interval") {
		if cfg.Session.SweepInterval, err = parseDuration("sweep_interval", raw.SweepInterval); err != nil {
			return Server{}, err
		}
	}
	if meta.IsDefined("handshake_timeout") {
		if cfg.Session.HandshakeTimeout, err = parseDuration("handshake_timeout", raw.HandshakeTimeout); err != nil {
			return Server{}, err
		}
	}
	if meta.IsDefined("ping_interval_ms") {
		cfg.Session.PingInterval = millis(raw.PingIntervalMS)
	}
	if meta.IsDefined("disconnect_timeout_ms") {
		cfg.Session.DisconnectTimeout = millis(raw.DisconnectTimeoutMS)
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("tls") {
		cfg.Session.TLS = raw.TLS
	}
	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CORSOrigins = normalizeList(raw.Admin.CORSOrigins)
	}
	if meta.IsDefined("keys") {
		cfg.Keys = raw.Keys
	}
	if meta.IsDefined("users") {
		cfg.Users = raw.Users
	}

	cfg.Session = cfg.Session.WithDefaults()
	if err := ValidateServer(cfg); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func ValidateServer(cfg Server) error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("%w: server config missing listen", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: server config missing name", ErrInvalid)
	}
	switch cfg.AuthType {
	case session.AuthTypeKey:
		n := 0
		for _, k := range cfg.Keys {
			if strings.TrimSpace(k.Key) != "" {
				n++
			}
		}
		if n == 0 {
			return fmt.Errorf("%w: auth_type key requires at least one [[keys]] entry", ErrInvalid)
		}
	case session.AuthTypeCredentials:
		if len(cfg.Users) == 0 {
			return fmt.Errorf("%w: auth_type credentials requires [users]", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: auth_type is required", ErrInvalid)
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		return fmt.Errorf("%w: max_payload_bytes must be positive", ErrInvalid)
	}
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Verifiers builds the verifier registry for the configured auth type.
func (s Server) Verifiers() (*auth.Verifiers, error) {
	v := auth.NewVerifiers()
	var err error
	switch s.AuthType {
	case session.AuthTypeKey:
		err = v.Register(session.AuthTypeKey, auth.NewKeyVerifier(s.Keys...))
	case session.AuthTypeCredentials:
		err = v.Register(session.AuthTypeCredentials, auth.NewUserVerifier(s.Users))
	default:
		err = fmt.Errorf("%w: auth_type is required", ErrInvalid)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s Server) file() ServerFile {
	users := s.Users
	if users == nil {
		users = map[string]string{}
	}
	return ServerFile{
		Listen:              s.Listen,
		Name:                s.Name,
		Description:         s.Description,
		AuthType:            s.AuthType.String(),
		LogLevel:            s.LogLevel,
		SessionLifetime:     s.Session.SessionLifetime.String(),
		SweepInterval:       s.Session.SweepInterval.String(),
		HandshakeTimeout:    s.Session.HandshakeTimeout.String(),
		PingIntervalMS:      s.Session.PingInterval.Milliseconds(),
		DisconnectTimeoutMS: s.Session.DisconnectTimeout.Milliseconds(),
		MaxPayloadBytes:     s.Limits.MaxPayloadBytes,
		SecurityMode:        string(s.Session.SecurityMode),
		TLS:                 s.Session.TLS,
		Admin:               s.Admin,
		Keys:                s.Keys,
		Users:               users,
	}
}
