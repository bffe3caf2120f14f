package session

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/phinix/internal/protocol"
	"github.com/danmuck/phinix/internal/testutil/testlog"
	"github.com/danmuck/phinix/internal/testutil/tlstest"
)

func TestBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := cfg.Delay(1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := cfg.Delay(2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := cfg.Delay(3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := cfg.Delay(6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := cfg.Delay(2, rng)
	if got < 250*time.Millisecond || got > 750*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := &HelloPacket{
		ServerName:        "phinix",
		ServerDescription: "test server",
		AuthType:          AuthTypeKey,
		SessionID:         "S1",
	}
	raw, err := protocol.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	a, ok := protocol.ValidatePacket(Namespace, Module, Module, raw)
	if !ok {
		t.Fatalf("hello rejected by envelope validation")
	}
	if a.GetTypeUrl() != "Phinix/Authentication.HelloPacket" {
		t.Fatalf("unexpected type url: %q", a.GetTypeUrl())
	}
	var out HelloPacket
	if err := protocol.Unpack(a, &out); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if out != *in {
		t.Fatalf("round trip mismatch: got=%+v want=%+v", out, *in)
	}
	if err := out.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := (&HelloPacket{AuthType: AuthTypeKey}).Validate(); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
}

func TestAuthenticateCarriesNestedCredentials(t *testing.T) {
	testlog.Start(t)
	hello := &HelloPacket{AuthType: AuthTypeKey, SessionID: "S1"}
	in, err := NewAuthenticate(hello, &KeyCredentials{Key: "secret"}, "alice", true)
	if err != nil {
		t.Fatalf("new authenticate: %v", err)
	}
	raw, err := protocol.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out AuthenticatePacket
	if err := protocol.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.AuthType != AuthTypeKey || out.SessionID != "S1" || out.Username != "alice" || !out.UseServerUsername {
		t.Fatalf("unexpected authenticate: %+v", out)
	}
	if out.Credentials.GetTypeUrl() != "Phinix/Authentication.KeyCredentials" {
		t.Fatalf("unexpected credentials type: %q", out.Credentials.GetTypeUrl())
	}
	var key KeyCredentials
	if err := protocol.Unpack(out.Credentials, &key); err != nil {
		t.Fatalf("unpack credentials: %v", err)
	}
	if key.Key != "secret" {
		t.Fatalf("unexpected key: %q", key.Key)
	}
	var user UserCredentials
	if err := protocol.Unpack(out.Credentials, &user); !errors.Is(err, protocol.ErrTypeMismatch) {
		t.Fatalf("expected type mismatch for wrong credential kind, got %v", err)
	}
}

func TestAuthResponseValidate(t *testing.T) {
	testlog.Start(t)
	in := &AuthResponsePacket{
		Success:        false,
		FailureReason:  FailureSessionID,
		FailureMessage: "stale handshake",
	}
	raw, err := protocol.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out AuthResponsePacket
	if err := protocol.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != *in {
		t.Fatalf("round trip mismatch: got=%+v", out)
	}
	if err := out.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := (&AuthResponsePacket{Success: true}).Validate(); !errors.Is(err, ErrInvalidAuthResponse) {
		t.Fatalf("expected ErrInvalidAuthResponse, got %v", err)
	}
	if err := (&AuthResponsePacket{}).Validate(); !errors.Is(err, ErrInvalidAuthResponse) {
		t.Fatalf("expected ErrInvalidAuthResponse for reasonless failure, got %v", err)
	}
}

func TestExtendSessionResponseLifetime(t *testing.T) {
	testlog.Start(t)
	raw, err := protocol.Marshal(&ExtendSessionResponsePacket{Success: true, ExpiresIn: 1500})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out ExtendSessionResponsePacket
	if err := protocol.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Success || out.Lifetime() != 1500*time.Millisecond {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestParseAuthType(t *testing.T) {
	if got, err := ParseAuthType(" Key "); err != nil || got != AuthTypeKey {
		t.Fatalf("key: got=%v err=%v", got, err)
	}
	if got, err := ParseAuthType("credentials"); err != nil || got != AuthTypeCredentials {
		t.Fatalf("credentials: got=%v err=%v", got, err)
	}
	if _, err := ParseAuthType("token"); err == nil {
		t.Fatalf("expected error for unknown auth type")
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{PingInterval: 3 * time.Second, DisconnectTimeout: time.Second}.WithDefaults()
	if cfg.DisconnectTimeout != 6*time.Second {
		t.Fatalf("disconnect timeout must exceed ping interval, got %v", cfg.DisconnectTimeout)
	}
	if cfg.SessionLifetime != DefaultConfig().SessionLifetime {
		t.Fatalf("session lifetime default not applied: %v", cfg.SessionLifetime)
	}
	if cfg.SecurityMode != SecurityModeDevelopment {
		t.Fatalf("unexpected security mode: %q", cfg.SecurityMode)
	}
}

func TestValidateClientTransportProductionRequiresTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportInvalidMode(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = "staging"
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestDevelopmentTLSConfigs(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	srv, err := cfg.ServerTLSConfig()
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}
	if len(srv.Certificates) != 1 || srv.NextProtos[0] != ALPN {
		t.Fatalf("unexpected server tls config: %+v", srv)
	}
	cli, err := cfg.ClientTLSConfig("127.0.0.1:7777")
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}
	if !cli.InsecureSkipVerify || cli.ServerName != "127.0.0.1" {
		t.Fatalf("unexpected client tls config: skip=%v name=%q", cli.InsecureSkipVerify, cli.ServerName)
	}
}

func TestMutualTLSConfigsFromFiles(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "phinix-test")
	serverPair := ca.Server(t, "phinixd", "localhost", "127.0.0.1")
	clientPair := ca.Client(t, "phinixctl")

	srvCfg := DefaultConfig()
	srvCfg.SecurityMode = SecurityModeProduction
	srvCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: serverPair.CertFile, KeyFile: serverPair.KeyFile, CAFile: ca.CAFile()}
	srv, err := srvCfg.ServerTLSConfig()
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}
	if srv.ClientCAs == nil {
		t.Fatalf("expected client ca pool")
	}

	cliCfg := DefaultConfig()
	cliCfg.SecurityMode = SecurityModeProduction
	cliCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: clientPair.CertFile, KeyFile: clientPair.KeyFile, CAFile: ca.CAFile(), ServerName: "localhost"}
	cli, err := cliCfg.ClientTLSConfig("127.0.0.1:7777")
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}
	if cli.InsecureSkipVerify || cli.RootCAs == nil || len(cli.Certificates) != 1 || cli.ServerName != "localhost" {
		t.Fatalf("unexpected client tls config")
	}
}
