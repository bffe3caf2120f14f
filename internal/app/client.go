package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/danmuck/phinix/internal/auth"
	"github.com/danmuck/phinix/internal/config"
	"github.com/danmuck/phinix/internal/protocol"
	"github.com/danmuck/phinix/internal/protocol/session"
	"github.com/danmuck/phinix/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrConnectAttempts = errors.New("app: connect attempts exhausted")

// Client is the phinixctl application context.
type Client struct {
	Config    config.Client
	Transport *transport.Client
	Auth      *auth.Client

	rng  *rand.Rand
	lost chan struct{}
}

func NewClient(cfg config.Client) (*Client, error) {
	if err := config.ValidateClient(cfg); err != nil {
		return nil, err
	}
	tcfg := transport.DefaultClientConfig()
	tcfg.Name = cfg.Name
	tcfg.Session = cfg.Session
	tc := transport.NewClient(tcfg)

	ac := auth.NewClient(Credentials(cfg))
	if err := ac.Attach(tc); err != nil {
		return nil, err
	}
	c := &Client{
		Config:    cfg,
		Transport: tc,
		Auth:      ac,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		lost:      make(chan struct{}, 1),
	}
	tc.OnDisconnected(func(*transport.Conn) {
		select {
		case c.lost <- struct{}{}:
		default:
		}
	})
	return c, nil
}

// Credentials answers every Hello from the configured secret.
func Credentials(cfg config.Client) auth.CredentialProvider {
	return func(hello *session.HelloPacket) (auth.Login, error) {
		var creds protocol.Message
		switch hello.AuthType {
		case session.AuthTypeKey:
			creds = &session.KeyCredentials{Key: cfg.Key}
		case session.AuthTypeCredentials:
			creds = &session.UserCredentials{Username: cfg.Username, Password: cfg.Password}
		default:
			return auth.Login{}, fmt.Errorf("app: server offered unsupported auth type %s", hello.AuthType)
		}
		return auth.Login{
			Credentials:       creds,
			Username:          cfg.Username,
			UseServerUsername: cfg.UseServerUsername || cfg.Username == "",
		}, nil
	}
}

// Connect dials with backoff until connected, ctx ends, or
// MaxConnectAttempts (0 = unlimited) is exhausted.
func (c *Client) Connect(ctx context.Context) error {
	host, portRaw, err := net.SplitHostPort(c.Config.Address)
	if err != nil {
		return fmt.Errorf("%w: address %q: %v", transport.ErrArgument, c.Config.Address, err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return fmt.Errorf("%w: %q", transport.ErrPortRange, portRaw)
	}

	attempt := 0
	for {
		err := c.Transport.ConnectHost(ctx, host, port)
		if err == nil {
			return nil
		}
		if errors.Is(err, transport.ErrPortRange) || errors.Is(err, transport.ErrArgument) {
			return err
		}
		attempt++
		log.Warn().Msgf("app.Client.Connect failed attempt=%d address=%q err=%v", attempt, c.Config.Address, err)
		if c.Config.MaxConnectAttempts > 0 && attempt >= c.Config.MaxConnectAttempts {
			return fmt.Errorf("%w: %v", ErrConnectAttempts, err)
		}
		if err := c.waitBackoff(ctx, attempt); err != nil {
			return err
		}
	}
}

// Login connects and waits for the handshake to finish.
func (c *Client) Login(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	timeout := c.Config.Session.HandshakeTimeout + c.Config.Session.ConnectTimeout
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Auth.Await(waitCtx); err != nil {
		return err
	}
	log.Info().Msgf("app.Client.Login authenticated username=%q", c.Auth.Username())
	return nil
}

// Run keeps the client logged in, reconnecting after lost links, until ctx
// ends. A rejected login is returned rather than retried.
func (c *Client) Run(ctx context.Context) error {
	defer c.Transport.Disconnect()
	for {
		select {
		case <-c.lost:
		default:
		}
		if err := c.Login(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.lost:
			log.Warn().Msgf("app.Client.Run link lost, reconnecting address=%q", c.Config.Address)
		}
	}
}

func (c *Client) waitBackoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.Config.Session.Backoff.Delay(attempt, c.rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
