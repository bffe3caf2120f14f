package app

import (
	"context"
	"strings"

	"github.com/danmuck/phinix/internal/admin"
	"github.com/danmuck/phinix/internal/auth"
	"github.com/danmuck/phinix/internal/config"
	"github.com/danmuck/phinix/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Server is the phinixd application context.
type Server struct {
	Config    config.Server
	Transport *transport.Server
	Auth      *auth.Server
	// Admin is nil when no admin address is configured.
	Admin *admin.Server
}

func NewServer(cfg config.Server) (*Server, error) {
	if err := config.ValidateServer(cfg); err != nil {
		return nil, err
	}
	verifiers, err := cfg.Verifiers()
	if err != nil {
		return nil, err
	}
	ts := transport.NewServer(transport.ServerConfig{Session: cfg.Session, Limits: cfg.Limits})
	as := auth.NewServer(auth.ServerConfig{
		Name:        cfg.Name,
		Description: cfg.Description,
		AuthType:    cfg.AuthType,
		Session:     cfg.Session,
	}, verifiers)

	s := &Server{Config: cfg, Transport: ts, Auth: as}
	if addr := strings.TrimSpace(cfg.Admin.Addr); addr != "" {
		s.Admin = admin.New(admin.Config{
			Addr:        addr,
			Component:   cfg.Name,
			CORSOrigins: cfg.Admin.CORSOrigins,
		}, ts, as)
	}
	return s, nil
}

// Run listens until ctx ends or a component fails, then stops everything.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Auth.Attach(ctx, s.Transport); err != nil {
		return err
	}
	defer s.Auth.Detach()
	if err := s.Transport.Start(ctx, s.Config.Listen); err != nil {
		return err
	}
	log.Info().Msgf(
		"app.Server.Run listening addr=%q name=%q auth_type=%s",
		s.Transport.Addr(),
		s.Config.Name,
		s.Config.AuthType,
	)

	g, gctx := errgroup.WithContext(ctx)
	if s.Admin != nil {
		g.Go(func() error { return s.Admin.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msgf("app.Server.Run stopping")
		return s.Transport.Stop()
	})
	return g.Wait()
}
