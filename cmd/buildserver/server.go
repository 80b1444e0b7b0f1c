package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	api "github.com/nixpig/buildworker/api/v1"
	"github.com/nixpig/buildworker/internal/auth"
	"github.com/nixpig/buildworker/internal/buildmanager"
	"github.com/nixpig/buildworker/internal/config"
	"github.com/nixpig/buildworker/internal/tlsconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type server struct {
	api.UnimplementedBuildServiceServer

	orchestrator *buildmanager.Orchestrator
	logger       *slog.Logger
	cfg          *config.Config
	grpcServer   *grpc.Server
}

func newServer(
	orchestrator *buildmanager.Orchestrator,
	cfg *config.Config,
	logger *slog.Logger,
) (*server, error) {
	s := &server{orchestrator: orchestrator, logger: logger, cfg: cfg}

	tlsCreds, err := s.loadTLSCreds()
	if err != nil {
		return nil, fmt.Errorf("load TLS credentials: %w", err)
	}

	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(auth.UnaryInterceptor(logger)),
		grpc.StreamInterceptor(auth.StreamInterceptor(logger)),
		grpc.Creds(tlsCreds),
	)

	api.RegisterBuildServiceServer(s.grpcServer, s)

	return s, nil
}

func (s *server) start(listener net.Listener) error {
	return s.grpcServer.Serve(listener)
}

func (s *server) shutdown() {
	s.grpcServer.GracefulStop()
}

// Dispatch handles one chat message. Build commands reply with the progress
// of the build and return once it has ended.
func (s *server) Dispatch(
	req *wrapperspb.StringValue,
	stream api.BuildService_DispatchServer,
) error {
	ctx := stream.Context()

	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "not authenticated")
	}

	command := parseCommand(req.GetValue())
	if command == "" {
		return status.Error(codes.InvalidArgument, "message is not a command")
	}

	n := newStreamNotifier(stream)

	switch command {
	case "/start", "/help":
		return n.Notify(ctx, menu(s.cfg.Commands))

	case "/version":
		return n.Notify(ctx, fmt.Sprintf("buildserver version %s", version))
	}

	c, ok := s.cfg.Project(command)
	if !ok {
		return status.Errorf(codes.InvalidArgument, "unknown command: %s", command)
	}

	if _, err := s.orchestrator.Run(ctx, buildmanager.Request{
		Identity:  c.Project,
		Requester: id.Name,
		Command:   command,
	}, n); err != nil {
		return s.mapError("dispatch build", err)
	}

	return nil
}

// Status lists the builds in flight.
func (s *server) Status(
	ctx context.Context,
	_ *emptypb.Empty,
) (*structpb.Struct, error) {
	records := s.orchestrator.Lock().Records()

	jobs := make([]any, 0, len(records))

	for _, r := range records {
		jobs = append(jobs, map[string]any{
			"identity":   r.Identity,
			"requester":  r.Requester,
			"command":    r.Command,
			"started_at": r.StartedAt.UTC().Format(time.RFC3339),
			"run_id":     r.RunID,
		})
	}

	resp, err := structpb.NewStruct(map[string]any{"jobs": jobs})
	if err != nil {
		return nil, s.mapError("encode status", err)
	}

	return resp, nil
}

// mapError translates buildmanager errors to gRPC errors.
func (s *server) mapError(logMsg string, err error) error {
	switch {
	case errors.Is(err, buildmanager.ErrInvalidIdentity):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.As(err, new(*buildmanager.AlreadyLockedError)):
		s.logger.Info(logMsg, "err", err)
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, buildmanager.ErrShuttingDown):
		s.logger.Info(logMsg, "err", err)
		return status.Error(codes.Unavailable, err.Error())

	default:
		s.logger.Error(logMsg, "err", err)
		return status.Error(codes.Internal, "internal server error")
	}
}

// loadTLSCreds creates the gRPC transport credentials with mTLS enabled.
func (s *server) loadTLSCreds() (credentials.TransportCredentials, error) {
	tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
		CertPath:   s.cfg.TLS.CertPath,
		KeyPath:    s.cfg.TLS.KeyPath,
		CACertPath: s.cfg.TLS.CACertPath,
		Server:     true,
	})
	if err != nil {
		return nil, err
	}

	return credentials.NewTLS(tlsConfig), nil
}
