// Package auth authenticates build server clients by their mTLS certificate
// and authorises them by role. The certificate CN names the requester and
// the first OU is the role.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	api "github.com/nixpig/buildworker/api/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	ErrUnauthenticated = errors.New("not authenticated")
	ErrNotAuthorised   = errors.New("not authorised")
)

type Permission string

const (
	PermissionBuildDispatch Permission = "build:dispatch"
	PermissionBuildStatus   Permission = "build:status"
)

type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

var RolePermissions = map[Role][]Permission{
	RoleOperator: {PermissionBuildDispatch, PermissionBuildStatus},
	RoleViewer:   {PermissionBuildStatus},
}

var MethodPermissions = map[string]Permission{
	api.BuildService_Dispatch_FullMethodName: PermissionBuildDispatch,
	api.BuildService_Status_FullMethodName:   PermissionBuildStatus,
}

// Identity of an authenticated client.
type Identity struct {
	Name string
	Role Role
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the Identity stored by the interceptors.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func GetClientIdentity(ctx context.Context) (string, string, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "", "", fmt.Errorf("failed to get peer info from context")
	}

	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", "", fmt.Errorf("failed to get TLS info from peer auth info")
	}

	if len(tlsInfo.State.VerifiedChains) == 0 ||
		len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return "", "", fmt.Errorf("no verified chains in TLS info")
	}

	cert := tlsInfo.State.VerifiedChains[0][0]

	cn := cert.Subject.CommonName

	var ou string
	if len(cert.Subject.OrganizationalUnit) > 0 {
		ou = cert.Subject.OrganizationalUnit[0]
	}

	return cn, ou, nil
}

func IsAuthorised(clientRole Role, method string) error {
	requiredPermission, exists := MethodPermissions[method]
	if !exists {
		return fmt.Errorf("specified method not in method permissions")
	}

	permissions, ok := RolePermissions[clientRole]
	if !ok {
		return fmt.Errorf("specified role not in role permissions")
	}

	if !slices.Contains(permissions, requiredPermission) {
		return fmt.Errorf("required permission not in permissions for role")
	}

	return nil
}

// Authorise returns the Identity of the client calling method if it's
// allowed to.
func Authorise(ctx context.Context, method string) (Identity, error) {
	cn, ou, err := GetClientIdentity(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	if cn == "" {
		return Identity{}, fmt.Errorf("%w: client certificate has no common name", ErrUnauthenticated)
	}

	id := Identity{Name: cn, Role: Role(ou)}

	if err := IsAuthorised(id.Role, method); err != nil {
		return Identity{}, fmt.Errorf("%w: %s: %w", ErrNotAuthorised, cn, err)
	}

	return id, nil
}

// UnaryInterceptor rejects cancelled and unauthorised calls, and passes the
// client Identity to the handler in the context.
func UnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := check(ctx, info.FullMethod, logger)
		if err != nil {
			return nil, err
		}

		return handler(ctx, req)
	}
}

// StreamInterceptor is UnaryInterceptor for streaming calls.
func StreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := check(ss.Context(), info.FullMethod, logger)
		if err != nil {
			return err
		}

		return handler(srv, &identityStream{ServerStream: ss, ctx: ctx})
	}
}

func check(
	ctx context.Context,
	method string,
	logger *slog.Logger,
) (context.Context, error) {
	if ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	id, err := Authorise(ctx, method)
	if err != nil {
		logger.Warn("failed to authorise client", "method", method, "err", err)

		if errors.Is(err, ErrUnauthenticated) {
			return nil, status.Error(codes.Unauthenticated, "not authenticated")
		}

		return nil, status.Error(codes.PermissionDenied, "not authorised")
	}

	logger.Debug(
		"authorised client request",
		"cn", id.Name,
		"role", id.Role,
		"method", method,
	)

	return WithIdentity(ctx, id), nil
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context {
	return s.ctx
}
