package httpapi

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"tessera.dev/internal/auth"
	"tessera.dev/internal/obs"
)

const authMetadataKey = "authorization"

// publicMethods skip the gatekeeper.
var publicMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// UnaryGatekeeper authenticates every non-public call with the bearer token
// of the authorization metadata.
func UnaryGatekeeper(gate *auth.Gatekeeper) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(authMetadataKey); len(v) > 0 {
				header = v[0]
			}
		}
		tok, err := gate.Authenticate(ctx, header)
		if err != nil {
			return nil, grpcError(err)
		}
		return handler(auth.ContextWithToken(ctx, tok), req)
	}
}

func grpcError(err error) error {
	kind := problemFor(err)
	if errors.Is(err, auth.ErrTokenLookup) || kind == problemInternal {
		return status.Error(codes.Internal, kind.title)
	}
	if errors.Is(err, auth.ErrForbidden) {
		return status.Error(codes.PermissionDenied, kind.title)
	}
	return status.Error(codes.Unauthenticated, kind.title)
}

// healthService answers grpc.health.v1 checks from the readiness probe.
type healthService struct {
	healthpb.UnimplementedHealthServer
	readiness readinessChecker
}

func (s *healthService) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if req.GetService() != "" && req.GetService() != obs.ServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// WhoAmIFullMethodName is the gated method reporting the caller's identity.
const WhoAmIFullMethodName = "/tessera.v1.Session/WhoAmI"

// sessionServer answers tessera.v1.Session calls. Messages are well-known
// protobuf types, so the service needs no generated code.
type sessionServer interface {
	WhoAmI(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

type sessionService struct {
	svc *auth.Service
}

func (s *sessionService) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	tok, ok := auth.TokenFromContext(ctx)
	if !ok {
		return nil, grpcError(auth.ErrNoAuthorizationHeader)
	}
	claims, err := s.svc.Profile(ctx, tok)
	if err != nil {
		return nil, grpcError(err)
	}
	out, err := structpb.NewStruct(map[string]any{
		"user_id":    claims.UserID.String(),
		"session_id": claims.SessionID.String(),
		"email":      claims.Email,
		"first_name": claims.FirstName,
		"last_name":  claims.LastName,
		"expired_at": claims.ExpiredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, status.Error(codes.Internal, problemInternal.title)
	}
	return out, nil
}

func whoAmIHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sessionServer).WhoAmI(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: WhoAmIFullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(sessionServer).WhoAmI(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: "tessera.v1.Session",
	HandlerType: (*sessionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "WhoAmI", Handler: whoAmIHandler},
	},
	Metadata: "tessera/v1/session.proto",
}

// NewGRPCServer builds the gRPC server with the gatekeeper interceptor, the
// health service and the gated session service registered.
func NewGRPCServer(svc *auth.Service, readiness readinessChecker, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(UnaryGatekeeper(svc.Gatekeeper()))}, opts...)
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, &healthService{readiness: readiness})
	srv.RegisterService(&sessionServiceDesc, &sessionService{svc: svc})
	return srv
}
