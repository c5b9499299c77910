package auth

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func actorFromMetadata(ctx context.Context, verifier *JWTVerifier) (Actor, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Actor{}, status.Error(codes.Unauthenticated, "missing metadata")
	}
	authz := md.Get("authorization")
	if len(authz) == 0 || !strings.HasPrefix(authz[0], "Bearer ") {
		return Actor{}, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	actor, err := verifier.ParseActor(strings.TrimPrefix(authz[0], "Bearer "))
	if err != nil {
		return Actor{}, status.Error(codes.Unauthenticated, "invalid token")
	}
	return actor, nil
}

func allowSet(methods []string) map[string]struct{} {
	allow := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		allow[m] = struct{}{}
	}
	return allow
}

func UnaryJWTInterceptor(verifier *JWTVerifier, allowUnauthenticatedMethods []string) grpc.UnaryServerInterceptor {
	allow := allowSet(allowUnauthenticatedMethods)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := allow[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		actor, err := actorFromMetadata(ctx, verifier)
		if err != nil {
			return nil, err
		}
		return handler(WithActor(ctx, actor), req)
	}
}

type actorStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s actorStream) Context() context.Context { return s.ctx }

func StreamJWTInterceptor(verifier *JWTVerifier, allowUnauthenticatedMethods []string) grpc.StreamServerInterceptor {
	allow := allowSet(allowUnauthenticatedMethods)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if _, ok := allow[info.FullMethod]; ok {
			return handler(srv, ss)
		}
		actor, err := actorFromMetadata(ss.Context(), verifier)
		if err != nil {
			return err
		}
		return handler(srv, actorStream{ServerStream: ss, ctx: WithActor(ss.Context(), actor)})
	}
}
