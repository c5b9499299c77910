package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/clock"
)

func TestParseActor(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")

	claims := jwt.MapClaims{
		"sub":  "tech-1",
		"role": RoleOperator,
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iat":  time.Now().Add(-time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	actor, err := verifier.ParseActor(signed)
	if err != nil {
		t.Fatalf("parse actor: %v", err)
	}
	if actor.ID != "tech-1" || actor.Role != RoleOperator {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestSignerRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	signed, exp, err := NewJWTSigner("s3cret").SignActor(Actor{ID: "tech-2", Role: RoleOperator}, now, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !exp.Equal(now.Add(time.Hour).UTC()) {
		t.Fatalf("unexpected expiry %s", exp)
	}
	actor, err := NewJWTVerifier("s3cret").ParseActor(signed)
	if err != nil || actor.ID != "tech-2" {
		t.Fatalf("verify signed token: actor=%+v err=%v", actor, err)
	}
	if _, err := NewJWTVerifier("other").ParseActor(signed); err == nil {
		t.Fatalf("expected failure with wrong secret")
	}
}

func TestVerifierUsesInjectedClock(t *testing.T) {
	issued := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	signed, _, err := NewJWTSigner("k").SignActor(Actor{ID: "tech-5", Role: RoleOperator}, issued, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	v := NewJWTVerifier("k")
	v.Clock = clock.Func(func() time.Time { return issued.Add(30 * time.Minute) })
	if actor, err := v.ParseActor(signed); err != nil || actor.ID != "tech-5" {
		t.Fatalf("token inside its lifetime rejected: actor=%+v err=%v", actor, err)
	}

	v.Clock = clock.Func(func() time.Time { return issued.Add(2 * time.Hour) })
	if _, err := v.ParseActor(signed); err == nil {
		t.Fatalf("expected token past its expiry to be rejected")
	}
}

func TestParseActorRejectsExpiredAndIncomplete(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	expired, _, err := NewJWTSigner("k").SignActor(Actor{ID: "a", Role: RoleOperator}, past, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewJWTVerifier("k").ParseActor(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	noRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "a", "exp": time.Now().Add(time.Hour).Unix()}).SignedString([]byte("k"))
	if _, err := NewJWTVerifier("k").ParseActor(noRole); err == nil {
		t.Fatalf("expected missing role to be rejected")
	}
	if _, _, err := NewJWTSigner("k").SignActor(Actor{ID: "a"}, time.Now(), time.Minute); err == nil {
		t.Fatalf("expected signer to refuse incomplete actor")
	}
}

func TestHTTPJWTMiddleware(t *testing.T) {
	signed, _, _ := NewJWTSigner("k").SignActor(Actor{ID: "tech-3", Role: RoleOperator}, time.Now(), time.Hour)
	var seen Actor
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := HTTPJWTMiddlewareWithSkips(NewJWTVerifier("k"), next, []string{"/healthz", "/v1/auth/"})

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "skip exact", path: "/healthz", want: http.StatusNoContent},
		{name: "skip prefix", path: "/v1/auth/login", want: http.StatusNoContent},
		{name: "missing", path: "/v1/audit/health", want: http.StatusUnauthorized},
		{name: "garbage", path: "/v1/audit/health", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid", path: "/v1/audit/health", header: "Bearer " + signed, want: http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("got %d want %d", rr.Code, tc.want)
			}
		})
	}
	if seen.ID != "tech-3" {
		t.Fatalf("actor not propagated: %+v", seen)
	}
}

func TestUnaryJWTInterceptor(t *testing.T) {
	verifier := NewJWTVerifier("k")
	intercept := UnaryJWTInterceptor(verifier, []string{"/grpc.health.v1.Health/Check"})
	handler := func(ctx context.Context, req any) (any, error) {
		a, _ := ActorFromContext(ctx)
		return a.ID, nil
	}

	if _, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler); err != nil {
		t.Fatalf("allowed method should pass: %v", err)
	}
	_, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/labaudit.v1.AuditChain/Verify"}, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	signed, _, _ := NewJWTSigner("k").SignActor(Actor{ID: "tech-4", Role: RoleOperator}, time.Now(), time.Hour)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+signed))
	got, err := intercept(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/labaudit.v1.AuditChain/Verify"}, handler)
	if err != nil || got != "tech-4" {
		t.Fatalf("expected actor tech-4, got %v err=%v", got, err)
	}
}
