package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/auth"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/clock"
)

// LoginHandler exchanges operator credentials for a bearer token. Every
// attempt lands in the chain as LOGIN or LOGIN_FAILED.
type LoginHandler struct {
	Operators *auth.OperatorStore
	Signer    *auth.JWTSigner
	Recorder  *audit.Recorder
	Clock     clock.Clock
	TokenTTL  time.Duration
	Limiter   *rate.Limiter
}

func (h *LoginHandler) Register(mux *runtime.ServeMux) error {
	if err := route(mux, http.MethodPost, "/v1/auth/login", h.login); err != nil {
		return err
	}
	return route(mux, http.MethodPost, "/v1/auth/logout", h.logout)
}

func (h *LoginHandler) now() time.Time {
	if h.Clock == nil {
		return time.Now().UTC()
	}
	return h.Clock.Now().UTC()
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	ActorID     string    `json:"actor_id"`
}

func (h *LoginHandler) login(ctx context.Context, w http.ResponseWriter, r *http.Request, _ map[string]string) (proto.Message, error) {
	if h.Limiter != nil && !h.Limiter.Allow() {
		return nil, status.Error(codes.ResourceExhausted, "too many login attempts")
	}
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode login: %v", err)
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		return nil, status.Error(codes.InvalidArgument, "username and password are required")
	}

	actor, err := h.Operators.Authenticate(req.Username, req.Password)
	if err != nil {
		reason := "invalid credentials"
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			reason = err.Error()
		}
		h.Recorder.Record(ctx, audit.ActionLoginFailed, "operators", req.Username, audit.SystemActor, map[string]any{
			"username":  req.Username,
			"source_ip": remoteIP(r),
			"reason":    reason,
		})
		return nil, status.Error(codes.Unauthenticated, "invalid credentials")
	}

	token, exp, err := h.Signer.SignActor(actor, h.now(), h.TokenTTL)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "sign token: %v", err)
	}
	h.Recorder.Record(ctx, audit.ActionLogin, "operators", actor.ID, actor.ID, map[string]any{
		"source_ip": remoteIP(r),
	})
	return toMessage(loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   exp,
		ActorID:     actor.ID,
	})
}

// logout is advisory: tokens are stateless, so it only records the event
// for an authenticated caller.
func (h *LoginHandler) logout(ctx context.Context, _ http.ResponseWriter, r *http.Request, _ map[string]string) (proto.Message, error) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing actor")
	}
	h.Recorder.Record(ctx, audit.ActionLogout, "operators", actor.ID, actor.ID, map[string]any{
		"source_ip": remoteIP(r),
	})
	return toMessage(map[string]any{"logged_out": true})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
