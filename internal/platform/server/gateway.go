package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit"
)

// gatewayFunc handles one gateway route. Returned errors are rendered through
// runtime.HTTPError after mapping to a grpc status.
type gatewayFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, params map[string]string) (proto.Message, error)

func serveGateway(mux *runtime.ServeMux, fn gatewayFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		ctx := runtime.NewServerMetadataContext(r.Context(), runtime.ServerMetadata{})
		_, outbound := runtime.MarshalerForRequest(mux, r)
		msg, err := fn(ctx, w, r, params)
		if err != nil {
			runtime.HTTPError(ctx, mux, outbound, w, r, grpcError(err))
			return
		}
		runtime.ForwardResponseMessage(ctx, mux, outbound, w, r, msg)
	}
}

// grpcError maps domain errors onto grpc codes.
func grpcError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, audit.ErrInvalidEvent):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, audit.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toMessage renders v through its JSON tags into a structpb.Struct. v must
// encode to a JSON object.
func toMessage(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func queryInt64(r *http.Request, key string) (*int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", key)
	}
	return &v, nil
}

func route(mux *runtime.ServeMux, method, pattern string, fn gatewayFunc) error {
	if err := mux.HandlePath(method, pattern, serveGateway(mux, fn)); err != nil {
		return fmt.Errorf("register %s %s: %w", method, pattern, err)
	}
	return nil
}
