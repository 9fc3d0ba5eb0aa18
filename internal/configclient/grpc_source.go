package configclient

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	configv1 "github.com/skingford/oxmon-web-sub003/api/proto/v1"
	"github.com/skingford/oxmon-web-sub003/internal/configcache"
	"github.com/skingford/oxmon-web-sub003/internal/tracing"
)

// TokenFunc 回傳目前的 bearer token，空字串表示不帶授權
type TokenFunc func() string

// GrpcSource 透過 gRPC 連到設定服務的 configcache.Source
type GrpcSource struct {
	client configv1.ConfigServiceClient
	token  TokenFunc
}

// NewGrpcSource 以既有連線建立 Source；token 可為 nil
func NewGrpcSource(conn grpc.ClientConnInterface, token TokenFunc) *GrpcSource {
	return &GrpcSource{
		client: configv1.NewConfigServiceClient(conn),
		token:  token,
	}
}

// Dial 建立到設定服務的連線（不加密，用於內網/本機）
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial config service %s: %w", addr, err)
	}
	return conn, nil
}

// RuntimeConfig 實作 configcache.Source
func (s *GrpcSource) RuntimeConfig(ctx context.Context) (cfg map[string]interface{}, err error) {
	ctx, span := startCall(ctx, "GetRuntimeConfig")
	defer func() { tracing.End(span, err) }()

	resp, err := s.client.GetRuntimeConfig(s.outgoing(ctx), &emptypb.Empty{})
	if err != nil {
		return nil, toAPIError(err)
	}
	return resp.AsMap(), nil
}

// SystemConfigs 實作 configcache.Source
func (s *GrpcSource) SystemConfigs(ctx context.Context) (out []map[string]interface{}, err error) {
	ctx, span := startCall(ctx, "ListSystemConfigs")
	defer func() { tracing.End(span, err) }()

	resp, err := s.client.ListSystemConfigs(s.outgoing(ctx), &emptypb.Empty{})
	if err != nil {
		return nil, toAPIError(err)
	}

	items := resp.AsSlice()
	out = make([]map[string]interface{}, 0, len(items))
	for i, item := range items {
		cfg, ok := item.(map[string]interface{})
		if !ok {
			return nil, &configcache.APIError{
				Status:  http.StatusBadGateway,
				Message: fmt.Sprintf("system config %d is not an object", i),
			}
		}
		out = append(out, cfg)
	}
	return out, nil
}

func startCall(ctx context.Context, method string) (context.Context, trace.Span) {
	return tracing.StartSpan(ctx, "configclient."+method,
		attribute.String("rpc.system", "grpc"),
		attribute.String("rpc.service", configv1.ServiceName),
		attribute.String("rpc.method", method))
}

func (s *GrpcSource) outgoing(ctx context.Context) context.Context {
	if s.token == nil {
		return ctx
	}
	if token := s.token(); token != "" {
		return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	return ctx
}

// toAPIError 將 gRPC 狀態碼轉為 HTTP 語意的狀態碼
func toAPIError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &configcache.APIError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	return &configcache.APIError{Status: HTTPStatus(st.Code()), Message: st.Message()}
}

// HTTPStatus gRPC 狀態碼對應的 HTTP 狀態碼
func HTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
