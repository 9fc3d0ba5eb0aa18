package configclient

import (
	"context"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	configv1 "github.com/skingford/oxmon-web-sub003/api/proto/v1"
	"github.com/skingford/oxmon-web-sub003/internal/configcache"
	"github.com/skingford/oxmon-web-sub003/internal/configserver"
	"github.com/skingford/oxmon-web-sub003/internal/storage"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// dialBufconn 在記憶體中啟動 gRPC 伺服器並回傳連線
func dialBufconn(t *testing.T, g *grpc.Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testData(t *testing.T) configserver.Data {
	t.Helper()
	data, err := configserver.ParseData([]byte(`
runtimeConfig:
  siteName: oxmon
  retentionDays: 30
  features:
    certificates: true
systemConfigs:
  - id: smtp
    enabled: true
    port: 587
  - id: webhook
    enabled: false
`))
	require.NoError(t, err)
	return data
}

func startServer(t *testing.T, token string) (*configserver.Server, *grpc.ClientConn) {
	t.Helper()
	srv, err := configserver.NewServer(testData(t), token)
	require.NoError(t, err)
	return srv, dialBufconn(t, srv.NewGRPCServer())
}

// failingServer 一律回傳指定狀態碼
type failingServer struct {
	code codes.Code
}

func (f failingServer) GetRuntimeConfig(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(f.code, "boom")
}

func (f failingServer) ListSystemConfigs(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	return nil, status.Error(f.code, "boom")
}

// ============================================================================
// Tests
// ============================================================================

func TestGrpcSourceFetchesConfig(t *testing.T) {
	_, conn := startServer(t, "")
	src := NewGrpcSource(conn, nil)

	runtime, err := src.RuntimeConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "oxmon", runtime["siteName"])
	assert.Equal(t, float64(30), runtime["retentionDays"], "numbers travel as JSON numbers")
	assert.Equal(t, map[string]interface{}{"certificates": true}, runtime["features"])

	system, err := src.SystemConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, system, 2)
	assert.Equal(t, "smtp", system[0]["id"])
	assert.Equal(t, float64(587), system[0]["port"])
}

func TestGrpcSourceSendsToken(t *testing.T) {
	_, conn := startServer(t, "s3cret")

	_, err := NewGrpcSource(conn, nil).RuntimeConfig(context.Background())
	assert.Equal(t, http.StatusUnauthorized, configcache.StatusOf(err))

	_, err = NewGrpcSource(conn, func() string { return "wrong" }).RuntimeConfig(context.Background())
	assert.Equal(t, http.StatusUnauthorized, configcache.StatusOf(err))

	_, err = NewGrpcSource(conn, func() string { return "s3cret" }).RuntimeConfig(context.Background())
	assert.NoError(t, err)
}

func TestGrpcSourceStatusMapping(t *testing.T) {
	cases := map[codes.Code]int{
		codes.Unauthenticated:  http.StatusUnauthorized,
		codes.PermissionDenied: http.StatusForbidden,
		codes.NotFound:         http.StatusNotFound,
		codes.Unavailable:      http.StatusServiceUnavailable,
		codes.DeadlineExceeded: http.StatusGatewayTimeout,
		codes.Internal:         http.StatusInternalServerError,
	}
	for code, want := range cases {
		t.Run(code.String(), func(t *testing.T) {
			g := grpc.NewServer()
			configv1.RegisterConfigServiceServer(g, failingServer{code: code})
			src := NewGrpcSource(dialBufconn(t, g), nil)

			_, err := src.SystemConfigs(context.Background())
			require.Error(t, err)
			assert.Equal(t, want, configcache.StatusOf(err))
			assert.Contains(t, err.Error(), "boom")
		})
	}
}

// TestGrpcSourceFeedsCache 透過 gRPC 刷新快取，伺服器資料更新後再次刷新
func TestGrpcSourceFeedsCache(t *testing.T) {
	srv, conn := startServer(t, "")
	tab := storage.NewMemoryOrigin().OpenTab("a")
	cache := configcache.NewCache(tab, NewGrpcSource(conn, nil), configcache.Config{})

	snap, err := cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snap.SystemConfig("webhook"))

	next := testData(t)
	next.SystemConfigs = next.SystemConfigs[:1]
	require.NoError(t, srv.Update(next))

	snap, err = cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.SystemConfig("webhook"))
	assert.Equal(t, snap, cache.Read())
}
