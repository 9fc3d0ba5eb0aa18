// ============================================================================
// oxmon-sync Config Service - 設定服務（gRPC 伺服器端）
// ============================================================================
//
// Package: internal/configserver
// 文件: server.go
// 功能: 提供 oxmon.config.v1.ConfigService，回傳執行期設定與系統設定列表
//
// 資料來源:
//   YAML 檔案（runtimeConfig / systemConfigs），可在執行期以 Update 整份替換。
//   每次回應都是同一份資料的一致快照。
//
// 授權:
//   設定 token 時，請求必須帶 "authorization: Bearer <token>" metadata，
//   否則回傳 codes.Unauthenticated。token 也可以設定為 bcrypt 雜湊。
//
// ============================================================================

package configserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	configv1 "github.com/skingford/oxmon-web-sub003/api/proto/v1"
	"github.com/skingford/oxmon-web-sub003/pkg/types"
)

var log = slog.Default()

// ErrInvalidData 設定資料不符合格式
var ErrInvalidData = errors.New("invalid config data")

// Data 服務提供的設定
type Data struct {
	RuntimeConfig map[string]interface{}   `yaml:"runtimeConfig"`
	SystemConfigs []map[string]interface{} `yaml:"systemConfigs"`
}

// Validate 每個系統設定都必須有字串 id，且不可重複
func (d Data) Validate() error {
	seen := make(map[string]bool, len(d.SystemConfigs))
	for i, cfg := range d.SystemConfigs {
		id := types.SystemConfigID(cfg)
		if id == "" {
			return fmt.Errorf("%w: systemConfigs[%d] has no string id", ErrInvalidData, i)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate system config id %q", ErrInvalidData, id)
		}
		seen[id] = true
	}
	return nil
}

// ParseData 解析 YAML 設定資料
func ParseData(raw []byte) (Data, error) {
	var d Data
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	if d.RuntimeConfig == nil {
		d.RuntimeConfig = map[string]interface{}{}
	}
	if err := d.Validate(); err != nil {
		return Data{}, err
	}
	return d, nil
}

// LoadData 從檔案載入設定資料
func LoadData(path string) (Data, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Data{}, fmt.Errorf("failed to read config data: %w", err)
	}
	return ParseData(raw)
}

// Server ConfigService 實作
type Server struct {
	token string

	mu   sync.RWMutex
	data Data
}

// NewServer 建立服務；token 為空時不檢查授權
//
// token 可以是明文或 bcrypt 雜湊（$2a$/$2b$/$2y$ 開頭），雜湊時以 bcrypt 比對。
func NewServer(data Data, token string) (*Server, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	return &Server{token: token, data: data}, nil
}

// Update 整份替換設定資料
func (s *Server) Update(data Data) error {
	if err := data.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	log.Info("Config data updated", "systemConfigs", len(data.SystemConfigs))
	return nil
}

// GetRuntimeConfig 回傳執行期設定
func (s *Server) GetRuntimeConfig(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, err := structpb.NewStruct(s.data.RuntimeConfig)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode runtime config: %v", err)
	}
	return out, nil
}

// ListSystemConfigs 回傳系統設定列表
func (s *Server) ListSystemConfigs(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]interface{}, len(s.data.SystemConfigs))
	for i, cfg := range s.data.SystemConfigs {
		items[i] = cfg
	}
	out, err := structpb.NewList(items)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode system configs: %v", err)
	}
	return out, nil
}

// UnaryInterceptor 授權檢查與存取日誌
func (s *Server) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		if err := s.authorize(ctx); err != nil {
			log.Warn("Rejected config request", "method", info.FullMethod, "error", err)
			return nil, err
		}

		resp, err := handler(ctx, req)
		log.Debug("Served config request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return resp, err
	}
}

func (s *Server) authorize(ctx context.Context) error {
	if s.token == "" {
		return nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get("authorization") {
		token, ok := strings.CutPrefix(v, "Bearer ")
		if ok && s.tokenMatches(token) {
			return nil
		}
	}
	return status.Error(codes.Unauthenticated, "missing or invalid bearer token")
}

func (s *Server) tokenMatches(token string) bool {
	if isBcryptHash(s.token) {
		return bcrypt.CompareHashAndPassword([]byte(s.token), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

func isBcryptHash(s string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// HashToken 產生可直接放進 service.token 的 bcrypt 雜湊
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// NewGRPCServer 建立已註冊服務的 grpc.Server
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.UnaryInterceptor(s.UnaryInterceptor()))
	g := grpc.NewServer(opts...)
	configv1.RegisterConfigServiceServer(g, s)
	return g
}

// Serve 在 lis 上提供服務，ctx 結束時優雅關閉
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	g := s.NewGRPCServer()

	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()

	log.Info("Config service listening", "address", lis.Addr().String())
	if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("config service stopped: %w", err)
	}
	return nil
}
