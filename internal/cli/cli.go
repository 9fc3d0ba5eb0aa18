// ============================================================================
// oxmon-sync CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: 以 Cobra 組裝設定服務、設定快取與查詢參數同步的命令列介面
//
// Command Structure:
//   oxmon-sync                     # Root command
//   ├── serve                      # 啟動設定服務 + 快取 Provider + 管理 API
//   ├── cache                      # 直接操作持久化快取
//   │   ├── read                  # 印出目前快照
//   │   ├── refresh               # 向設定服務刷新並寫入
//   │   ├── clear                 # 清除快照（登出）
//   │   └── watch                 # 持續印出其他行程造成的變更
//   ├── query                      # 查詢參數工具
//   │   └── canon <href>          # 印出正規化後的 href 與篩選狀態
//   ├── status                     # 顯示設定與快取狀態
//   ├── token hash <token>         # 產生 service.token 用的 bcrypt 雜湊
//   ├── --config, -c               # 指定設定檔（預設 configs/default.yaml）
//   └── --version
//
// serve Command:
//   1. 載入設定檔
//   2. service.data_file 有設定時，在 service.listen 啟動 gRPC 設定服務
//   3. 開啟持久化儲存，連線到設定服務，掛載 Provider
//   4. 在 api.listen 啟動管理 HTTP API
//   5. 啟動 Metrics HTTP server（若啟用），依 tracing 設定安裝 exporter
//   6. 等待 SIGINT / SIGTERM 後依序關閉
//
//   Examples:
//     ./oxmon-sync serve
//     ./oxmon-sync serve -c configs/dev.yaml
//
// 多個行程以同一個 file/sqlite 儲存啟動時，彼此的刷新與清除會互相傳播，
// 行為與同一瀏覽器的多個分頁相同。
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skingford/oxmon-web-sub003/internal/api"
	"github.com/skingford/oxmon-web-sub003/internal/auth"
	"github.com/skingford/oxmon-web-sub003/internal/configcache"
	"github.com/skingford/oxmon-web-sub003/internal/configclient"
	"github.com/skingford/oxmon-web-sub003/internal/configserver"
	"github.com/skingford/oxmon-web-sub003/internal/metrics"
	"github.com/skingford/oxmon-web-sub003/internal/querysync"
	"github.com/skingford/oxmon-web-sub003/internal/storage"
	"github.com/skingford/oxmon-web-sub003/internal/tracing"
	"github.com/skingford/oxmon-web-sub003/pkg/types"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Storage storage.Config `yaml:"storage"`

	Service struct {
		Listen   string `yaml:"listen"`    // gRPC 設定服務監聽位址
		DataFile string `yaml:"data_file"` // 設定資料 YAML，空值時不啟動服務
		Token    string `yaml:"token"`     // 要求的 bearer token，空值時不驗證
	} `yaml:"service"`

	Client struct {
		Address     string        `yaml:"address"`      // 設定服務位址，空值時使用 service.listen
		Token       string        `yaml:"token"`        // 送出的 bearer token
		TokenExpiry time.Duration `yaml:"token_expiry"` // token 有效期，0 表示不過期
	} `yaml:"client"`

	API struct {
		Listen string `yaml:"listen"`
	} `yaml:"api"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Tracing tracing.Config `yaml:"tracing"`
}

// refreshTimeout 單次命令列刷新的逾時
const refreshTimeout = 10 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oxmon-sync",
		Short: "oxmon-sync: shared configuration cache and query state sync",
		Long: `oxmon-sync keeps a server-backed configuration snapshot in durable storage:
- cross-process propagation of refreshes and clears
- last-request-wins guards for async loads
- canonical URL query state for list pages
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildCacheCommand())
	rootCmd.AddCommand(buildQueryCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildTokenCommand())

	return rootCmd
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the config service, cache provider and admin API",
		Long:  "Start the gRPC config service (when data_file is set), mount the config provider and serve the admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	return cmd
}

func runServe() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, "oxmon-sync", cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("Tracing shutdown error: %v\n", err)
		}
	}()

	// 設定服務
	if cfg.Service.DataFile != "" {
		data, err := configserver.LoadData(cfg.Service.DataFile)
		if err != nil {
			return err
		}
		srv, err := configserver.NewServer(data, cfg.Service.Token)
		if err != nil {
			return err
		}
		lis, err := net.Listen("tcp", cfg.Service.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Service.Listen, err)
		}
		go func() {
			if err := srv.Serve(ctx, lis); err != nil {
				log.Printf("Config service error: %v\n", err)
			}
		}()
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()
	log.Printf("Storage backend %q opened as tab %s\n", backendName(cfg), store.ID())

	source, session, closeSource, err := newSource(cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	cache := configcache.NewCache(store, source, configcache.Config{Metrics: collector})
	provider := configcache.NewProvider(cache, session, collector)

	done, err := provider.Mount(ctx)
	if err != nil {
		return fmt.Errorf("failed to mount config provider: %w", err)
	}
	defer provider.Unmount()

	go func() {
		if <-done {
			log.Println("Initial config refresh committed")
			return
		}
		if msg := provider.State().Error; msg != "" {
			log.Printf("Initial config refresh failed: %s\n", msg)
		}
	}()

	// Start Metrics
	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    cfg.API.Listen,
		Handler: api.NewRouter(provider, metrics.Handler()),
	}
	go func() {
		log.Printf("Admin API listening on %s\n", cfg.API.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Admin API error: %v\n", err)
		}
	}()

	log.Println("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("\nReceived shutdown signal, stopping gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Admin API shutdown error: %v\n", err)
	}

	log.Println("System stopped. Goodbye!")
	return nil
}

// newSource 建立 gRPC 設定來源與對應的 session
//
// client.token 為空時視為本機開發環境：session 永遠有效且不送出授權標頭。
func newSource(cfg *Config) (configcache.Source, auth.Session, func(), error) {
	addr := cfg.Client.Address
	if addr == "" {
		addr = cfg.Service.Listen
	}
	if addr == "" {
		return nil, nil, nil, fmt.Errorf("client.address is required")
	}

	conn, err := configclient.Dial(addr)
	if err != nil {
		return nil, nil, nil, err
	}
	closeConn := func() { conn.Close() }

	if cfg.Client.Token == "" {
		return configclient.NewGrpcSource(conn, nil), auth.Static(true), closeConn, nil
	}

	var expires time.Time
	if cfg.Client.TokenExpiry > 0 {
		expires = time.Now().Add(cfg.Client.TokenExpiry)
	}
	session := auth.NewTokenSession(cfg.Client.Token, expires)
	return configclient.NewGrpcSource(conn, session.Token), session, closeConn, nil
}

// ============================================================================
// cache
// ============================================================================

func buildCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or modify the persisted config cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "read",
		Short: "Print the cached config snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(false, func(ctx context.Context, cache *configcache.Cache) error {
				return readCache(cmd.OutOrStdout(), cache)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Fetch config from the config service and persist it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(true, func(ctx context.Context, cache *configcache.Cache) error {
				return refreshCache(ctx, cmd.OutOrStdout(), cache)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the cached config snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(false, func(ctx context.Context, cache *configcache.Cache) error {
				if err := cache.Clear(); err != nil {
					return fmt.Errorf("failed to clear config cache: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "config cache cleared")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Print config changes made by other processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(false, func(ctx context.Context, cache *configcache.Cache) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return watchCache(ctx, cmd.OutOrStdout(), cache)
			})
		},
	})

	return cmd
}

// withCache 依設定檔開啟儲存與快取後執行 fn
func withCache(needSource bool, fn func(context.Context, *configcache.Cache) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	var source configcache.Source
	if needSource {
		src, _, closeSource, err := newSource(cfg)
		if err != nil {
			return err
		}
		defer closeSource()
		source = src
	}

	return fn(ctx, configcache.NewCache(store, source, configcache.Config{}))
}

func readCache(out io.Writer, cache *configcache.Cache) error {
	snap := cache.Read()
	if snap == nil {
		fmt.Fprintln(out, "no cached config")
		return nil
	}
	return printJSON(out, snap)
}

func refreshCache(ctx context.Context, out io.Writer, cache *configcache.Cache) error {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	snap, err := cache.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh config (status %d): %w", configcache.StatusOf(err), err)
	}
	return printJSON(out, snap)
}

// watchCache 每次其他行程寫入或清除時印出一行 JSON，直到 ctx 結束
func watchCache(ctx context.Context, out io.Writer, cache *configcache.Cache) error {
	updates := make(chan configcache.Update, 16)
	unsubscribe := cache.Bus().Subscribe(func(u configcache.Update) {
		select {
		case updates <- u:
		default:
		}
	})
	defer unsubscribe()

	if err := cache.Listen(ctx); err != nil {
		return fmt.Errorf("failed to watch storage: %w", err)
	}

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			if err := enc.Encode(u.Snapshot); err != nil {
				return err
			}
		}
	}
}

// ============================================================================
// query
// ============================================================================

func buildQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query-string state tools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "canon <href>",
		Short: "Print the canonical href and filter state for a list page URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return canonicalize(cmd.OutOrStdout(), args[0])
		},
	})

	return cmd
}

// canonResult query canon 的輸出
type canonResult struct {
	Href    string      `json:"href"`
	Changed bool        `json:"changed"`
	State   interface{} `json:"state"`
}

// canonicalize 依路徑判斷頁面，輸出正規化結果
func canonicalize(out io.Writer, href string) error {
	loc, err := querysync.ParseHref(href)
	if err != nil {
		return fmt.Errorf("invalid href %q: %w", href, err)
	}

	var result canonResult
	switch {
	case strings.HasSuffix(loc.Path, "/certificates/domains"):
		canon, values := querysync.Canonical(loc, querysync.DomainFilterFields())
		result = canonResult{Href: canon.Href(), Changed: !canon.Equal(loc), State: querysync.DomainFiltersFromValues(values)}
	case strings.HasSuffix(loc.Path, "/alerts"):
		canon, values := querysync.Canonical(loc, querysync.AlertFilterFields())
		result = canonResult{Href: canon.Href(), Changed: !canon.Equal(loc), State: querysync.AlertFiltersFromValues(values)}
	default:
		return fmt.Errorf("no query-synced page for path %q", loc.Path)
	}
	return printJSON(out, result)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration, storage and cached snapshot status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(out io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           oxmon-sync Status                               ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Service Listen:  %s\n", valueOr(cfg.Service.Listen, "-"))
	fmt.Fprintf(out, "  ├─ Service Data:    %s\n", valueOr(cfg.Service.DataFile, "(service disabled)"))
	fmt.Fprintf(out, "  ├─ Client Address:  %s\n", valueOr(cfg.Client.Address, valueOr(cfg.Service.Listen, "-")))
	fmt.Fprintf(out, "  └─ Admin API:       %s\n", valueOr(cfg.API.Listen, "-"))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Storage:")
	fmt.Fprintf(out, "  ├─ Backend:         %s\n", backendName(cfg))
	switch cfg.Storage.Backend {
	case storage.BackendFile:
		fmt.Fprintf(out, "  ├─ Directory:       %s\n", cfg.Storage.Dir)
	case storage.BackendSQLite:
		fmt.Fprintf(out, "  ├─ Database:        %s\n", cfg.Storage.Path)
	}
	fmt.Fprintf(out, "  └─ Poll Interval:   %s\n", pollInterval(cfg))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📦 Cached Config:")
	snap := readStatusSnapshot(cfg)
	if snap == nil {
		fmt.Fprintln(out, "  └─ No cached config (run 'oxmon-sync cache refresh' to fetch)")
	} else {
		updated := time.UnixMilli(snap.UpdatedAt).UTC().Format(time.RFC3339)
		fmt.Fprintf(out, "  ├─ Updated At:      %s\n", updated)
		fmt.Fprintf(out, "  ├─ Runtime Keys:    %d\n", len(snap.RuntimeConfig))
		fmt.Fprintf(out, "  └─ System Configs:  %d\n", len(snap.SystemConfigs))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// readStatusSnapshot 讀取快取，任何錯誤都視為沒有快取
func readStatusSnapshot(cfg *Config) *types.ConfigSnapshot {
	if backendName(cfg) == storage.BackendMemory {
		return nil
	}
	store, err := storage.Open(context.Background(), cfg.Storage)
	if err != nil {
		log.Printf("Failed to open storage: %v\n", err)
		return nil
	}
	defer store.Close()
	return configcache.NewCache(store, nil, configcache.Config{}).Read()
}

// ============================================================================
// token
// ============================================================================

func buildTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Service token helpers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "hash <token>",
		Short: "Print a bcrypt hash usable as service.token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := configserver.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})

	return cmd
}

// ============================================================================
// helpers
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func backendName(cfg *Config) string {
	if cfg.Storage.Backend == "" {
		return storage.BackendMemory
	}
	return cfg.Storage.Backend
}

func pollInterval(cfg *Config) time.Duration {
	if cfg.Storage.PollInterval <= 0 {
		return storage.DefaultPollInterval
	}
	return cfg.Storage.PollInterval
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
