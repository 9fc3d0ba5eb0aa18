package configcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skingford/oxmon-web-sub003/internal/auth"
	"github.com/skingford/oxmon-web-sub003/internal/storage"
	"github.com/skingford/oxmon-web-sub003/pkg/types"
)

func waitCommitted(t *testing.T, done <-chan bool) bool {
	t.Helper()
	select {
	case committed := <-done:
		return committed
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not finish")
		return false
	}
}

func seed(t *testing.T, store storage.Store, version string, updatedAt int64) {
	t.Helper()
	raw, err := encodeSnapshot(types.ConfigSnapshot{
		RuntimeConfig: map[string]interface{}{"version": version},
		UpdatedAt:     updatedAt,
	})
	require.NoError(t, err)
	require.NoError(t, store.Set(types.ConfigCacheKey, raw))
}

// ============================================================================
// Mount Tests
// ============================================================================

func TestMountWithoutSessionSkipsNetwork(t *testing.T) {
	tab := storage.NewMemoryOrigin().OpenTab("a")
	seed(t, tab, "cached", 10)
	src := newFakeSource("v1")
	p := NewProvider(newTestCache(t, tab, src), auth.Static(false), nil)

	done, err := p.Mount(context.Background())
	require.NoError(t, err)
	defer p.Unmount()

	assert.False(t, waitCommitted(t, done))
	state := p.State()
	assert.False(t, state.Loading)
	assert.False(t, state.Blocking)
	require.NotNil(t, state.Config)
	assert.Equal(t, "cached", state.Config.RuntimeConfig["version"])
	assert.Zero(t, src.callCount())
}

func TestMountTwice(t *testing.T) {
	tab := storage.NewMemoryOrigin().OpenTab("a")
	p := NewProvider(newTestCache(t, tab, newFakeSource("v1")), nil, nil)

	_, err := p.Mount(context.Background())
	require.NoError(t, err)
	defer p.Unmount()

	_, err = p.Mount(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyMounted)
}

// TestMountWithoutCacheBlocks 沒有快取時刷新為阻塞式（loading）
func TestMountWithoutCacheBlocks(t *testing.T) {
	tab := storage.NewMemoryOrigin().OpenTab("a")
	src := newFakeSource("v1")
	gate := make(chan struct{})
	src.gate = gate
	p := NewProvider(newTestCache(t, tab, src), auth.Static(true), nil)

	done, err := p.Mount(context.Background())
	require.NoError(t, err)
	defer p.Unmount()

	state := p.State()
	assert.Nil(t, state.Config)
	assert.True(t, state.Loading)
	assert.False(t, state.Refreshing)
	assert.True(t, state.Blocking)

	close(gate)
	assert.True(t, waitCommitted(t, done))

	state = p.State()
	assert.False(t, state.Blocking)
	assert.False(t, state.Loading)
	require.NotNil(t, state.Config)
	assert.Equal(t, "v1", state.Config.RuntimeConfig["version"])
	assert.Equal(t, state.Config, tab2Read(t, tab))
}

// TestMountWithCacheRefreshesSilently 有快取時立即可用，刷新為 silent
func TestMountWithCacheRefreshesSilently(t *testing.T) {
	tab := storage.NewMemoryOrigin().OpenTab("a")
	seed(t, tab, "cached", 10)
	src := newFakeSource("v2")
	gate := make(chan struct{})
	src.gate = gate
	p := NewProvider(newTestCache(t, tab, src), auth.Static(true), nil)

	done, err := p.Mount(context.Background())
	require.NoError(t, err)
	defer p.Unmount()

	state := p.State()
	require.NotNil(t, state.Config)
	assert.Equal(t, "cached", state.Config.RuntimeConfig["version"])
	assert.True(t, state.Refreshing)
	assert.False(t, state.Loading)
	assert.False(t, state.Blocking)

	close(gate)
	assert.True(t, waitCommitted(t, done))
	assert.Equal(t, "v2", p.Config().RuntimeConfig["version"])
}

// TestRefreshFailureKeepsSnapshot 刷新失敗不會清掉已有的快照
func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	tab := storage.NewMemoryOrigin().OpenTab("a")
	seed(t, tab, "cached", 10)
	src := newFakeSource("v2")
	src.set("v2", &APIError{Status: 401})
	p := NewProvider(newTestCache(t, tab, src), auth.Static(true), nil)

	done, err := p.Mount(context.Background())
	require.NoError(t, err)
	defer p.Unmount()
	assert.True(t, waitCommitted(t, done), "the failure itself is committed")

	state := p.State()
	require.NotNil(t, state.Config)
	assert.Equal(t, "cached", state.Config.RuntimeConfig["version"])
	assert.Contains(t, state.Error, "401")
	assert.False(t, state.Refreshing)

	snap := p.RefreshConfig(context.Background())
	require.NotNil(t, snap, "manual refresh returns the current snapshot on failure")
	assert.Equal(t, "cached", snap.RuntimeConfig["version"])
	assert.Equal(t, int64(10), tab2Read(t, tab).UpdatedAt, "storage untouched")
}

func TestRefreshConfigReturnsNewSnapshot(t *testing.T) {
	tab := storage.NewMemoryOrigin().OpenTab("a")
	src := newFakeSource("v1")
	p := NewProvider(newTestCache(t, tab, src), auth.Static(false), nil)

	_, err := p.Mount(context.Background())
	require.NoError(t, err)
	defer p.Unmount()

	snap := p.RefreshConfig(context.Background())
	require.NotNil(t, snap)
	assert.Equal(t, "v1", snap.RuntimeConfig["version"])
	assert.Same(t, snap, p.Config())
	assert.Empty(t, p.State().Error)
}

// TestSupersededRefreshIsNotAnError 快取已寫入較新的結果時，較早的刷新不顯示錯誤
func TestSupersededRefreshIsNotAnError(t *testing.T) {
	tab := storage.NewMemoryOrigin().OpenTab("a")
	gate := make(chan struct{})
	src := &scriptedSource{replies: []scriptedReply{
		{version: "old", gate: gate},
		{version: "new"},
	}}
	c := newTestCache(t, tab, src)
	p := NewProvider(c, auth.Static(false), nil)

	_, err := p.Mount(context.Background())
	require.NoError(t, err)
	defer p.Unmount()

	result := make(chan *types.ConfigSnapshot, 1)
	go func() { result <- p.RefreshConfig(context.Background()) }()
	require.Eventually(t, func() bool { return src.callCount() == 1 }, time.Second, time.Millisecond)

	// 不經過守衛的刷新先完成，守衛眼中最新的請求因此被快取拒絕
	_, err = c.Refresh(context.Background())
	require.NoError(t, err)
	close(gate)

	select {
	case snap := <-result:
		require.NotNil(t, snap)
		assert.Equal(t, "new", snap.RuntimeConfig["version"])
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not finish")
	}

	state := p.State()
	assert.Empty(t, state.Error)
	assert.False(t, state.Refreshing)
	assert.False(t, state.Loading)
	assert.Equal(t, "new", state.Config.RuntimeConfig["version"])
}

// ============================================================================
// Cross-Tab Tests
// ============================================================================

// TestProvidersConvergeAcrossTabs 任一分頁刷新或清除後，其他分頁的記憶體快照跟著改變
func TestProvidersConvergeAcrossTabs(t *testing.T) {
	origin := storage.NewMemoryOrigin()
	srcA := newFakeSource("from-a")
	a := NewProvider(newTestCache(t, origin.OpenTab("a"), srcA), auth.Static(false), nil)
	b := NewProvider(newTestCache(t, origin.OpenTab("b"), newFakeSource("from-b")), auth.Static(false), nil)

	ctx := context.Background()
	_, err := a.Mount(ctx)
	require.NoError(t, err)
	defer a.Unmount()
	_, err = b.Mount(ctx)
	require.NoError(t, err)
	defer b.Unmount()

	snap := a.RefreshConfig(ctx)
	require.NotNil(t, snap)

	require.Eventually(t, func() bool {
		cfg := b.Config()
		return cfg != nil && cfg.UpdatedAt == snap.UpdatedAt
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "from-a", b.Config().RuntimeConfig["version"])

	require.NoError(t, a.Clear())
	assert.Nil(t, a.Config())
	require.Eventually(t, func() bool { return b.Config() == nil }, time.Second, 5*time.Millisecond)
}

func TestUnmountStopsCrossTabUpdates(t *testing.T) {
	origin := storage.NewMemoryOrigin()
	writer := origin.OpenTab("a")
	p := NewProvider(newTestCache(t, origin.OpenTab("b"), newFakeSource("unused")), nil, nil)

	_, err := p.Mount(context.Background())
	require.NoError(t, err)
	p.Unmount()
	p.Unmount()

	seed(t, writer, "late", 99)
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, p.Config())
}

// ============================================================================
// Reconcile / Clear Tests
// ============================================================================

func TestReconcileAdoptsStorage(t *testing.T) {
	tab := storage.NewMemoryOrigin().OpenTab("a")
	p := NewProvider(newTestCache(t, tab, newFakeSource("v1")), nil, nil)

	_, err := p.Mount(context.Background())
	require.NoError(t, err)
	defer p.Unmount()

	assert.False(t, p.Reconcile(), "nothing to adopt")

	// 同分頁直接寫入儲存不會觸發通知，模擬漏掉的事件
	seed(t, tab, "missed", 42)
	assert.Nil(t, p.Config())

	assert.True(t, p.Reconcile())
	require.NotNil(t, p.Config())
	assert.Equal(t, int64(42), p.Config().UpdatedAt)
	assert.False(t, p.Reconcile())
}

func TestClearInvalidatesInFlightRefresh(t *testing.T) {
	tab := storage.NewMemoryOrigin().OpenTab("a")
	src := newFakeSource("v1")
	gate := make(chan struct{})
	src.gate = gate
	p := NewProvider(newTestCache(t, tab, src), auth.Static(true), nil)

	done, err := p.Mount(context.Background())
	require.NoError(t, err)
	defer p.Unmount()
	require.Eventually(t, func() bool { return src.callCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Clear())
	close(gate)

	assert.False(t, waitCommitted(t, done), "refresh superseded by clear")
	state := p.State()
	assert.Nil(t, state.Config)
	assert.False(t, state.Loading)
	assert.Empty(t, state.Error)
	assert.Nil(t, tab2Read(t, tab))
}

// tab2Read 以另一個快取實例讀取儲存（模擬其他分頁看到的值）
func tab2Read(t *testing.T, store storage.Store) *types.ConfigSnapshot {
	t.Helper()
	return NewCache(store, nil, Config{}).Read()
}
