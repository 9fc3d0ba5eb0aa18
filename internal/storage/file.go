package storage

// ============================================================================
// 職責說明：
// 1. 每個鍵存成目錄下的一個檔案
// 2. 使用原子性寫入（temp file + rename）防止其他分頁讀到半成品
// 3. 以 CRC32 校驗和輪詢偵測其他分頁的寫入，略過自己寫入的內容
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const fileSuffix = ".json"

// fileState 一個鍵在磁碟上的狀態
type fileState struct {
	exists bool
	sum    uint32
}

// FileStore 以目錄作為 Origin 的檔案儲存
type FileStore struct {
	dir      string
	id       string
	interval time.Duration

	mu       sync.Mutex
	watchers map[*fileWatcher]struct{}
	closed   bool
	done     chan struct{}
}

// fileWatcher 單一 Watch 的狀態
//
// pending 記錄此分頁寫入後、尚未被掃描到的狀態。掃描到一次後即刪除，
// 之後同一個鍵的任何變化都視為其他分頁造成。
type fileWatcher struct {
	pending map[string]fileState
}

// NewFileStore 建立檔案儲存，目錄不存在時自動建立
func NewFileStore(dir, tabID string, interval time.Duration) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: file backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if tabID == "" {
		tabID = NewTabID()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &FileStore{
		dir:      dir,
		id:       tabID,
		interval: interval,
		watchers: make(map[*fileWatcher]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// ID 回傳分頁 ID
func (s *FileStore) ID() string { return s.id }

// Dir 回傳儲存目錄（用於測試與除錯）
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, url.QueryEscape(key)+fileSuffix)
}

func (s *FileStore) checkOpen(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get 讀取鍵值
func (s *FileStore) Get(key string) ([]byte, bool, error) {
	if err := s.checkOpen(key); err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, true, nil
}

// Set 原子性寫入
//
// 1. 寫入此分頁專屬的臨時檔案
// 2. 使用 os.Rename 原子性替換原始檔案
func (s *FileStore) Set(key string, value []byte) error {
	if err := s.checkOpen(key); err != nil {
		return err
	}

	target := s.path(key)
	tmpPath := target + "." + s.id + ".tmp"

	if err := os.WriteFile(tmpPath, value, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", key, err)
	}
	s.recordLocked(key, fileState{exists: true, sum: crc32.ChecksumIEEE(value)})
	return nil
}

// Remove 移除鍵
func (s *FileStore) Remove(key string) error {
	if err := s.checkOpen(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	s.recordLocked(key, fileState{})
	return nil
}

// recordLocked 通知所有 watcher 略過下一次看到的本分頁寫入（呼叫端須持有鎖）
func (s *FileStore) recordLocked(key string, st fileState) {
	for w := range s.watchers {
		w.pending[key] = st
	}
}

// Watch 輪詢目錄，回報其他分頁造成的變更
func (s *FileStore) Watch(ctx context.Context) (<-chan Change, error) {
	w := &fileWatcher{pending: make(map[string]fileState)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	unregister := func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	}

	seen, err := s.scan()
	if err != nil {
		unregister()
		return nil, err
	}

	ch := make(chan Change, watchBuffer)
	go func() {
		defer close(ch)
		defer unregister()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				current, err := s.scan()
				if err != nil {
					log.Error("Failed to scan store directory", "dir", s.dir, "error", err)
					continue
				}
				s.diff(w, seen, current, ch)
				seen = current
			}
		}
	}()

	return ch, nil
}

// diff 比對前後兩次掃描結果並送出變更
func (s *FileStore) diff(w *fileWatcher, prev, current map[string]fileState, ch chan<- Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, st := range current {
		if old, ok := prev[key]; ok && old == st {
			continue
		}
		if w.own(key, st) {
			continue
		}
		sendChange(ch, Change{Key: key})
	}
	for key := range prev {
		if _, ok := current[key]; ok {
			continue
		}
		if w.own(key, fileState{}) {
			continue
		}
		sendChange(ch, Change{Key: key, Removed: true})
	}
}

// own 回報 st 是否為本分頁最後一次寫入的結果，並清除該筆記錄
//
// 狀態不符時同樣清除：本分頁的寫入已被其他分頁覆蓋。
func (w *fileWatcher) own(key string, st fileState) bool {
	pending, ok := w.pending[key]
	if !ok {
		return false
	}
	delete(w.pending, key)
	return pending == st
}

// scan 讀取目錄下所有鍵的校驗和
func (s *FileStore) scan() (map[string]fileState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	out := make(map[string]fileState, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		key, err := url.QueryUnescape(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out[key] = fileState{exists: true, sum: crc32.ChecksumIEEE(data)}
	}
	return out, nil
}

// Close 停止所有 watcher
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}
