package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"iap-helper/internal/response"
	"iap-helper/pkg/logging"
)

// NotificationIDHeader identifies a settlement notification.
const NotificationIDHeader = "X-Notification-ID"

// ReplayProtection 重放攻击防护
type ReplayProtection struct {
	processed       map[string]time.Time
	mutex           sync.Mutex
	cleanupInterval time.Duration
	ttl             time.Duration
	now             func() time.Time
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewReplayProtection 创建重放攻击防护实例
func NewReplayProtection(ttl time.Duration) *ReplayProtection {
	if ttl <= 0 {
		ttl = 24 * time.Hour // 通知记录保存24小时
	}
	rp := &ReplayProtection{
		processed:       make(map[string]time.Time),
		cleanupInterval: time.Hour, // 每小时清理一次
		ttl:             ttl,
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
	}

	// 启动清理协程
	go rp.startCleanupRoutine()

	return rp
}

// IsReplay reports whether id was already seen within the TTL and records it
// otherwise. An empty id is never a replay.
func (rp *ReplayProtection) IsReplay(id string) bool {
	if id == "" {
		logging.Debugf("Notification ID is empty, skipping replay check")
		return false
	}

	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	key := notificationKey(id)
	now := rp.now()
	if processedTime, exists := rp.processed[key]; exists && now.Sub(processedTime) <= rp.ttl {
		logging.Infof("Replay detected - notification_id: %s, previously processed at: %v", key, processedTime)
		return true
	}

	rp.processed[key] = now
	return false
}

// Middleware rejects requests whose X-Notification-ID was already processed.
func (rp *ReplayProtection) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rp.IsReplay(c.GetHeader(NotificationIDHeader)) {
			response.AbortWithError(c, http.StatusConflict, "Notification already processed")
			return
		}
		c.Next()
	}
}

// notificationKey 使用 SHA256 哈希生成唯一标识符
func notificationKey(id string) string {
	hash := sha256.Sum256([]byte(id))
	return hex.EncodeToString(hash[:])
}

// startCleanupRoutine 启动清理协程
func (rp *ReplayProtection) startCleanupRoutine() {
	ticker := time.NewTicker(rp.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rp.cleanup()
		case <-rp.stopCleanup:
			return
		}
	}
}

// cleanup 清理过期的通知记录
func (rp *ReplayProtection) cleanup() int {
	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	now := rp.now()
	initialCount := len(rp.processed)
	for key, processedTime := range rp.processed {
		if now.Sub(processedTime) > rp.ttl {
			delete(rp.processed, key)
		}
	}

	cleaned := initialCount - len(rp.processed)
	if cleaned > 0 {
		logging.Infof("Replay protection cleanup: removed %d expired notifications, remaining: %d", cleaned, len(rp.processed))
	}
	return cleaned
}

// Stop 停止清理协程
func (rp *ReplayProtection) Stop() {
	rp.stopOnce.Do(func() { close(rp.stopCleanup) })
}
