package globalstate

import (
	"sync"

	"tomoon_nexus/internal/shared/types"
)

// StatusManager 保存内核启停操作的进度 (None/Loading/Success/Failed)。
// 由 AppServer 创建并注入，不再使用包级全局变量。
type StatusManager struct {
	mu     sync.RWMutex
	status types.TaskStatus
	detail string
}

func NewStatusManager() *StatusManager {
	return &StatusManager{status: types.StatusNone}
}

// Set 方法用于安全地更新状态。
func (sm *StatusManager) Set(newStatus types.TaskStatus, detail string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.status = newStatus
	sm.detail = detail
}

// Get 方法用于安全地读取状态。
func (sm *StatusManager) Get() types.TaskStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}

// Detail 返回最近一次失败的说明。
func (sm *StatusManager) Detail() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.detail
}
