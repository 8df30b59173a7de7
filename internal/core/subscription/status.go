package subscription

import (
	"sync"

	"tomoon_nexus/internal/shared/types"
)

// StatusTracker 记录一个后台任务的进度，供前端轮询。
type StatusTracker struct {
	mu        sync.RWMutex
	status    types.TaskStatus
	lastError string
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{status: types.StatusNone}
}

// Begin 在任务空闲时把状态置为 busy 并返回 true；已有任务进行中时返回 false。
func (t *StatusTracker) Begin(busy types.TaskStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Busy() {
		return false
	}
	t.status = busy
	t.lastError = ""
	return true
}

// Finish 根据 err 把状态置为 Success 或 Failed。
func (t *StatusTracker) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.status = types.StatusFailed
		t.lastError = err.Error()
		return
	}
	t.status = types.StatusSuccess
	t.lastError = ""
}

func (t *StatusTracker) Get() types.TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// LastError 返回最近一次失败的原因。
func (t *StatusTracker) LastError() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastError
}
