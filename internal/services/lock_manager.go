// internal/services/lock_manager.go
package services

import (
	"sync"
)

// LockManager 按作品 ID 分配互斥锁，保护图片映射与选择记录的读-改-写
type LockManager struct {
	workLocks  map[string]*lockInfo
	globalLock sync.Mutex
}

type lockInfo struct {
	mu   sync.Mutex
	refs int // 持有或等待该锁的协程数，归零时回收
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	return &LockManager{workLocks: make(map[string]*lockInfo)}
}

func (lm *LockManager) acquire(workID string) *lockInfo {
	lm.globalLock.Lock()
	info, ok := lm.workLocks[workID]
	if !ok {
		info = &lockInfo{}
		lm.workLocks[workID] = info
	}
	info.refs++
	lm.globalLock.Unlock()
	return info
}

func (lm *LockManager) release(workID string, info *lockInfo) {
	lm.globalLock.Lock()
	info.refs--
	if info.refs == 0 {
		delete(lm.workLocks, workID)
	}
	lm.globalLock.Unlock()
}

// ExecuteWithWorkLock 在作品锁保护下执行操作
func (lm *LockManager) ExecuteWithWorkLock(workID string, fn func() error) error {
	info := lm.acquire(workID)
	defer lm.release(workID, info)

	info.mu.Lock()
	defer info.mu.Unlock()
	return fn()
}

// Size 当前持有的锁数量
func (lm *LockManager) Size() int {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	return len(lm.workLocks)
}
