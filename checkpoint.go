package blockcore

import (
	"fmt"
	"sync"

	"blockcore/alloc"
	"blockcore/logdev"
	"blockcore/wbcache"
)

// CPManager checkpoint 协调者
//
// 维护两代 checkpoint 的轮换: 触发时新的一代立刻开始接收写入,
// 旧的一代进入刷盘. 旧代排空后先保证日志持久化到切分点并同步数据设备,
// 再把积累的块交还给分配器 (仅 blkalloc checkpoint), 最后持久化分配器超级块.
type CPManager struct {
	mu       sync.Mutex
	nextCPID uint64

	curCP      *wbcache.BtreeCP
	flushingCP *wbcache.BtreeCP
	blkallocCP bool
	cutIdx     int64
	doneCh     chan error
	waitCh     chan struct{}
	lastErr    error

	cache *wbcache.WriteBackCache
	ld    *logdev.LogDev
	ba    *alloc.AppendBlkAllocator
	store *wbcache.DeviceBlkStore
}

func newCPManager() *CPManager {
	return &CPManager{nextCPID: 1}
}

// init 绑定各组件并创建首个 checkpoint
func (m *CPManager) init(cache *wbcache.WriteBackCache, ld *logdev.LogDev,
	ba *alloc.AppendBlkAllocator, store *wbcache.DeviceBlkStore) {
	m.cache = cache
	m.ld = ld
	m.ba = ba
	m.store = store

	cp := &wbcache.BtreeCP{CPID: m.nextCPID}
	m.nextCPID++
	m.cache.PrepareCP(cp, nil, true)
	m.curCP = cp
}

// CurCP 当前接收写入的 checkpoint
func (m *CPManager) CurCP() *wbcache.BtreeCP {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curCP
}

// TriggerCP 轮换到新的一代并启动旧代的刷盘
// blkallocCP 为 true 时旧代积累的待释放块会在本轮结束后交还给分配器
// 返回的通道在本轮 checkpoint 完成时收到结果
func (m *CPManager) TriggerCP(blkallocCP bool) (<-chan error, error) {
	m.mu.Lock()
	if m.flushingCP != nil {
		m.mu.Unlock()
		return nil, ErrCPInProgress
	}

	oldCP := m.curCP
	newCP := &wbcache.BtreeCP{CPID: m.nextCPID}
	m.nextCPID++
	m.cache.PrepareCP(newCP, oldCP, blkallocCP)
	m.curCP = newCP
	m.flushingCP = oldCP
	m.blkallocCP = blkallocCP
	m.cutIdx = m.ld.LogIdx() - 1

	ch := make(chan error, 1)
	m.doneCh = ch
	m.waitCh = make(chan struct{})
	m.mu.Unlock()

	m.cache.CPStart(oldCP)
	return ch, nil
}

// WaitForCP 等待在途的 checkpoint 完成并返回它的结果
// 没有在途的 checkpoint 时返回最近一轮的结果
func (m *CPManager) WaitForCP() error {
	m.mu.Lock()
	waitCh := m.waitCh
	m.mu.Unlock()
	if waitCh != nil {
		<-waitCh
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// onCPComplete 旧代排空后的收尾, 在刷盘线程上执行
func (m *CPManager) onCPComplete(cp *wbcache.BtreeCP) {
	m.mu.Lock()
	cutIdx := m.cutIdx
	m.mu.Unlock()

	// 缓存里的内容只有在对应的日志记录持久化之后才算持久.
	// 先排空日志, 再拿一次刷盘锁, 在锁内确认切分点之前的记录都已落盘
	m.ld.Flush()
	logFlushed := make(chan struct{})
	m.ld.TryLockFlush(func() {
		if m.ld.LastFlushIdx() < cutIdx {
			panic(fmt.Sprintf("log persisted upto %d, behind checkpoint cut %d",
				m.ld.LastFlushIdx(), cutIdx))
		}
		close(logFlushed)
	})
	<-logFlushed

	err := cp.Err()
	if serr := m.store.Sync(); err == nil && serr != nil {
		err = serr
	}

	if err == nil {
		m.mu.Lock()
		blkallocCP := m.blkallocCP
		m.mu.Unlock()

		// 日志和数据都落盘了, 积累的块才可以交还
		if blkallocCP {
			m.cache.FlushFreeBlks(cp, m.ba)
		}
		if ferr := m.ba.CPFlush(); ferr != nil {
			err = ferr
		}
	}

	m.mu.Lock()
	m.flushingCP = nil
	ch := m.doneCh
	m.doneCh = nil
	waitCh := m.waitCh
	m.waitCh = nil
	m.lastErr = err
	m.mu.Unlock()

	if ch != nil {
		ch <- err
	}
	if waitCh != nil {
		close(waitCh)
	}
}
