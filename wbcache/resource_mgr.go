package wbcache

import "sync/atomic"

// ResourceMgr 脏缓冲区记账, 跨缓存共享
// 脏缓冲区超过水位线时向协调者施加反压, 触发一次 checkpoint
type ResourceMgr struct {
	dirtyBufCnt atomic.Int64
	freeBlkCnt  atomic.Int64

	maxDirtyBufCnt int64
	triggerCPCB    func()
	triggered      atomic.Bool
}

// NewResourceMgr maxDirtyBufCnt 为 0 时不做反压
func NewResourceMgr(maxDirtyBufCnt int64) *ResourceMgr {
	return &ResourceMgr{maxDirtyBufCnt: maxDirtyBufCnt}
}

// SetTriggerCP 注册反压回调
func (rm *ResourceMgr) SetTriggerCP(cb func()) {
	rm.triggerCPCB = cb
}

// IncDirtyBuf 新增一个脏缓冲区, 越过水位线时触发一次 checkpoint
func (rm *ResourceMgr) IncDirtyBuf() {
	cnt := rm.dirtyBufCnt.Add(1)
	if rm.maxDirtyBufCnt > 0 && cnt >= rm.maxDirtyBufCnt && rm.triggerCPCB != nil {
		if rm.triggered.CompareAndSwap(false, true) {
			rm.triggerCPCB()
		}
	}
}

// DecDirtyBuf 一个脏缓冲区写完
func (rm *ResourceMgr) DecDirtyBuf() {
	cnt := rm.dirtyBufCnt.Add(-1)
	if rm.maxDirtyBufCnt > 0 && cnt < rm.maxDirtyBufCnt/2 {
		rm.triggered.Store(false)
	}
}

// DirtyBufCnt 当前的脏缓冲区总数
func (rm *ResourceMgr) DirtyBufCnt() int64 {
	return rm.dirtyBufCnt.Load()
}

// IncFreeBlk 记账等待释放的块数
func (rm *ResourceMgr) IncFreeBlk(nblks int64) {
	rm.freeBlkCnt.Add(nblks)
}

// DecFreeBlk 块已交还分配器
func (rm *ResourceMgr) DecFreeBlk(nblks int64) {
	rm.freeBlkCnt.Add(-nblks)
}

// FreeBlkCnt 当前等待释放的块数
func (rm *ResourceMgr) FreeBlkCnt() int64 {
	return rm.freeBlkCnt.Load()
}
