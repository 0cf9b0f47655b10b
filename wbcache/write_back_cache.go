package wbcache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"blockcore/alloc"
)

var (
	ErrCPMismatch = errors.New("caller checkpoint is behind the buffer generation")
)

// BlkStore 回写缓存下层的块存储接口
type BlkStore interface {
	// WriteBlk 异步写一个块, 完成时回调 done
	WriteBlk(bid alloc.BlkId, data []byte, done func(err error))

	// FreeBlk 立即释放一个块
	FreeBlk(bid alloc.BlkId)
}

// CPCompCB 一代 checkpoint 的脏缓冲区全部写完时回调
type CPCompCB func(cp *BtreeCP)

// WriteBackCache 回写缓存
//
// 上层写入者把脏缓冲区积累在当前代里, checkpoint 启动后按声明的依赖顺序
// 刷到块存储. 两代错开使用, 一代在落盘时另一代接收新的写入.
type WriteBackCache struct {
	reqListMu [MaxCPCnt]sync.Mutex
	reqList   [MaxCPCnt][]*WritebackReq

	freeList    [MaxCPCnt]*BlkidList
	freeListCnt uint64
	dirtyBufCnt [MaxCPCnt]atomic.Int64

	store    BlkStore
	nodes    *NodeStore
	flushers *FlusherPool
	resMgr   *ResourceMgr

	cpCompCB CPCompCB
}

// NewWriteBackCache 初始化回写缓存
func NewWriteBackCache(store BlkStore, flushers *FlusherPool, resMgr *ResourceMgr, cpCompCB CPCompCB) *WriteBackCache {
	wbc := &WriteBackCache{
		store:    store,
		nodes:    NewNodeStore(),
		flushers: flushers,
		resMgr:   resMgr,
		cpCompCB: cpCompCB,
	}
	for i := 0; i < MaxCPCnt; i++ {
		wbc.freeList[i] = NewBlkidList()
	}
	return wbc
}

// Nodes 缓存的节点索引
func (wbc *WriteBackCache) Nodes() *NodeStore {
	return wbc.nodes
}

// PrepareCP 为新的一代做准备, 要求那一代已经完全排空
// blkalloc 检查点或首个 checkpoint 使用新的待释放列表, 否则沿用当前的列表继续积累
func (wbc *WriteBackCache) PrepareCP(newCP *BtreeCP, curCP *BtreeCP, blkallocCheckpoint bool) {
	if newCP == nil {
		return
	}
	gen := newCP.Generation()
	wbc.reqListMu[gen].Lock()
	pending := len(wbc.reqList[gen])
	wbc.reqListMu[gen].Unlock()
	if wbc.dirtyBufCnt[gen].Load() != 0 || pending != 0 {
		panic(fmt.Sprintf("prepare cp %d while generation %d is not drained", newCP.CPID, gen))
	}

	var freeList *BlkidList
	if blkallocCheckpoint || curCP == nil {
		wbc.freeListCnt++
		freeList = wbc.freeList[wbc.freeListCnt%MaxCPCnt]
		if freeList.Size() != 0 {
			panic(fmt.Sprintf("free blkid list of generation %d is not drained", gen))
		}
	} else {
		// blkalloc 检查点没到之前, 待释放的块跨 checkpoint 继续积累
		freeList = curCP.FreeBlkidList
	}
	newCP.FreeBlkidList = freeList
}

// Write 把缓冲区在 cp 的代里标脏
// depBuf 非空时声明依赖: 本缓冲区要等 depBuf 写完才允许下发
func (wbc *WriteBackCache) Write(buf *CacheBuffer, depBuf *CacheBuffer, cp *BtreeCP) {
	gen := cp.Generation()

	var depReq *WritebackReq
	if depBuf != nil {
		depReq = depBuf.Req(gen)
		if depReq == nil {
			panic("dependent buffer is not dirty in this generation")
		}
	}

	buf.mu.Lock()
	req := buf.req[gen]
	if req == nil {
		req = newWritebackReq(buf, cp)
		buf.req[gen] = req
		buf.bcp = cp

		wbc.appendReq(gen, req)
		wbc.dirtyBufCnt[gen].Add(1)
		wbc.resMgr.IncDirtyBuf()
	} else {
		// 同一代里重复写, 缓冲区可能已经换过页
		if &req.memvec[0] != &buf.memvec[0] {
			req.memvec = buf.memvec
		}
	}
	buf.mu.Unlock()

	if req.State() != ReqWaiting {
		panic(fmt.Sprintf("write on buffer %s with request in state %d", buf.bid, req.State()))
	}

	if depReq != nil {
		depReq.addDependent(req)
	}
}

func (wbc *WriteBackCache) appendReq(gen int, req *WritebackReq) {
	wbc.reqListMu[gen].Lock()
	wbc.reqList[gen] = append(wbc.reqList[gen], req)
	wbc.reqListMu[gen].Unlock()
}

// RefreshBuf 写入者修改缓冲区之前的写时复制入口
//
// 上一代的回写还在途时换一块新页, 在途的写继续持有旧页,
// 写入者拿到自己的私有拷贝. 调用者的 checkpoint 落后时返回 ErrCPMismatch.
func (wbc *WriteBackCache) RefreshBuf(buf *CacheBuffer, isWriteModifiable bool, cp *BtreeCP) error {
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if cp == nil || buf.bcp == nil {
		return nil
	}

	if !isWriteModifiable {
		if buf.bcp.CPID > cp.CPID {
			return ErrCPMismatch
		}
		return nil
	}

	if buf.bcp.CPID == cp.CPID {
		// 同一代里多次修改
		return nil
	}
	if buf.bcp.CPID > cp.CPID {
		return ErrCPMismatch
	}

	prevGen := int((cp.CPID - 1) % MaxCPCnt)
	req := buf.req[prevGen]
	if req == nil || req.State() == ReqCompl {
		// 上一代的回写已经完成, 不需要拷贝
		return nil
	}

	// 换页, 在途请求通过自己的 memvec 继续持有旧内容
	newMem := make([]byte, len(buf.memvec))
	copy(newMem, buf.memvec)
	buf.memvec = newMem
	return nil
}

// FreeBlk 释放一个块
// freeList 非空时设备层的释放推迟到所属 checkpoint 的 FlushFreeBlks,
// 否则立即交还给块存储
func (wbc *WriteBackCache) FreeBlk(bid alloc.BlkId, freeList *BlkidList, size uint64) {
	wbc.nodes.Delete(bid)
	if freeList != nil {
		wbc.resMgr.IncFreeBlk(int64(bid.BlkCount()))
		freeList.Add(bid)
	} else {
		wbc.store.FreeBlk(bid)
	}
}

// FlushFreeBlks 把 checkpoint 积累的待释放块交给分配器
// 只能在这一轮 checkpoint 的日志和数据都持久化之后调用
func (wbc *WriteBackCache) FlushFreeBlks(cp *BtreeCP, ba *alloc.AppendBlkAllocator) {
	cp.FreeBlkidList.ForEach(func(bid alloc.BlkId) {
		ba.Free(bid)
		wbc.resMgr.DecFreeBlk(int64(bid.BlkCount()))
	})
	cp.FreeBlkidList.Clear()
}

// CPStart 启动一代 checkpoint 的刷盘, 任务轮转派发到刷盘线程上
func (wbc *WriteBackCache) CPStart(cp *BtreeCP) {
	wbc.flushers.Submit(func() {
		wbc.flushBuffers(cp)
	})
}

// flushBuffers 下发这一代所有依赖已解除的请求
//
// 全代的自持计数保证回调不会在遍历中途触发, 每个请求的自持计数
// 保证在此之前挂上的依赖不会抢先下发
func (wbc *WriteBackCache) flushBuffers(cp *BtreeCP) {
	gen := cp.Generation()
	wbc.dirtyBufCnt[gen].Add(1)

	wbc.reqListMu[gen].Lock()
	reqs := wbc.reqList[gen]
	wbc.reqList[gen] = nil
	wbc.reqListMu[gen].Unlock()

	for _, req := range reqs {
		if req.dependentCnt.Add(-1) == 0 {
			req.state.Store(ReqSent)
			wbc.issueWrite(req)
		}
	}

	if wbc.dirtyBufCnt[gen].Add(-1) == 0 {
		wbc.cpCompCB(cp)
	}
}

func (wbc *WriteBackCache) issueWrite(req *WritebackReq) {
	wbc.store.WriteBlk(req.bid, req.memvec, func(err error) {
		wbc.writeBackCompletion(req, err)
	})
}

// writeBackCompletion 设备写完成
// 从队尾开始解除后继的依赖, 计数归零的立即下发
func (wbc *WriteBackCache) writeBackCompletion(req *WritebackReq, err error) {
	gen := req.bcp.Generation()
	if err != nil {
		req.bcp.SetErr(err)
	}
	req.state.Store(ReqCompl)

	req.mtx.Lock()
	for len(req.reqQ) > 0 {
		dep := req.reqQ[len(req.reqQ)-1]
		req.reqQ = req.reqQ[:len(req.reqQ)-1]
		if dep.dependentCnt.Add(-1) == 0 {
			dep.state.Store(ReqSent)
			wbc.issueWrite(dep)
		}
	}
	req.mtx.Unlock()

	// 缓冲区在这一代里重新变成可标脏的
	req.buf.mu.Lock()
	req.buf.req[gen] = nil
	req.buf.mu.Unlock()
	wbc.resMgr.DecDirtyBuf()

	if wbc.dirtyBufCnt[gen].Add(-1) == 0 {
		wbc.cpCompCB(req.bcp)
	}
}

// DirtyBufCnt 某一代当前的脏缓冲区数
func (wbc *WriteBackCache) DirtyBufCnt(gen int) int64 {
	return wbc.dirtyBufCnt[gen].Load()
}
