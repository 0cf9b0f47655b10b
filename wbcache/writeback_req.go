package wbcache

import (
	"sync"
	"sync/atomic"

	"blockcore/alloc"
)

// WritebackReqState 回写请求的状态
type WritebackReqState = int32

const (
	// ReqInit 初始状态
	ReqInit WritebackReqState = iota

	// ReqWaiting 等待 checkpoint 下发
	ReqWaiting

	// ReqSent 依赖全部解除, 已提交给块存储
	ReqSent

	// ReqCompl 设备写完成
	ReqCompl
)

// WritebackReq 一个缓冲区在一代 checkpoint 内的回写意图
//
// reqQ 里是必须等本请求写完才能下发的后继请求. dependentCnt 是反向计数,
// 归零时本请求才允许下发. 一个请求可能挂在多个前驱的队列里, 所以 reqQ 用锁保护.
type WritebackReq struct {
	mtx   sync.Mutex
	state atomic.Int32

	bid    alloc.BlkId
	bcp    *BtreeCP
	buf    *CacheBuffer
	memvec []byte

	reqQ         []*WritebackReq
	dependentCnt atomic.Int32
}

func newWritebackReq(buf *CacheBuffer, cp *BtreeCP) *WritebackReq {
	req := &WritebackReq{
		bid:    buf.bid,
		bcp:    cp,
		buf:    buf,
		memvec: buf.memvec,
	}
	req.state.Store(ReqWaiting)
	// 自持引用, 由 flushBuffers 消费, 保证下发不会早于 checkpoint 启动
	req.dependentCnt.Store(1)
	return req
}

// State 当前状态
func (req *WritebackReq) State() WritebackReqState {
	return req.state.Load()
}

// addDependent 把 dep 挂到本请求的后继队列里
func (req *WritebackReq) addDependent(dep *WritebackReq) {
	req.mtx.Lock()
	req.reqQ = append(req.reqQ, dep)
	dep.dependentCnt.Add(1)
	req.mtx.Unlock()
}
