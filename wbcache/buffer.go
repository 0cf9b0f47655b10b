package wbcache

import (
	"sync"

	"blockcore/alloc"
)

// CacheBuffer 回写缓存的基本单元, 独占一个 BlkId 和它的内存
//
// req 槽位按代索引, 槽位非空等价于缓冲区在那一代是脏的.
// 在途的回写请求持有自己的 memvec 引用, 缓冲区换页后写盘内容不受影响.
type CacheBuffer struct {
	mu     sync.Mutex
	bid    alloc.BlkId
	memvec []byte

	bcp *BtreeCP
	req [MaxCPCnt]*WritebackReq
}

// NewCacheBuffer 新建缓存缓冲区
func NewCacheBuffer(bid alloc.BlkId, memvec []byte) *CacheBuffer {
	return &CacheBuffer{bid: bid, memvec: memvec}
}

// NodeID 缓冲区对应的块标识
func (buf *CacheBuffer) NodeID() alloc.BlkId {
	return buf.bid
}

// Memvec 当前的内存内容
func (buf *CacheBuffer) Memvec() []byte {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.memvec
}

// SetMemvec 换掉缓冲区的内存页
func (buf *CacheBuffer) SetMemvec(memvec []byte) {
	buf.mu.Lock()
	buf.memvec = memvec
	buf.mu.Unlock()
}

// CP 缓冲区最近一次弄脏时所在的 checkpoint
func (buf *CacheBuffer) CP() *BtreeCP {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.bcp
}

// Req 某一代的回写请求, 没有脏数据时为 nil
func (buf *CacheBuffer) Req(gen int) *WritebackReq {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.req[gen]
}
