package logdev

import (
	"errors"

	"github.com/tchajed/marshal"

	"blockcore/vdev"
)

const (
	// 保留的 store id 位图容量
	storeIDCapacity = 1024
	storeBitmapSize = storeIDCapacity / 8

	// 回滚区间记录的容量上限, 受 2K 信息块大小约束
	maxRollbackRecords = 64
)

var (
	ErrStoreIDExhausted = errors.New("no free store id to reserve")
	ErrRollbackFull     = errors.New("rollback record capacity exhausted")
)

// IDReserver store id 预留位图
type IDReserver struct {
	bits []byte
}

func newIDReserver() *IDReserver {
	return &IDReserver{bits: make([]byte, storeBitmapSize)}
}

func idReserverFromBitmap(b []byte) *IDReserver {
	bits := make([]byte, storeBitmapSize)
	copy(bits, b)
	return &IDReserver{bits: bits}
}

// Reserve 找到第一个空闲的 id 并占用
func (r *IDReserver) Reserve() (uint32, error) {
	for i, b := range r.bits {
		if b == 0xFF {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) == 0 {
				r.bits[i] |= 1 << bit
				return uint32(i*8 + bit), nil
			}
		}
	}
	return 0, ErrStoreIDExhausted
}

// Unreserve 释放一个 id
func (r *IDReserver) Unreserve(id uint32) {
	if id >= storeIDCapacity {
		return
	}
	r.bits[id/8] &^= 1 << (id % 8)
}

// IsReserved 判断 id 是否被占用
func (r *IDReserver) IsReserved(id uint32) bool {
	if id >= storeIDCapacity {
		return false
	}
	return r.bits[id/8]&(1<<(id%8)) != 0
}

// ForEachReserved 按 id 从小到大遍历所有占用的 id
func (r *IDReserver) ForEachReserved(fn func(id uint32)) {
	for id := uint32(0); id < storeIDCapacity; id++ {
		if r.IsReserved(id) {
			fn(id)
		}
	}
}

func (r *IDReserver) serialize() []byte { return r.bits }

// rollbackRecord 被回滚的日志号区间, 重放时跳过
type rollbackRecord struct {
	storeID uint32
	fromIdx int64
	uptoIdx int64
}

// logdevInfoBlock 通过虚拟设备上下文持久化的信息块, 固定 2K
type logdevInfoBlock struct {
	startDevOffset  uint64
	idReserver      *IDReserver
	rollbackRecords []rollbackRecord
}

func newInfoBlock() *logdevInfoBlock {
	return &logdevInfoBlock{idReserver: newIDReserver()}
}

// encode 序列化到固定大小的上下文缓冲区
func (ib *logdevInfoBlock) encode() []byte {
	enc := marshal.NewEnc(vdev.VBContextSize)
	enc.PutInt(ib.startDevOffset)
	enc.PutBytes(ib.idReserver.serialize())
	enc.PutInt(uint64(len(ib.rollbackRecords)))
	for _, rr := range ib.rollbackRecords {
		enc.PutInt(uint64(rr.storeID))
		enc.PutInt(uint64(rr.fromIdx))
		enc.PutInt(uint64(rr.uptoIdx))
	}
	return enc.Finish()
}

func decodeInfoBlock(buf []byte) *logdevInfoBlock {
	dec := marshal.NewDec(buf)
	ib := &logdevInfoBlock{}
	ib.startDevOffset = dec.GetInt()
	ib.idReserver = idReserverFromBitmap(dec.GetBytes(storeBitmapSize))
	nRollback := dec.GetInt()
	if nRollback > maxRollbackRecords {
		// 上下文区从未写过时是全零, 位图和回滚数都为零, 这里只防御脏数据
		nRollback = 0
	}
	for i := uint64(0); i < nRollback; i++ {
		ib.rollbackRecords = append(ib.rollbackRecords, rollbackRecord{
			storeID: uint32(dec.GetInt()),
			fromIdx: int64(dec.GetInt()),
			uptoIdx: int64(dec.GetInt()),
		})
	}
	return ib
}

// addRollback 登记一个回滚区间
func (ib *logdevInfoBlock) addRollback(storeID uint32, fromIdx int64, uptoIdx int64) error {
	if len(ib.rollbackRecords) >= maxRollbackRecords {
		return ErrRollbackFull
	}
	ib.rollbackRecords = append(ib.rollbackRecords, rollbackRecord{
		storeID: storeID,
		fromIdx: fromIdx,
		uptoIdx: uptoIdx,
	})
	return nil
}

// isRolledBack 判断 (storeID, idx) 是否落在任何回滚区间内
func (ib *logdevInfoBlock) isRolledBack(storeID uint32, idx int64) bool {
	for _, rr := range ib.rollbackRecords {
		if rr.storeID == storeID && idx >= rr.fromIdx && idx <= rr.uptoIdx {
			return true
		}
	}
	return false
}

// dropRollbackUpto 截断时清理掉已经不可达的回滚区间
func (ib *logdevInfoBlock) dropRollbackUpto(uptoIdx int64) {
	kept := ib.rollbackRecords[:0]
	for _, rr := range ib.rollbackRecords {
		if rr.uptoIdx > uptoIdx {
			kept = append(kept, rr)
		}
	}
	ib.rollbackRecords = kept
}
