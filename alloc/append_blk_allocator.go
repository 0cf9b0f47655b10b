package alloc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tchajed/marshal"

	"blockcore/meta"
)

const (
	appendBlkSBMagic   = uint64(0xA11C0DE5)
	appendBlkSBVersion = uint64(1)

	// 超级块固定大小
	appendBlkSBSize = uint64(64)
)

var (
	ErrSpaceFull      = errors.New("no space left in the chunk")
	ErrTooManyBlks    = errors.New("requested blks larger than max blks per blkid")
	ErrInvalidMetaBlk = errors.New("invalid append blk allocator meta blk")
)

// AllocHints 分配时的提示信息
type AllocHints struct {
	// ReservedBlks 预留的块数, 分配时不允许动用
	ReservedBlks uint64
}

// AppendBlkAllocator 追加型块分配器, 每个 chunk 一个实例, 块号单调递增
//
// 维护两个偏移: last_append_offset 是下一个要分配的块号, 每次分配时推进;
// commit_offset 是已经确认落盘的最高块号, 只有它会进入超级块.
// 崩溃恢复后两个偏移都从 commit_offset 还原.
type AppendBlkAllocator struct {
	chunkID   uint16
	totalBlks uint64

	lastAppendOffset atomic.Uint64
	commitOffset     atomic.Uint64
	freeableNblks    atomic.Uint64
	isDirty          atomic.Bool

	// 最近一次持久化的 commit_offset
	sbCommitOffset atomic.Uint64

	metaSvc *meta.Service
}

// NewAppendBlkAllocator 初始化分配器, needFormat 为 false 时从元数据服务恢复
func NewAppendBlkAllocator(metaSvc *meta.Service, totalBlks uint64, chunkID uint16, needFormat bool) (*AppendBlkAllocator, error) {
	ba := &AppendBlkAllocator{
		chunkID:   chunkID,
		totalBlks: totalBlks,
		metaSvc:   metaSvc,
	}

	if needFormat {
		return ba, nil
	}

	buf, err := metaSvc.Read(ba.Name())
	if err != nil {
		if err == meta.ErrMetaBlkNotFound {
			// 没有注册过超级块, 按新建处理
			return ba, nil
		}
		return nil, err
	}
	if err := ba.onMetaBlkFound(buf); err != nil {
		return nil, err
	}
	return ba, nil
}

func (ba *AppendBlkAllocator) onMetaBlkFound(buf []byte) error {
	if uint64(len(buf)) < appendBlkSBSize {
		return ErrInvalidMetaBlk
	}
	dec := marshal.NewDec(buf)
	magic := dec.GetInt()
	version := dec.GetInt()
	allocatorID := dec.GetInt()
	commitOffset := dec.GetInt()
	freeableNblks := dec.GetInt()

	if magic != appendBlkSBMagic || version != appendBlkSBVersion {
		return ErrInvalidMetaBlk
	}
	if allocatorID != uint64(ba.chunkID) {
		return ErrInvalidMetaBlk
	}

	// 内存中的两个偏移都从 commit_offset 还原
	ba.lastAppendOffset.Store(commitOffset)
	ba.commitOffset.Store(commitOffset)
	ba.sbCommitOffset.Store(commitOffset)
	ba.freeableNblks.Store(freeableNblks)
	return nil
}

// Name 超级块在元数据服务中注册的名字
func (ba *AppendBlkAllocator) Name() string {
	return fmt.Sprintf("AppendBlkAlloc_chunk_%d", ba.chunkID)
}

// Alloc 分配 nblks 个连续的块
func (ba *AppendBlkAllocator) Alloc(nblks uint16, hints AllocHints) (BlkId, error) {
	availBlks := ba.AvailableBlks()
	if hints.ReservedBlks > 0 {
		if availBlks > hints.ReservedBlks {
			availBlks -= hints.ReservedBlks
		} else {
			availBlks = 0
		}
	}
	if availBlks < uint64(nblks) {
		return BlkId{}, ErrSpaceFull
	}
	if int(nblks) > MaxBlksPerBlkId {
		return BlkId{}, ErrTooManyBlks
	}

	blkNum := ba.lastAppendOffset.Add(uint64(nblks)) - uint64(nblks)
	return NewBlkId(blkNum, nblks, ba.chunkID), nil
}

// AllocContiguous 分配单个块
func (ba *AppendBlkAllocator) AllocContiguous() (BlkId, error) {
	return ba.Alloc(1, AllocHints{})
}

// ReserveOnDisk 确认 bid 已经落盘, 将 commit_offset 推进到 bid 的末尾
func (ba *AppendBlkAllocator) ReserveOnDisk(bid BlkId) {
	newOffset := bid.EndBlkNum()
	modified := true
	for {
		curOffset := ba.commitOffset.Load()
		if curOffset >= newOffset {
			// 已经覆盖
			modified = false
			break
		}
		if ba.commitOffset.CompareAndSwap(curOffset, newOffset) {
			break
		}
	}
	if modified {
		ba.isDirty.Store(true)
	}
}

// ReserveOnCache 恢复重放时推进 last_append_offset
func (ba *AppendBlkAllocator) ReserveOnCache(bid BlkId) {
	newOffset := bid.EndBlkNum()
	for {
		curOffset := ba.lastAppendOffset.Load()
		if curOffset >= newOffset {
			break
		}
		if ba.lastAppendOffset.CompareAndSwap(curOffset, newOffset) {
			break
		}
	}
}

// Free 记账可回收的块数, 追加型分配器不实际回收空间
func (ba *AppendBlkAllocator) Free(bid BlkId) {
	ba.freeableNblks.Add(uint64(bid.BlkCount()))
	ba.isDirty.Store(true)
}

// CPFlush 在 checkpoint 时持久化超级块, 只有脏了才写
func (ba *AppendBlkAllocator) CPFlush() error {
	if !ba.isDirty.Swap(false) {
		return nil
	}

	commitOffset := ba.commitOffset.Load()
	enc := marshal.NewEnc(appendBlkSBSize)
	enc.PutInt(appendBlkSBMagic)
	enc.PutInt(appendBlkSBVersion)
	enc.PutInt(uint64(ba.chunkID))
	enc.PutInt(commitOffset)
	enc.PutInt(ba.freeableNblks.Load())

	if err := ba.metaSvc.Write(ba.Name(), enc.Finish()); err != nil {
		// 下一次 checkpoint 重试
		ba.isDirty.Store(true)
		return err
	}
	ba.sbCommitOffset.Store(commitOffset)
	return nil
}

// Reset 清空分配器状态
func (ba *AppendBlkAllocator) Reset() {
	ba.lastAppendOffset.Store(0)
	ba.commitOffset.Store(0)
	ba.freeableNblks.Store(0)
	ba.isDirty.Store(true)
}

// IsBlkAlloced 判断 bid 是否已经在内存中分配
func (ba *AppendBlkAllocator) IsBlkAlloced(bid BlkId) bool {
	return bid.BlkNum() < ba.GetUsedBlks()
}

// IsBlkAllocedOnDisk 判断 bid 是否已经持久化确认
func (ba *AppendBlkAllocator) IsBlkAllocedOnDisk(bid BlkId) bool {
	return bid.BlkNum() < ba.sbCommitOffset.Load()
}

func (ba *AppendBlkAllocator) ChunkID() uint16 { return ba.chunkID }

func (ba *AppendBlkAllocator) GetTotalBlks() uint64 { return ba.totalBlks }

func (ba *AppendBlkAllocator) GetUsedBlks() uint64 { return ba.lastAppendOffset.Load() }

func (ba *AppendBlkAllocator) AvailableBlks() uint64 { return ba.totalBlks - ba.GetUsedBlks() }

func (ba *AppendBlkAllocator) GetDefragNblks() uint64 { return ba.freeableNblks.Load() }

func (ba *AppendBlkAllocator) CommitOffset() uint64 { return ba.commitOffset.Load() }

// Status 分配器状态快照
type Status struct {
	TotalBlks        uint64
	NextAppendBlkNum uint64
	CommitOffset     uint64
	FreeableNblks    uint64
}

func (ba *AppendBlkAllocator) GetStatus() Status {
	return Status{
		TotalBlks:        ba.totalBlks,
		NextAppendBlkNum: ba.lastAppendOffset.Load(),
		CommitOffset:     ba.commitOffset.Load(),
		FreeableNblks:    ba.freeableNblks.Load(),
	}
}

func (ba *AppendBlkAllocator) String() string {
	return fmt.Sprintf("%s, last_append_offset: %d freeable_nblks=%d",
		ba.Name(), ba.lastAppendOffset.Load(), ba.freeableNblks.Load())
}
