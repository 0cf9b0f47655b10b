package alloc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"blockcore/meta"
)

func newTestAllocator(t *testing.T, dir string, format bool) *AppendBlkAllocator {
	svc, err := meta.NewService(dir, true)
	assert.Nil(t, err)
	t.Cleanup(func() {
		_ = svc.Close()
	})
	ba, err := NewAppendBlkAllocator(svc, 1000, 0, format)
	assert.Nil(t, err)
	return ba
}

func TestBlkId_Pack(t *testing.T) {
	bid := NewBlkId(12345, 7, 3)
	v := bid.ToInteger()
	got := BlkIdFromInteger(v)
	assert.Equal(t, uint64(12345), got.BlkNum())
	assert.Equal(t, uint16(7), got.BlkCount())
	assert.Equal(t, uint16(3), got.ChunkID())
	assert.Equal(t, uint64(12352), got.EndBlkNum())
}

func TestAppendBlkAllocator_Alloc(t *testing.T) {
	dir, _ := os.MkdirTemp("", "blockcore-alloc")
	defer os.RemoveAll(dir)
	ba := newTestAllocator(t, dir, true)

	bid1, err := ba.Alloc(4, AllocHints{})
	assert.Nil(t, err)
	assert.Equal(t, uint64(0), bid1.BlkNum())
	assert.Equal(t, uint16(4), bid1.BlkCount())

	bid2, err := ba.Alloc(2, AllocHints{})
	assert.Nil(t, err)
	assert.Equal(t, uint64(4), bid2.BlkNum())

	assert.True(t, ba.IsBlkAlloced(bid2))
	assert.False(t, ba.IsBlkAllocedOnDisk(bid2))
	assert.Equal(t, uint64(6), ba.GetUsedBlks())
	assert.Equal(t, uint64(994), ba.AvailableBlks())
}

func TestAppendBlkAllocator_SpaceFull(t *testing.T) {
	dir, _ := os.MkdirTemp("", "blockcore-alloc-full")
	defer os.RemoveAll(dir)
	ba := newTestAllocator(t, dir, true)

	_, err := ba.Alloc(200, AllocHints{})
	assert.Nil(t, err)

	// 预留的块不允许动用
	_, err = ba.Alloc(100, AllocHints{ReservedBlks: 750})
	assert.Equal(t, ErrSpaceFull, err)

	_, err = ba.Alloc(100, AllocHints{})
	assert.Nil(t, err)
}

func TestAppendBlkAllocator_CommitOffset(t *testing.T) {
	dir, _ := os.MkdirTemp("", "blockcore-alloc-commit")
	defer os.RemoveAll(dir)
	ba := newTestAllocator(t, dir, true)

	bid, err := ba.Alloc(10, AllocHints{})
	assert.Nil(t, err)

	ba.ReserveOnDisk(NewBlkId(bid.BlkNum(), 5, 0))
	assert.Equal(t, uint64(5), ba.CommitOffset())

	// commit_offset 只会向前推进
	ba.ReserveOnDisk(NewBlkId(0, 3, 0))
	assert.Equal(t, uint64(5), ba.CommitOffset())
	assert.LessOrEqual(t, ba.CommitOffset(), ba.GetUsedBlks())
}

// 分配 10 块, 只确认前 5 块落盘并打 checkpoint, 重启后两个偏移都等于 5
func TestAppendBlkAllocator_Recovery(t *testing.T) {
	dir, _ := os.MkdirTemp("", "blockcore-alloc-recover")
	defer os.RemoveAll(dir)

	svc, err := meta.NewService(dir, true)
	assert.Nil(t, err)
	ba, err := NewAppendBlkAllocator(svc, 1000, 0, true)
	assert.Nil(t, err)

	bid, err := ba.Alloc(10, AllocHints{})
	assert.Nil(t, err)
	assert.Equal(t, uint64(0), bid.BlkNum())

	ba.ReserveOnDisk(NewBlkId(0, 5, 0))
	assert.Nil(t, ba.CPFlush())
	assert.Nil(t, svc.Close())

	// 模拟崩溃, 丢弃内存状态重新加载
	svc2, err := meta.NewService(dir, true)
	assert.Nil(t, err)
	defer svc2.Close()
	ba2, err := NewAppendBlkAllocator(svc2, 1000, 0, false)
	assert.Nil(t, err)

	assert.Equal(t, uint64(5), ba2.GetUsedBlks())
	assert.Equal(t, uint64(5), ba2.CommitOffset())

	bid3, err := ba2.Alloc(3, AllocHints{})
	assert.Nil(t, err)
	assert.Equal(t, uint64(5), bid3.BlkNum())
	assert.Equal(t, uint16(3), bid3.BlkCount())
}

func TestAppendBlkAllocator_Free(t *testing.T) {
	dir, _ := os.MkdirTemp("", "blockcore-alloc-free")
	defer os.RemoveAll(dir)
	ba := newTestAllocator(t, dir, true)

	bid, err := ba.Alloc(8, AllocHints{})
	assert.Nil(t, err)

	ba.Free(bid)
	assert.Equal(t, uint64(8), ba.GetDefragNblks())
	// 追加型分配器不回收空间
	assert.Equal(t, uint64(8), ba.GetUsedBlks())
}

func TestAppendBlkAllocator_CPFlushOnlyWhenDirty(t *testing.T) {
	dir, _ := os.MkdirTemp("", "blockcore-alloc-dirty")
	defer os.RemoveAll(dir)

	svc, err := meta.NewService(dir, true)
	assert.Nil(t, err)
	defer svc.Close()
	ba, err := NewAppendBlkAllocator(svc, 1000, 0, true)
	assert.Nil(t, err)

	// 没有脏数据时不写超级块
	assert.Nil(t, ba.CPFlush())
	_, err = svc.Read(ba.Name())
	assert.Equal(t, meta.ErrMetaBlkNotFound, err)

	bid, _ := ba.Alloc(2, AllocHints{})
	ba.ReserveOnDisk(bid)
	assert.Nil(t, ba.CPFlush())
	buf, err := svc.Read(ba.Name())
	assert.Nil(t, err)
	assert.NotNil(t, buf)
	assert.True(t, ba.IsBlkAllocedOnDisk(NewBlkId(1, 1, 0)))
}
