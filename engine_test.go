package blockcore

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"blockcore/logdev"
	"blockcore/utils"
)

func testOptions(t *testing.T) Options {
	opts := DefaultOptions
	dir, _ := os.MkdirTemp("", "blockcore-engine")
	t.Cleanup(func() {
		_ = os.RemoveAll(dir)
	})
	opts.DirPath = dir
	opts.LogDevSize = 4 * 1024 * 1024
	opts.DataDevSize = 16 * 1024 * 1024
	opts.FlushThresholdSize = 512
	return opts
}

func destroyEngine(eng *Engine) {
	if eng != nil {
		_ = eng.Close()
	}
}

func TestEngine_OpenClose(t *testing.T) {
	opts := testOptions(t)
	eng, err := Open(opts)
	assert.Nil(t, err)
	assert.NotNil(t, eng)

	stat := eng.Stat()
	assert.Equal(t, int64(0), stat.LogIdx)
	assert.Equal(t, uint64(0), stat.UsedBlkNum)

	assert.Nil(t, eng.Close())
	assert.Equal(t, ErrEngineClosed, eng.Close())

	// 关闭后可以重新打开
	eng2, err := Open(opts)
	assert.Nil(t, err)
	destroyEngine(eng2)
}

func TestEngine_FileLock(t *testing.T) {
	opts := testOptions(t)
	eng, err := Open(opts)
	assert.Nil(t, err)
	defer destroyEngine(eng)

	// 同一目录不允许并发打开
	_, err = Open(opts)
	assert.Equal(t, ErrDirectoryIsUsing, err)
}

func TestEngine_AppendLogAndReplay(t *testing.T) {
	opts := testOptions(t)

	var mu sync.Mutex
	var completed []logdev.LogdevKey
	opts.OnAppendComplete = func(storeID uint32, key logdev.LogdevKey,
		flushedUpTo logdev.LogdevKey, remaining int64, ctx interface{}) {
		mu.Lock()
		completed = append(completed, key)
		mu.Unlock()
	}

	eng, err := Open(opts)
	assert.Nil(t, err)

	storeID, err := eng.LogDev().ReserveStoreID(true)
	assert.Nil(t, err)

	payloads := make([][]byte, 0)
	for i := 0; i < 5; i++ {
		p := utils.RandomValue(256)
		payloads = append(payloads, p)
		eng.AppendLog(storeID, uint64(i), p, nil)
	}
	eng.LogDev().Flush()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(completed)
		mu.Unlock()
		if n == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for append completions")
		}
		time.Sleep(time.Millisecond)
	}

	// 读回每条记录
	for i, key := range completed {
		got, err := eng.ReadLog(key)
		assert.Nil(t, err)
		assert.Equal(t, payloads[i], got)
	}
	assert.Nil(t, eng.Close())

	// 重启重放
	var replayed [][]byte
	var stores []uint32
	opts.OnAppendComplete = nil
	opts.OnLogFound = func(sid uint32, seqNum uint64, key logdev.LogdevKey, buf []byte) {
		replayed = append(replayed, buf)
	}
	opts.OnStoreFound = func(sid uint32) {
		stores = append(stores, sid)
	}
	eng2, err := Open(opts)
	assert.Nil(t, err)
	defer destroyEngine(eng2)

	assert.Equal(t, []uint32{storeID}, stores)
	assert.Equal(t, payloads, replayed)
	assert.Equal(t, int64(5), eng2.Stat().LogIdx)
}

func TestEngine_NodeWriteAndCheckpoint(t *testing.T) {
	opts := testOptions(t)
	eng, err := Open(opts)
	assert.Nil(t, err)

	bufA, err := eng.NewNodeBuffer(utils.RandomValue(4096))
	assert.Nil(t, err)
	bufB, err := eng.NewNodeBuffer(utils.RandomValue(4096))
	assert.Nil(t, err)

	// B 依赖 A 的写顺序
	eng.WriteNode(bufA, nil)
	eng.WriteNode(bufB, bufA)
	assert.Equal(t, int64(2), eng.resMgr.DirtyBufCnt())

	_, err = eng.TriggerCheckpoint(true)
	assert.Nil(t, err)
	assert.Nil(t, eng.cpMgr.WaitForCP())
	assert.Equal(t, int64(0), eng.resMgr.DirtyBufCnt())

	// checkpoint 之后分配器的确认偏移覆盖了两个块
	assert.Equal(t, uint64(2), eng.Allocator().CommitOffset())
	assert.Nil(t, eng.Close())

	// 重启后分配器从超级块恢复
	eng2, err := Open(opts)
	assert.Nil(t, err)
	defer destroyEngine(eng2)
	assert.Equal(t, uint64(2), eng2.Allocator().GetUsedBlks())
	assert.Equal(t, uint64(2), eng2.Allocator().CommitOffset())
}

func TestEngine_FreeNodeDeferred(t *testing.T) {
	opts := testOptions(t)
	eng, err := Open(opts)
	assert.Nil(t, err)
	defer destroyEngine(eng)

	buf, err := eng.NewNodeBuffer(utils.RandomValue(4096))
	assert.Nil(t, err)
	eng.WriteNode(buf, nil)

	ch, err := eng.TriggerCheckpoint(true)
	assert.Nil(t, err)
	assert.Nil(t, <-ch)

	// 释放推迟到下一个 blkalloc checkpoint
	eng.FreeNode(buf.NodeID())
	assert.Equal(t, uint64(0), eng.Allocator().GetDefragNblks())

	ch, err = eng.TriggerCheckpoint(true)
	assert.Nil(t, err)
	assert.Nil(t, <-ch)
	assert.Equal(t, uint64(1), eng.Allocator().GetDefragNblks())
}

func TestEngine_SequentialCheckpoints(t *testing.T) {
	opts := testOptions(t)
	eng, err := Open(opts)
	assert.Nil(t, err)
	defer destroyEngine(eng)

	// 两代轮换使用, 连续触发多轮
	for i := 0; i < 4; i++ {
		buf, err := eng.NewNodeBuffer(utils.RandomValue(4096))
		assert.Nil(t, err)
		eng.WriteNode(buf, nil)

		ch, err := eng.TriggerCheckpoint(i%2 == 0)
		assert.Nil(t, err)
		assert.Nil(t, <-ch)
	}
	assert.Equal(t, uint64(4), eng.Allocator().CommitOffset())
}

func TestEngine_Stat(t *testing.T) {
	opts := testOptions(t)
	eng, err := Open(opts)
	assert.Nil(t, err)
	defer destroyEngine(eng)

	buf, err := eng.NewNodeBuffer(utils.RandomValue(4096))
	assert.Nil(t, err)
	eng.WriteNode(buf, nil)

	stat := eng.Stat()
	assert.Equal(t, int64(1), stat.DirtyBufNum)
	assert.Equal(t, uint64(1), stat.UsedBlkNum)
	assert.Equal(t, 1, stat.CachedNodeNum)
	assert.True(t, stat.DiskSize > 0)
	assert.True(t, stat.AvailableSize > 0)

	assert.Nil(t, eng.Sync())
}
