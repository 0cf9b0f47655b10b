package logdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"blockcore/fio"
	"blockcore/vdev"
)

// 日志空间回绕后的恢复
// 设备只有 8 个 group 的空间, 截断后继续写让日志回绕覆盖开头
func TestRecovery_AfterWrap(t *testing.T) {
	dir, _ := os.MkdirTemp("", "blockcore-logdev-wrap")
	defer os.RemoveAll(dir)

	cfg := testConfig()
	h := newTestHarness(t, dir, 4096, cfg, true)

	// 8 个单记录 group, 每个 512 字节, 正好填满设备
	for i := 0; i < 8; i++ {
		h.ld.AppendAsync(1, uint64(i), testRecord(1, uint64(i), 64).data, nil)
		h.ld.Flush()
	}
	comps := h.waitCompletions(8)
	for i, c := range comps {
		assert.Equal(t, uint64(i)*512, c.key.DevOffset)
	}

	// 截断到第 4 个 group, 再写一条让日志回绕到 0
	assert.Nil(t, h.ld.Truncate(LogdevKey{Idx: 3, DevOffset: 2048}))
	h.ld.AppendAsync(1, 8, testRecord(1, 8, 64).data, nil)
	h.ld.Flush()
	comps = h.waitCompletions(9)
	assert.Equal(t, uint64(0), comps[8].key.DevOffset)
	h.shutdown()

	// 从 2048 开始重放, 扫到设备末尾后回绕, 在旧数据处沿 crc 链停下
	h2 := newTestHarness(t, dir, 4096, cfg, false)
	assert.Equal(t, 5, len(h2.replayed))
	for i, r := range h2.replayed {
		assert.Equal(t, int64(4+i), r.key.Idx)
		assert.Equal(t, uint64(4+i), r.seqNum)
	}
	assert.Equal(t, uint64(0), h2.replayed[4].key.DevOffset)
	assert.Equal(t, int64(9), h2.ld.LogIdx())
	h2.shutdown()
}

// crc 链断裂: 第 3 个 group 中间被破坏一个字节
// 前两个 group 正常重放, 损坏探测确认是流末尾而不是数据损坏
func TestRecovery_CRCChainBreak(t *testing.T) {
	dir, _ := os.MkdirTemp("", "blockcore-logdev-crc")
	defer os.RemoveAll(dir)

	cfg := testConfig()
	h := newTestHarness(t, dir, 64*1024, cfg, true)

	for i := 0; i < 3; i++ {
		h.ld.AppendAsync(2, uint64(i), testRecord(2, uint64(i), 64).data, nil)
		h.ld.Flush()
	}
	h.waitCompletions(3)
	h.shutdown()

	// 破坏第 3 个 group 内的一个字节
	devPath := filepath.Join(dir, vdev.JournalFileName)
	fd, err := os.OpenFile(devPath, os.O_RDWR, 0644)
	assert.Nil(t, err)
	one := make([]byte, 1)
	_, err = fd.ReadAt(one, 1024+200)
	assert.Nil(t, err)
	one[0] ^= 0xFF
	_, err = fd.WriteAt(one, 1024+200)
	assert.Nil(t, err)
	assert.Nil(t, fd.Close())

	h2 := newTestHarness(t, dir, 64*1024, cfg, false)
	assert.Equal(t, 2, len(h2.replayed))
	assert.Equal(t, int64(2), h2.ld.LogIdx())
	h2.shutdown()
}

// 探测发现未来日志号的头部时说明尾部数据损坏
func TestRecovery_ProbeFindsFutureHeader(t *testing.T) {
	dir, _ := os.MkdirTemp("", "blockcore-logdev-probe")
	defer os.RemoveAll(dir)

	cfg := testConfig()
	h := newTestHarness(t, dir, 64*1024, cfg, true)

	for i := 0; i < 3; i++ {
		h.ld.AppendAsync(2, uint64(i), testRecord(2, uint64(i), 64).data, nil)
		h.ld.Flush()
	}
	h.waitCompletions(3)
	h.shutdown()

	// 破坏第 2 个 group, 第 3 个 group 的头部还留在后面
	devPath := filepath.Join(dir, vdev.JournalFileName)
	fd, err := os.OpenFile(devPath, os.O_RDWR, 0644)
	assert.Nil(t, err)
	one := []byte{0xFF}
	_, err = fd.WriteAt(one, 512+100)
	assert.Nil(t, err)
	assert.Nil(t, fd.Close())

	dev, err := vdev.OpenJournalDev(dir, 64*1024, fio.StandardFIO)
	assert.Nil(t, err)
	defer dev.Close()
	h2 := &testHarness{t: t, dir: dir, dev: dev}
	h2.ld = NewLogDev(dev, cfg, h2.onAppendComp, h2.onStoreFound, h2.onLogFound)

	assert.Panics(t, func() {
		_ = h2.ld.Start(false)
	})
}

// 空设备上首次启动, 探测不会误报
func TestRecovery_EmptyDevice(t *testing.T) {
	dir, _ := os.MkdirTemp("", "blockcore-logdev-empty")
	defer os.RemoveAll(dir)

	cfg := testConfig()
	// 格式化后立即重启, 什么都没有写过
	h := newTestHarness(t, dir, 64*1024, cfg, true)
	h.shutdown()

	h2 := newTestHarness(t, dir, 64*1024, cfg, false)
	assert.Equal(t, 0, len(h2.replayed))
	assert.Equal(t, int64(0), h2.ld.LogIdx())
	h2.shutdown()
}
