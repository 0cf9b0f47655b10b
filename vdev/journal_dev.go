package vdev

import (
	"errors"
	"path/filepath"
	"sync"

	"blockcore/fio"
	"blockcore/utils"
)

const (
	// DmaBoundary 设备写入的最小对齐边界
	DmaBoundary = uint64(512)

	// VBContextSize 虚拟设备上下文区的固定大小
	VBContextSize = 2048

	JournalFileName = "journal.dev"
	vbContextSuffix = ".vbctx"
)

var (
	ErrUnalignedIO    = errors.New("io size or offset is not dma aligned")
	ErrExtentTooLarge = errors.New("extent larger than journal device")
	ErrBadVBContext   = errors.New("vb context size mismatch")
)

// JournalDev 日志虚拟设备, 在单个文件上提供按字节寻址的追加空间
//
// 空间按环形使用, 写满后从 0 重新开始. start 是第一个有效 group 的偏移,
// tail 是下一次分配的位置, 两者都由上层通过恢复和截断来推进.
type JournalDev struct {
	mu sync.Mutex

	dirPath string
	devSize uint64

	ioManager fio.IOManager // 设备数据读写接口
	vbManager fio.IOManager // 上下文区读写接口

	startOffset uint64
	tailOffset  uint64
}

// OpenJournalDev 打开日志虚拟设备, 文件不存在时创建, 不预先分配空间, 文件随写入增长
func OpenJournalDev(dirPath string, devSize uint64, ioType fio.FileIOType) (*JournalDev, error) {
	if !utils.IsAligned(devSize, DmaBoundary) {
		return nil, ErrUnalignedIO
	}
	devPath := filepath.Join(dirPath, JournalFileName)
	ioManager, err := fio.NewIOManager(devPath, ioType)
	if err != nil {
		return nil, err
	}
	vbManager, err := fio.NewIOManager(devPath+vbContextSuffix, fio.StandardFIO)
	if err != nil {
		_ = ioManager.Close()
		return nil, err
	}
	return &JournalDev{
		dirPath:   dirPath,
		devSize:   devSize,
		ioManager: ioManager,
		vbManager: vbManager,
	}, nil
}

// AllocExtent 在日志空间中预留一段连续的区间, 返回区间起始偏移
// 到达设备末尾时回绕到 0
func (jd *JournalDev) AllocExtent(size uint64) (uint64, error) {
	if size > jd.devSize {
		return 0, ErrExtentTooLarge
	}
	jd.mu.Lock()
	defer jd.mu.Unlock()

	if jd.tailOffset+size > jd.devSize {
		jd.tailOffset = 0
	}
	offset := jd.tailOffset
	jd.tailOffset += size
	return offset, nil
}

// PWritev 将 iovec 列表顺序写入到 offset 处
func (jd *JournalDev) PWritev(iovs [][]byte, offset uint64) error {
	cur := int64(offset)
	for _, iov := range iovs {
		if len(iov) == 0 {
			continue
		}
		if _, err := jd.ioManager.WriteAt(iov, cur); err != nil {
			return err
		}
		cur += int64(len(iov))
	}
	return nil
}

// PRead 从 offset 处读取 len(b) 字节
func (jd *JournalDev) PRead(b []byte, offset uint64) (int, error) {
	return jd.ioManager.ReadAt(b, int64(offset))
}

// Sync 持久化设备文件
func (jd *JournalDev) Sync() error {
	return jd.ioManager.Sync()
}

// Truncate 截断到 startOffset, 之前的空间可被覆盖
func (jd *JournalDev) Truncate(startOffset uint64) {
	jd.mu.Lock()
	defer jd.mu.Unlock()
	jd.startOffset = startOffset
}

// UpdateTailOffset 恢复完成后由上层设置追加位置
func (jd *JournalDev) UpdateTailOffset(offset uint64) {
	jd.mu.Lock()
	defer jd.mu.Unlock()
	jd.tailOffset = offset
}

func (jd *JournalDev) TailOffset() uint64 {
	jd.mu.Lock()
	defer jd.mu.Unlock()
	return jd.tailOffset
}

func (jd *JournalDev) StartOffset() uint64 {
	jd.mu.Lock()
	defer jd.mu.Unlock()
	return jd.startOffset
}

func (jd *JournalDev) Size() uint64 { return jd.devSize }

// UpdateVBContext 持久化固定大小的设备上下文
func (jd *JournalDev) UpdateVBContext(buf []byte) error {
	if len(buf) != VBContextSize {
		return ErrBadVBContext
	}
	if _, err := jd.vbManager.WriteAt(buf, 0); err != nil {
		return err
	}
	return jd.vbManager.Sync()
}

// GetVBContext 读取设备上下文, 从未写入时返回全零
func (jd *JournalDev) GetVBContext() ([]byte, error) {
	buf := make([]byte, VBContextSize)
	size, err := jd.vbManager.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return buf, nil
	}
	if _, err := jd.vbManager.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// SetIOType 重置设备数据文件的 IO 类型
func (jd *JournalDev) SetIOType(ioType fio.FileIOType) error {
	if err := jd.ioManager.Close(); err != nil {
		return err
	}
	devPath := filepath.Join(jd.dirPath, JournalFileName)
	ioManager, err := fio.NewIOManager(devPath, ioType)
	if err != nil {
		return err
	}
	jd.ioManager = ioManager
	return nil
}

// Close 关闭设备
func (jd *JournalDev) Close() error {
	if err := jd.ioManager.Close(); err != nil {
		return err
	}
	return jd.vbManager.Close()
}
