package blockcore

import (
	"time"

	"blockcore/logdev"
)

type Options struct {
	// 引擎数据目录
	DirPath string

	// 日志设备的大小
	LogDevSize int64

	// 数据设备的大小
	DataDevSize int64

	// 块大小
	BlockSize uint32

	// 元数据是否每次写入持久化
	SyncWrites bool

	// 启动恢复时是否使用 MMap 读取日志设备
	MMapAtStartup bool

	// 组提交的字节阈值
	FlushThresholdSize int64

	// 刷盘定时器的检查周期
	FlushTimerFrequency time.Duration

	// 有数据等待时距离上次刷盘的时间上限
	MaxTimeBetweenFlush time.Duration

	// 恢复时的批量读取大小
	BulkReadSize uint64

	// 损坏探测时额外检查的页数
	RecoveryMaxBlksProbe uint32

	// 内联存放的记录大小阈值
	OptimalInlineDataSize uint32

	// 回写缓存的刷盘线程数
	CacheFlushThreads int

	// 脏缓冲区反压水位, 占总块数的百分比
	DirtyBufPercent uint8

	// 单条日志记录刷盘完成的回调
	OnAppendComplete logdev.AppendCompCB

	// 恢复时发现已预留 store 的回调
	OnStoreFound logdev.StoreFoundCB

	// 恢复时重放日志记录的回调
	OnLogFound logdev.LogFoundCB
}

var DefaultOptions = Options{
	DirPath:               "/tmp/blockcore",
	LogDevSize:            64 * 1024 * 1024,
	DataDevSize:           256 * 1024 * 1024,
	BlockSize:             4096,
	SyncWrites:            true,
	MMapAtStartup:         false,
	FlushThresholdSize:    64 * 1024,
	FlushTimerFrequency:   500 * time.Microsecond,
	MaxTimeBetweenFlush:   300 * time.Microsecond,
	BulkReadSize:          512 * 1024,
	RecoveryMaxBlksProbe:  20,
	OptimalInlineDataSize: 512,
	CacheFlushThreads:     2,
	DirtyBufPercent:       75,
}
