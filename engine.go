package blockcore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"blockcore/alloc"
	"blockcore/fio"
	"blockcore/logdev"
	"blockcore/meta"
	"blockcore/utils"
	"blockcore/vdev"
	"blockcore/wbcache"
)

const (
	fileLockName    = "flock"
	dataDevFileName = "data.dev"
	logChunkID      = 0
	dataChunkID     = 1
)

// Engine 嵌入式块存储引擎的持久化核心
// 组合了日志设备, 回写缓存, 追加型块分配器和 checkpoint 协调者
type Engine struct {
	options   Options
	mu        *sync.RWMutex
	fileLock  *flock.Flock
	isInitial bool // 是否是第一次初始化此数据目录
	closed    bool

	metaSvc  *meta.Service
	jdev     *vdev.JournalDev
	dataIO   fio.IOManager
	ba       *alloc.AppendBlkAllocator
	store    *wbcache.DeviceBlkStore
	cache    *wbcache.WriteBackCache
	flushers *wbcache.FlusherPool
	resMgr   *wbcache.ResourceMgr
	ld       *logdev.LogDev
	cpMgr    *CPManager
}

// Stat 引擎统计信息
type Stat struct {
	LogIdx        int64  // 下一个要分配的日志号
	DirtyBufNum   int64  // 脏缓冲区总数
	UsedBlkNum    uint64 // 已分配的块数
	DiskSize      int64  // 占用磁盘空间的大小
	AvailableSize uint64 // 数据目录所在磁盘的剩余空间
	CachedNodeNum int    // 缓存中的节点数
}

// Open 打开存储引擎实例
func Open(options Options) (*Engine, error) {
	// 对用户传入的配置项进行校验
	if err := checkOptions(options); err != nil {
		return nil, err
	}

	var isInitial bool
	// 判断数据目录是否存在, 如果不存在的话, 则创建这个目录
	if _, err := os.Stat(options.DirPath); os.IsNotExist(err) {
		isInitial = true
		if err := os.MkdirAll(options.DirPath, os.ModePerm); err != nil {
			return nil, err
		}
	}

	// 判断是否正在使用
	fileLock := flock.New(filepath.Join(options.DirPath, fileLockName))
	hold, err := fileLock.TryLock()
	if err != nil {
		return nil, err
	}
	if !hold {
		return nil, ErrDirectoryIsUsing
	}

	entries, err := os.ReadDir(options.DirPath)
	if err != nil {
		return nil, err
	}
	if len(entries) <= 1 {
		// 只有锁文件
		isInitial = true
	}

	eng := &Engine{
		options:   options,
		mu:        new(sync.RWMutex),
		fileLock:  fileLock,
		isInitial: isInitial,
	}

	// 元数据服务
	if eng.metaSvc, err = meta.NewService(options.DirPath, options.SyncWrites); err != nil {
		return nil, err
	}

	// 数据设备和追加型分配器
	if eng.dataIO, err = fio.NewIOManager(
		filepath.Join(options.DirPath, dataDevFileName), fio.StandardFIO); err != nil {
		return nil, err
	}
	totalBlks := uint64(options.DataDevSize) / uint64(options.BlockSize)
	if eng.ba, err = alloc.NewAppendBlkAllocator(eng.metaSvc, totalBlks, dataChunkID, isInitial); err != nil {
		return nil, err
	}
	eng.store = wbcache.NewDeviceBlkStore(eng.dataIO, options.BlockSize, eng.ba)

	// 回写缓存和刷盘线程
	maxDirty := int64(totalBlks) * int64(options.DirtyBufPercent) / 100
	eng.flushers = wbcache.NewFlusherPool(options.CacheFlushThreads)
	eng.resMgr = wbcache.NewResourceMgr(maxDirty)
	eng.cpMgr = newCPManager()
	eng.cache = wbcache.NewWriteBackCache(eng.store, eng.flushers, eng.resMgr, eng.cpMgr.onCPComplete)

	// 日志设备, 恢复阶段可以用 MMap 读取
	ioType := fio.StandardFIO
	if options.MMapAtStartup && !isInitial {
		ioType = fio.MemoryMap
	}
	if eng.jdev, err = vdev.OpenJournalDev(options.DirPath, uint64(options.LogDevSize), ioType); err != nil {
		return nil, err
	}
	eng.ld = logdev.NewLogDev(eng.jdev, eng.logdevConfig(), eng.onAppendComplete,
		eng.onStoreFound, eng.onLogFound)
	if err := eng.ld.Start(isInitial); err != nil {
		return nil, err
	}

	// 重置日志设备的 IO 类型
	if ioType == fio.MemoryMap {
		if err := eng.jdev.SetIOType(fio.StandardFIO); err != nil {
			return nil, err
		}
	}

	eng.cpMgr.init(eng.cache, eng.ld, eng.ba, eng.store)
	eng.resMgr.SetTriggerCP(func() {
		// 反压只是尽力触发, checkpoint 已在途时忽略
		go func() {
			_, _ = eng.cpMgr.TriggerCP(false)
		}()
	})
	return eng, nil
}

func checkOptions(options Options) error {
	if options.DirPath == "" {
		return errors.New("engine dir path is empty")
	}
	if options.LogDevSize <= 0 || options.DataDevSize <= 0 {
		return errors.New("engine device size must be greater than 0")
	}
	if !utils.IsAligned(uint64(options.LogDevSize), vdev.DmaBoundary) {
		return errors.New("log device size must be dma aligned")
	}
	if options.BlockSize == 0 || !utils.IsAligned(uint64(options.BlockSize), vdev.DmaBoundary) {
		return errors.New("block size must be a dma aligned non-zero value")
	}
	if options.CacheFlushThreads <= 0 {
		return errors.New("cache flush threads must be greater than 0")
	}
	if options.DirtyBufPercent == 0 || options.DirtyBufPercent > 100 {
		return errors.New("dirty buf percent must be between 1 and 100")
	}
	return nil
}

func (eng *Engine) logdevConfig() logdev.Config {
	return logdev.Config{
		LogDevID:              logChunkID,
		FlushThresholdSize:    eng.options.FlushThresholdSize,
		FlushTimerFrequency:   eng.options.FlushTimerFrequency,
		MaxTimeBetweenFlush:   eng.options.MaxTimeBetweenFlush,
		BulkReadSize:          eng.options.BulkReadSize,
		RecoveryMaxBlksProbe:  eng.options.RecoveryMaxBlksProbe,
		OptimalInlineDataSize: eng.options.OptimalInlineDataSize,
		MaxGroupSize:          uint32(eng.options.FlushThresholdSize * 4),
	}
}

func (eng *Engine) onAppendComplete(storeID uint32, key logdev.LogdevKey,
	flushedUpTo logdev.LogdevKey, remainingInBatch int64, ctx interface{}) {
	if eng.options.OnAppendComplete != nil {
		eng.options.OnAppendComplete(storeID, key, flushedUpTo, remainingInBatch, ctx)
	}
}

func (eng *Engine) onStoreFound(storeID uint32) {
	if eng.options.OnStoreFound != nil {
		eng.options.OnStoreFound(storeID)
	}
}

func (eng *Engine) onLogFound(storeID uint32, seqNum uint64, key logdev.LogdevKey, buf []byte) {
	if eng.options.OnLogFound != nil {
		eng.options.OnLogFound(storeID, seqNum, key, buf)
	}
}

// Close 关闭引擎, 先完成最后一轮 checkpoint
func (eng *Engine) Close() error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.closed {
		return ErrEngineClosed
	}

	defer func() {
		if err := eng.fileLock.Unlock(); err != nil {
			panic(fmt.Sprintf("failed to unlock the directory, %v", err))
		}
	}()

	// 最后一轮 checkpoint, 把积累的状态全部落盘
	if _, err := eng.cpMgr.TriggerCP(true); err == nil {
		_ = eng.cpMgr.WaitForCP()
	}

	eng.ld.Flush()
	if err := eng.ld.Stop(); err != nil {
		return err
	}
	eng.flushers.Stop()

	if err := eng.store.Sync(); err != nil {
		return err
	}
	if err := eng.jdev.Close(); err != nil {
		return err
	}
	if err := eng.dataIO.Close(); err != nil {
		return err
	}
	if err := eng.metaSvc.Close(); err != nil {
		return err
	}
	eng.closed = true
	return nil
}

// Sync 持久化所有设备文件
func (eng *Engine) Sync() error {
	eng.mu.RLock()
	defer eng.mu.RUnlock()
	if eng.closed {
		return ErrEngineClosed
	}
	if err := eng.store.Sync(); err != nil {
		return err
	}
	if err := eng.jdev.Sync(); err != nil {
		return err
	}
	return eng.metaSvc.Sync()
}

// Stat 返回引擎的相关统计信息
func (eng *Engine) Stat() *Stat {
	eng.mu.RLock()
	defer eng.mu.RUnlock()

	dirSize, err := utils.DirSize(eng.options.DirPath)
	if err != nil {
		panic(fmt.Sprintf("failed to get dir size: %v", err))
	}
	availableSize, err := utils.AvailableDiskSize(eng.options.DirPath)
	if err != nil {
		panic(fmt.Sprintf("failed to get available disk size: %v", err))
	}
	return &Stat{
		LogIdx:        eng.ld.LogIdx(),
		DirtyBufNum:   eng.resMgr.DirtyBufCnt(),
		UsedBlkNum:    eng.ba.GetUsedBlks(),
		DiskSize:      dirSize,
		AvailableSize: availableSize,
		CachedNodeNum: eng.cache.Nodes().Size(),
	}
}

// LogDev 日志设备
func (eng *Engine) LogDev() *logdev.LogDev { return eng.ld }

// Cache 回写缓存
func (eng *Engine) Cache() *wbcache.WriteBackCache { return eng.cache }

// Allocator 数据设备的块分配器
func (eng *Engine) Allocator() *alloc.AppendBlkAllocator { return eng.ba }

// AppendLog 向日志设备追加一条记录
func (eng *Engine) AppendLog(storeID uint32, seqNum uint64, data []byte, ctx interface{}) int64 {
	return eng.ld.AppendAsync(storeID, seqNum, data, ctx)
}

// ReadLog 按 key 读出一条日志记录
func (eng *Engine) ReadLog(key logdev.LogdevKey) ([]byte, error) {
	return eng.ld.Read(key)
}

// NewNodeBuffer 分配块并创建对应的缓存缓冲区
func (eng *Engine) NewNodeBuffer(data []byte) (*wbcache.CacheBuffer, error) {
	nblks := utils.RoundUp(uint64(len(data)), uint64(eng.options.BlockSize)) / uint64(eng.options.BlockSize)
	if nblks == 0 {
		nblks = 1
	}
	if nblks > uint64(alloc.MaxBlksPerBlkId) {
		return nil, ErrBadBufferSize
	}
	bid, err := eng.ba.Alloc(uint16(nblks), alloc.AllocHints{})
	if err != nil {
		return nil, err
	}
	buf := wbcache.NewCacheBuffer(bid, data)
	eng.cache.Nodes().Put(buf)
	return buf, nil
}

// WriteNode 把缓冲区在当前 checkpoint 里标脏
// dep 非空时声明写顺序依赖
func (eng *Engine) WriteNode(buf *wbcache.CacheBuffer, dep *wbcache.CacheBuffer) {
	eng.cache.Write(buf, dep, eng.cpMgr.CurCP())
}

// RefreshNode 修改缓冲区之前的写时复制入口
func (eng *Engine) RefreshNode(buf *wbcache.CacheBuffer, isWriteModifiable bool) error {
	return eng.cache.RefreshBuf(buf, isWriteModifiable, eng.cpMgr.CurCP())
}

// FreeNode 释放一个节点的块, 设备层的释放推迟到下一个 blkalloc checkpoint
func (eng *Engine) FreeNode(bid alloc.BlkId) {
	cp := eng.cpMgr.CurCP()
	eng.cache.FreeBlk(bid, cp.FreeBlkidList, uint64(bid.BlkCount())*uint64(eng.options.BlockSize))
}

// TriggerCheckpoint 触发一轮 checkpoint
func (eng *Engine) TriggerCheckpoint(blkallocCP bool) (<-chan error, error) {
	return eng.cpMgr.TriggerCP(blkallocCP)
}
