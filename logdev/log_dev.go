package logdev

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"blockcore/utils"
	"blockcore/vdev"
)

// 同时只允许一个 group 在刷盘, 所以池子里只有两个 group
const maxLogGroup = 2

var (
	ErrLogDevBusy        = errors.New("logdev stopped while flush is pending or ongoing")
	ErrCallbacksNotSet   = errors.New("logdev callbacks must be registered before start")
	ErrLogDevNotStarted  = errors.New("logdev is not started")
	ErrKeyOutOfLogGroup  = errors.New("log key does not fall into the group at its dev offset")
	ErrRollbackOutOfDate = errors.New("rollback range is behind the truncation point")
)

// AppendCompCB 单条记录刷盘完成的回调
// remainingInBatch 是同一批里排在它之后还未回调的记录数
type AppendCompCB func(storeID uint32, key LogdevKey, flushedUpTo LogdevKey, remainingInBatch int64, ctx interface{})

// StoreFoundCB 恢复时每个已预留的 store 回调一次
type StoreFoundCB func(storeID uint32)

// LogFoundCB 恢复时每条重放的记录回调一次
type LogFoundCB func(storeID uint32, seqNum uint64, key LogdevKey, buf []byte)

// Config logdev 配置项
type Config struct {
	// 日志设备 id
	LogDevID uint32

	// 组提交的字节阈值
	FlushThresholdSize int64

	// 定时器检查周期
	FlushTimerFrequency time.Duration

	// 有数据等待时距离上次刷盘的时间上限
	MaxTimeBetweenFlush time.Duration

	// 恢复时的批量读取大小
	BulkReadSize uint64

	// 损坏探测时额外检查的页数
	RecoveryMaxBlksProbe uint32

	// 内联存放的记录大小阈值
	OptimalInlineDataSize uint32

	// 单个 group 的组装缓冲区大小
	MaxGroupSize uint32
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	LogDevID:              0,
	FlushThresholdSize:    64 * 1024,
	FlushTimerFrequency:   500 * time.Microsecond,
	MaxTimeBetweenFlush:   300 * time.Microsecond,
	BulkReadSize:          512 * 1024,
	RecoveryMaxBlksProbe:  20,
	OptimalInlineDataSize: 512,
	MaxGroupSize:          256 * 1024,
}

// LogDev 追加型日志设备
//
// 记录先登记在内存 tracker 中, 由组提交批量刷盘. 同一时刻只有一个刷盘在途,
// 竞争者通过 is_flushing 的 CAS 决出. 恢复时沿 crc 链重放整个日志流.
type LogDev struct {
	cfg Config
	dev *vdev.JournalDev

	tracker          *streamTracker
	logIdx           atomic.Int64
	pendingFlushSize atomic.Int64
	isFlushing       atomic.Bool
	lastFlushTimeNS  atomic.Int64

	lastFlushIdx    atomic.Int64
	lastTruncateIdx atomic.Int64
	lastCRC         uint32 // 只在持有刷盘权或恢复期间访问

	groupPool [maxLogGroup]*LogGroup
	groupIdx  int

	infoBlkMu sync.Mutex // store_reserve_mutex, 保护信息块和 id 位图
	infoBlk   *logdevInfoBlock

	blockFlushQMu sync.Mutex
	blockFlushQ   []func()

	appendCompCB AppendCompCB
	storeFoundCB StoreFoundCB
	logFoundCB   LogFoundCB

	stopCh  chan struct{}
	timerWG sync.WaitGroup
	flushWG sync.WaitGroup
	started bool
}

// NewLogDev 初始化 LogDev, 回调必须在 Start 之前全部注册
func NewLogDev(dev *vdev.JournalDev, cfg Config,
	appendCompCB AppendCompCB, storeFoundCB StoreFoundCB, logFoundCB LogFoundCB) *LogDev {
	ld := &LogDev{
		cfg:          cfg,
		dev:          dev,
		tracker:      newStreamTracker(),
		appendCompCB: appendCompCB,
		storeFoundCB: storeFoundCB,
		logFoundCB:   logFoundCB,
	}
	for i := 0; i < maxLogGroup; i++ {
		ld.groupPool[i] = newLogGroup(cfg.MaxGroupSize, vdev.DmaBoundary, cfg.OptimalInlineDataSize)
	}
	ld.lastFlushIdx.Store(-1)
	ld.lastTruncateIdx.Store(-1)
	return ld
}

// Start 启动日志设备
// format 为 true 时清空信息块; 否则读出信息块, 回调所有已预留的 store,
// 再从 start_dev_offset 重放日志流, 最后启动定时刷盘
func (ld *LogDev) Start(format bool) error {
	if ld.appendCompCB == nil || ld.storeFoundCB == nil || ld.logFoundCB == nil {
		return ErrCallbacksNotSet
	}

	if format {
		ld.infoBlk = newInfoBlock()
		if err := ld.persistInfoBlock(); err != nil {
			return err
		}
	} else {
		buf, err := ld.dev.GetVBContext()
		if err != nil {
			return err
		}
		ld.infoBlk = decodeInfoBlock(buf)

		// 先通知已有的 store, 再重放日志
		ld.infoBlk.idReserver.ForEachReserved(ld.storeFoundCB)
		ld.doLoad(ld.infoBlk.startDevOffset)
		ld.lastFlushIdx.Store(ld.logIdx.Load() - 1)
	}

	ld.lastFlushTimeNS.Store(time.Now().UnixNano())
	ld.stopCh = make(chan struct{})
	ld.started = true

	// 定时检查是否需要刷盘
	ld.timerWG.Add(1)
	go func() {
		defer ld.timerWG.Done()
		ticker := time.NewTicker(ld.cfg.FlushTimerFrequency)
		defer ticker.Stop()
		for {
			select {
			case <-ld.stopCh:
				return
			case <-ticker.C:
				ld.flushIfNeeded(0, -1)
			}
		}
	}()
	return nil
}

// Stop 停止日志设备, 要求没有在途的刷盘和等待的数据
func (ld *LogDev) Stop() error {
	if !ld.started {
		return ErrLogDevNotStarted
	}
	// 对齐和内联会让挂账字节数与实际刷盘量有出入, 以未刷盘的记录为准
	if ld.lastFlushIdx.Load() < ld.logIdx.Load()-1 || ld.isFlushing.Load() {
		return ErrLogDevBusy
	}

	close(ld.stopCh)
	ld.timerWG.Wait()
	ld.flushWG.Wait()

	ld.tracker.Reinit()
	ld.logIdx.Store(0)
	ld.pendingFlushSize.Store(0)
	ld.isFlushing.Store(false)
	ld.lastFlushIdx.Store(-1)
	ld.lastTruncateIdx.Store(-1)
	ld.lastCRC = invalidCRC32
	ld.blockFlushQMu.Lock()
	ld.blockFlushQ = nil
	ld.blockFlushQMu.Unlock()
	ld.started = false
	return nil
}

// AppendAsync 异步追加一条记录, 立即返回分配的日志号
// data 在完成回调之前必须保持有效, 完成通过注册的 append 回调通知
func (ld *LogDev) AppendAsync(storeID uint32, seqNum uint64, data []byte, ctx interface{}) int64 {
	idx := ld.logIdx.Add(1) - 1
	ld.tracker.Create(idx, &logRecord{
		storeID: storeID,
		seqNum:  seqNum,
		data:    data,
		context: ctx,
	})
	ld.flushIfNeeded(int64(len(data)), idx)
	return idx
}

// flushIfNeeded 加上新记录后检查是否达到了刷盘条件
// 字节数达到阈值, 或者有数据等待且距上次刷盘超过时间上限时, 竞争刷盘权
func (ld *LogDev) flushIfNeeded(newRecordSize int64, newIdx int64) {
	pendingSz := ld.pendingFlushSize.Add(newRecordSize)
	elapsed := time.Duration(time.Now().UnixNano() - ld.lastFlushTimeNS.Load())
	if pendingSz >= ld.cfg.FlushThresholdSize ||
		(pendingSz > 0 && elapsed > ld.cfg.MaxTimeBetweenFlush) {
		if !ld.isFlushing.CompareAndSwap(false, true) {
			// 已有刷盘在途, 完成后会接力处理
			return
		}

		if newIdx == -1 {
			newIdx = ld.logIdx.Load() - 1
		}
		// 并发追加可能还在登记, 多预估几条
		estimated := newIdx - ld.lastFlushIdx.Load() + 4
		lg := ld.prepareFlush(uint32(estimated))
		if lg == nil {
			ld.releaseFlush()
			return
		}
		ld.pendingFlushSize.Add(-int64(lg.ActualDataSize()))
		ld.lastFlushTimeNS.Store(time.Now().UnixNano())
		ld.doFlush(lg)
	}
}

// prepareFlush 从 tracker 收集待刷盘的记录组装成一个 group
func (ld *LogDev) prepareFlush(estimatedRecords uint32) *LogGroup {
	lg := ld.makeLogGroup(estimatedRecords)
	ld.tracker.ForeachActive(ld.lastFlushIdx.Load()+1, func(idx int64, rec *logRecord) bool {
		return lg.AddRecord(rec, idx)
	})
	if lg.NRecords() == 0 {
		return nil
	}

	lg.Finish(ld.cfg.LogDevID, ld.lastCRC)
	offset, err := ld.dev.AllocExtent(uint64(lg.GroupSize()))
	if err != nil {
		panic(fmt.Sprintf("logdev failed to reserve extent of %d bytes: %v", lg.GroupSize(), err))
	}
	lg.logDevOffset = offset
	return lg
}

func (ld *LogDev) makeLogGroup(estimatedRecords uint32) *LogGroup {
	lg := ld.groupPool[ld.groupIdx]
	ld.groupIdx = (ld.groupIdx + 1) % maxLogGroup
	lg.Reset(estimatedRecords)
	return lg
}

// doFlush 把组装好的 group 一次性写入设备
func (ld *LogDev) doFlush(lg *LogGroup) {
	ld.flushWG.Add(1)
	go func() {
		defer ld.flushWG.Done()
		// 日志写失败无法保证持久性, 只能停机
		if err := ld.dev.PWritev(lg.Iovecs(), lg.logDevOffset); err != nil {
			panic(fmt.Sprintf("logdev group write failed at offset %d: %v", lg.logDevOffset, err))
		}
		if err := ld.dev.Sync(); err != nil {
			panic(fmt.Sprintf("logdev sync failed: %v", err))
		}
		ld.onFlushCompletion(lg)
	}()
}

// onFlushCompletion 刷盘完成, 逐条回调并接力下一轮刷盘
func (ld *LogDev) onFlushCompletion(lg *LogGroup) {
	from, upto := lg.flushLogIdxFrom, lg.flushLogIdxUpto
	ld.tracker.Complete(from, upto)
	ld.lastFlushIdx.Store(upto)
	flushedUpTo := LogdevKey{Idx: upto, DevOffset: lg.logDevOffset}

	for idx := from; idx <= upto; idx++ {
		rec := ld.tracker.At(idx)
		if rec == nil {
			continue
		}
		ld.appendCompCB(rec.storeID, LogdevKey{Idx: idx, DevOffset: lg.logDevOffset},
			flushedUpTo, upto-idx, rec.context)
	}

	ld.lastCRC = lg.curGrpCRC
	ld.unlockFlush()
}

// TryLockFlush 请求独占刷盘权
// 没有刷盘在途时回调立即在刷盘锁内执行并返回 true,
// 否则排队等当前刷盘完成后再执行, 返回 false
func (ld *LogDev) TryLockFlush(cb func()) bool {
	ld.blockFlushQMu.Lock()
	if ld.isFlushing.CompareAndSwap(false, true) {
		ld.blockFlushQMu.Unlock()
		cb()
		ld.unlockFlush()
		return true
	}
	ld.blockFlushQ = append(ld.blockFlushQ, cb)
	ld.blockFlushQMu.Unlock()
	return false
}

// unlockFlush 释放刷盘权, 先执行排队的回调, 再接力检查是否需要下一轮刷盘
func (ld *LogDev) unlockFlush() {
	ld.drainBlockFlushQ()
	ld.isFlushing.Store(false)
	ld.flushIfNeeded(0, -1)
}

// releaseFlush 本轮没有可刷的数据时释放刷盘权, 不接力
func (ld *LogDev) releaseFlush() {
	ld.drainBlockFlushQ()
	ld.isFlushing.Store(false)
}

func (ld *LogDev) drainBlockFlushQ() {
	ld.blockFlushQMu.Lock()
	cbs := ld.blockFlushQ
	ld.blockFlushQ = nil
	ld.blockFlushQMu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// Flush 强制把已追加的所有记录刷盘并等待完成
func (ld *LogDev) Flush() {
	for ld.lastFlushIdx.Load() < ld.logIdx.Load()-1 {
		// 把上次刷盘时间清零以满足时间条件
		ld.lastFlushTimeNS.Store(0)
		ld.flushIfNeeded(0, -1)
		time.Sleep(100 * time.Microsecond)
	}
	// 等最后一轮的完成回调也执行完
	for ld.isFlushing.Load() {
		time.Sleep(100 * time.Microsecond)
	}
}

// Read 按 key 同步读出一条记录的数据
func (ld *LogDev) Read(key LogdevKey) ([]byte, error) {
	rbuf := make([]byte, initialReadSize)
	n, err := ld.dev.PRead(rbuf, key.DevOffset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if uint32(n) < LogGroupHdrSize {
		return nil, ErrKeyOutOfLogGroup
	}

	hdr := decodeGroupHeader(rbuf)
	if hdr.magic != LogGroupHdrMagic {
		panic(fmt.Sprintf("log group header corrupted with magic mismatch at offset %d", key.DevOffset))
	}
	if key.Idx < hdr.startLogIdx || key.Idx >= hdr.startLogIdx+int64(hdr.nLogRecords) {
		return nil, ErrKeyOutOfLogGroup
	}

	// 只有整组都已读进来时才校验 crc, 读路径不为了校验去读更多数据
	if hdr.groupSize <= uint32(n) {
		if crc := crc32.Update(invalidCRC32, crc32.IEEETable, rbuf[LogGroupHdrSize:hdr.groupSize]); crc != hdr.curGrpCRC {
			panic(fmt.Sprintf("crc mismatch on log group read at offset %d", key.DevOffset))
		}
	}

	rec := decodeRecordSlot(rbuf, uint32(key.Idx-hdr.startLogIdx))
	dataOffset := hdr.dataOffset(&rec)

	b := make([]byte, rec.size)
	if dataOffset+rec.size <= uint32(n) {
		copy(b, rbuf[dataOffset:dataOffset+rec.size])
		return b, nil
	}

	// 数据超出初始读取范围, 对齐之后补一次读
	roundedOffset := utils.RoundDown(uint64(dataOffset), vdev.DmaBoundary)
	roundedSize := utils.RoundUp(uint64(dataOffset)+uint64(rec.size)-roundedOffset, vdev.DmaBoundary)
	tmp := make([]byte, roundedSize)
	if _, err := ld.dev.PRead(tmp, key.DevOffset+roundedOffset); err != nil && err != io.EOF {
		return nil, err
	}
	copy(b, tmp[uint64(dataOffset)-roundedOffset:])
	return b, nil
}

// doLoad 从 cursor 开始重放日志流
func (ld *LogDev) doLoad(cursor uint64) {
	lstream := newLogStreamReader(ld.dev, cursor, ld.cfg.BulkReadSize)

	for {
		buf, devOffset := lstream.NextGroup()
		if buf == nil {
			// 探测会移动游标, 先把流末尾位置留作新的追加位置
			ld.dev.UpdateTailOffset(lstream.GroupCursor())
			ld.assertNextPages(lstream)
			break
		}

		hdr := decodeGroupHeader(buf)
		for i := uint32(0); i < hdr.nLogRecords; i++ {
			rec := decodeRecordSlot(buf, i)
			idx := hdr.startLogIdx + int64(i)
			dataOffset := hdr.dataOffset(&rec)
			data := make([]byte, rec.size)
			copy(data, buf[dataOffset:dataOffset+rec.size])

			// 回滚区间内的记录不回放, 日志号照常前进
			if !ld.infoBlk.isRolledBack(rec.storeID, idx) {
				ld.logFoundCB(rec.storeID, rec.storeSeqNum, LogdevKey{Idx: idx, DevOffset: devOffset}, data)
			}
		}
		ld.logIdx.Store(hdr.startLogIdx + int64(hdr.nLogRecords))
	}

	ld.lastCRC = lstream.LastCRC()
}

// assertNextPages 流末尾的损坏探测
// 再往后检查若干页, 出现日志号超过当前进度的有效头部说明尾部数据被损坏
func (ld *LogDev) assertNextPages(lstream *logStreamReader) {
	for i := uint32(0); i < ld.cfg.RecoveryMaxBlksProbe; i++ {
		page := lstream.GroupInNextPage()
		if uint32(len(page)) < LogGroupHdrSize {
			continue
		}
		hdr := decodeGroupHeader(page)
		if hdr.magic != LogGroupHdrMagic {
			continue
		}
		// 还没有重放过任何记录时无从判断, 只当作流末尾
		if ld.logIdx.Load() > 0 && hdr.startLogIdx >= ld.logIdx.Load() {
			panic(fmt.Sprintf("found log group header with future log idx %d (current %d), tail must be corrupted",
				hdr.startLogIdx, ld.logIdx.Load()))
		}
	}
}

// ReserveStoreID 预留一个新的 store id, persist 为 true 时立即持久化信息块
func (ld *LogDev) ReserveStoreID(persist bool) (uint32, error) {
	ld.infoBlkMu.Lock()
	defer ld.infoBlkMu.Unlock()
	id, err := ld.infoBlk.idReserver.Reserve()
	if err != nil {
		return 0, err
	}
	if persist {
		if err := ld.persistInfoBlock(); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// UnreserveStoreID 释放一个 store id
func (ld *LogDev) UnreserveStoreID(id uint32, persist bool) error {
	ld.infoBlkMu.Lock()
	defer ld.infoBlkMu.Unlock()
	ld.infoBlk.idReserver.Unreserve(id)
	if persist {
		return ld.persistInfoBlock()
	}
	return nil
}

// PersistStoreIDs 把 store id 位图写穿到信息块
func (ld *LogDev) PersistStoreIDs() error {
	ld.infoBlkMu.Lock()
	defer ld.infoBlkMu.Unlock()
	return ld.persistInfoBlock()
}

// 调用前必须持有 infoBlkMu
func (ld *LogDev) persistInfoBlock() error {
	return ld.dev.UpdateVBContext(ld.infoBlk.encode())
}

// Rollback 把 store 的一段日志号区间标记为无效, 重放时跳过
func (ld *LogDev) Rollback(storeID uint32, fromIdx int64, uptoIdx int64) error {
	ld.infoBlkMu.Lock()
	defer ld.infoBlkMu.Unlock()
	if uptoIdx <= ld.lastTruncateIdx.Load() {
		return ErrRollbackOutOfDate
	}
	if err := ld.infoBlk.addRollback(storeID, fromIdx, uptoIdx); err != nil {
		return err
	}
	return ld.persistInfoBlock()
}

// Truncate 截断到 key, 之前的记录和设备空间都不再保留
func (ld *LogDev) Truncate(key LogdevKey) error {
	ld.tracker.Truncate(key.Idx)
	ld.lastTruncateIdx.Store(key.Idx)

	ld.infoBlkMu.Lock()
	defer ld.infoBlkMu.Unlock()
	ld.infoBlk.startDevOffset = key.DevOffset
	ld.infoBlk.dropRollbackUpto(key.Idx)
	if err := ld.persistInfoBlock(); err != nil {
		return err
	}
	ld.dev.Truncate(key.DevOffset)
	return nil
}

// LogIdx 下一个要分配的日志号
func (ld *LogDev) LogIdx() int64 { return ld.logIdx.Load() }

// LastFlushIdx 最后一条已刷盘的日志号
func (ld *LogDev) LastFlushIdx() int64 { return ld.lastFlushIdx.Load() }

// PendingFlushSize 等待刷盘的字节数
func (ld *LogDev) PendingFlushSize() int64 { return ld.pendingFlushSize.Load() }
