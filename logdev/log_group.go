package logdev

import (
	"hash/crc32"

	"blockcore/utils"
)

// 单个 group 记录头数组的容量上限, 保证单次 4K 读取能覆盖全部记录头
var maxRecordsInBatch = (initialReadSize - LogGroupHdrSize) / SerializedRecordSize

// LogGroup 一次组提交的内存组装缓冲区
//
// 落盘布局: 头部 | 记录头数组 | 内联数据区 | oob 数据区 | 尾部
// 缓冲区来自固定两个槽位的池子, 一个在刷盘时另一个组装下一批
type LogGroup struct {
	buf     []byte // 头部 + 记录头数组 + 内联数据区
	oobBuf []byte // oob 数据区, 不够时重新分配
	iovecs [][]byte

	maxRecords     uint32
	nRecords       uint32
	inlineDataPos  uint32 // 内联区游标, group 内绝对偏移
	oobDataPos     uint32 // oob 区游标, 相对偏移
	actualDataSize uint32
	groupSize      uint32
	curGrpCRC      uint32

	flushLogIdxFrom int64
	flushLogIdxUpto int64
	logDevOffset    uint64

	flushMultiple     uint64
	optimalInlineSize uint32
}

// newLogGroup 预分配组装缓冲区, maxGroupSize 是单次组提交的字节预算
func newLogGroup(maxGroupSize uint32, flushMultiple uint64, optimalInlineSize uint32) *LogGroup {
	return &LogGroup{
		buf:               make([]byte, maxGroupSize),
		oobBuf:            make([]byte, maxGroupSize),
		flushMultiple:     flushMultiple,
		optimalInlineSize: optimalInlineSize,
	}
}

// Reset 为新的一批记录重置游标并清零头部, 记录头数组和数据区不清零
func (lg *LogGroup) Reset(maxRecords uint32) {
	if maxRecords > maxRecordsInBatch {
		maxRecords = maxRecordsInBatch
	}
	lg.maxRecords = maxRecords
	lg.nRecords = 0
	lg.inlineDataPos = LogGroupHdrSize + maxRecords*SerializedRecordSize
	lg.oobDataPos = 0
	lg.actualDataSize = 0
	lg.groupSize = 0
	lg.curGrpCRC = 0
	lg.iovecs = nil
	lg.flushLogIdxFrom = -1
	lg.flushLogIdxUpto = -1
	lg.logDevOffset = 0

	for i := range lg.buf[:LogGroupHdrSize] {
		lg.buf[i] = 0
	}
}

// AddRecord 把一条记录加入 group, 容量耗尽时返回 false
func (lg *LogGroup) AddRecord(rec *logRecord, idx int64) bool {
	if lg.nRecords >= lg.maxRecords {
		return false
	}

	size := uint32(len(rec.data))
	slot := serializedLogRecord{
		size:        size,
		storeSeqNum: rec.seqNum,
		storeID:     rec.storeID,
	}

	if rec.isInlineable(lg.flushMultiple, lg.optimalInlineSize) {
		if lg.inlineDataPos+size > uint32(len(lg.buf)) {
			// 内联区放不下, 字节预算用完
			return false
		}
		slot.isInlined = true
		slot.offset = lg.inlineDataPos
		copy(lg.buf[lg.inlineDataPos:], rec.data)
		lg.inlineDataPos += size
	} else {
		if lg.oobDataPos+size > uint32(len(lg.oobBuf)) {
			lg.createOverflowBuf(lg.oobDataPos + size)
		}
		slot.offset = lg.oobDataPos
		copy(lg.oobBuf[lg.oobDataPos:], rec.data)
		lg.oobDataPos += size
	}

	encodeRecordSlot(lg.buf, lg.nRecords, &slot)
	if lg.nRecords == 0 {
		lg.flushLogIdxFrom = idx
	}
	lg.flushLogIdxUpto = idx
	lg.nRecords++
	lg.actualDataSize += size
	return true
}

// createOverflowBuf oob 区不够时换一个更大的缓冲区
func (lg *LogGroup) createOverflowBuf(minNeeded uint32) {
	newSize := utils.RoundUp(uint64(minNeeded)*2, lg.flushMultiple)
	newBuf := make([]byte, newSize)
	copy(newBuf, lg.oobBuf[:lg.oobDataPos])
	lg.oobBuf = newBuf
}

// Finish 填充头尾并计算 crc, 返回待写入的 iovec 列表
func (lg *LogGroup) Finish(logdevID uint32, prevCRC uint32) [][]byte {
	inlineEnd := lg.inlineDataPos
	oobDataOffset := inlineEnd
	footerOffset := oobDataOffset + lg.oobDataPos
	groupSize := uint32(utils.RoundUp(uint64(footerOffset+LogGroupFooterSize), lg.flushMultiple))

	// 尾部连同对齐填充放在最后一个 iovec 里
	footerBuf := make([]byte, groupSize-footerOffset)
	encodeGroupFooter(footerBuf, lg.flushLogIdxFrom)

	hdr := &logGroupHeader{
		magic:            LogGroupHdrMagic,
		version:          logGroupHdrVersion,
		nLogRecords:      lg.nRecords,
		startLogIdx:      lg.flushLogIdxFrom,
		groupSize:        groupSize,
		inlineDataOffset: LogGroupHdrSize + lg.maxRecords*SerializedRecordSize,
		oobDataOffset:    oobDataOffset,
		footerOffset:     footerOffset,
		prevGrpCRC:       prevCRC,
		logdevID:         logdevID,
	}
	encodeGroupHeader(lg.buf, hdr)

	lg.iovecs = lg.iovecs[:0]
	lg.iovecs = append(lg.iovecs, lg.buf[:inlineEnd])
	if lg.oobDataPos > 0 {
		lg.iovecs = append(lg.iovecs, lg.oobBuf[:lg.oobDataPos])
	}
	lg.iovecs = append(lg.iovecs, footerBuf)

	lg.groupSize = groupSize
	lg.curGrpCRC = lg.computeCRC()
	// crc 本身不参与计算, 算完再落到头部
	hdr.curGrpCRC = lg.curGrpCRC
	encodeGroupHeader(lg.buf, hdr)
	return lg.iovecs
}

// computeCRC 对头部之后的全部字节计算 crc
func (lg *LogGroup) computeCRC() uint32 {
	crc := crc32.Update(invalidCRC32, crc32.IEEETable, lg.iovecs[0][LogGroupHdrSize:])
	for _, iov := range lg.iovecs[1:] {
		crc = crc32.Update(crc, crc32.IEEETable, iov)
	}
	return crc
}

// groupCRC 校验一个完整 group 缓冲区的 crc
func groupCRC(buf []byte) uint32 {
	return crc32.Update(invalidCRC32, crc32.IEEETable, buf[LogGroupHdrSize:])
}

func (lg *LogGroup) Iovecs() [][]byte { return lg.iovecs }

func (lg *LogGroup) NRecords() uint32 { return lg.nRecords }

func (lg *LogGroup) GroupSize() uint32 { return lg.groupSize }

func (lg *LogGroup) ActualDataSize() uint32 { return lg.actualDataSize }
