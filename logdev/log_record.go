package logdev

import (
	"encoding/binary"
	"fmt"
)

const (
	// LogGroupHdrMagic group 头部魔数
	LogGroupHdrMagic = uint32(0xF00D1E)

	// LogGroupFooterMagic group 尾部魔数
	LogGroupFooterMagic = uint32(0xB00D1E)

	logGroupHdrVersion    = uint32(0)
	logGroupFooterVersion = uint32(0)

	// LogGroupHdrSize group 头部固定大小
	LogGroupHdrSize = uint32(64)

	// LogGroupFooterSize group 尾部固定大小, 不含对齐填充
	LogGroupFooterSize = uint32(32)

	// SerializedRecordSize 单条记录头的序列化大小
	// size-4 offset+inlined-4 seqNum-8 storeID-4
	SerializedRecordSize = uint32(20)

	// 读取单条记录时的初始读取大小
	initialReadSize = uint32(4096)

	// 未写过任何 group 时的 crc 初始值
	invalidCRC32 = uint32(0)
)

// LogdevKey 定位一条日志记录: 单调递增的日志号和所在 group 的设备偏移
type LogdevKey struct {
	Idx       int64
	DevOffset uint64
}

func (k LogdevKey) String() string {
	return fmt.Sprintf("[idx=%d dev_offset=%d]", k.Idx, k.DevOffset)
}

// logRecord 日志记录的内存表示, 完成回调之前 data 必须保持有效
type logRecord struct {
	storeID uint32
	seqNum  uint64
	data    []byte
	context interface{}

	flushed bool
}

func (r *logRecord) serializedSize() uint32 {
	return SerializedRecordSize + uint32(len(r.data))
}

// isInlineable 小记录或者大小没有对齐到刷盘边界的记录放在内联区
func (r *logRecord) isInlineable(flushMultiple uint64, optimalInlineSize uint32) bool {
	sz := uint32(len(r.data))
	return sz < optimalInlineSize || uint64(sz)%flushMultiple != 0
}

// serializedLogRecord 落盘的记录头
type serializedLogRecord struct {
	size        uint32
	offset      uint32 // 31 位, 内联记录为 group 内绝对偏移, oob 记录为相对 oob 区的偏移
	isInlined   bool
	storeSeqNum uint64
	storeID     uint32
}

// encodeRecordSlot 将记录头写入到 group 缓冲区的第 n 个槽位
func encodeRecordSlot(buf []byte, n uint32, rec *serializedLogRecord) {
	pos := LogGroupHdrSize + n*SerializedRecordSize
	binary.LittleEndian.PutUint32(buf[pos:], rec.size)
	offsetAndFlag := rec.offset & 0x7FFFFFFF
	if rec.isInlined {
		offsetAndFlag |= 1 << 31
	}
	binary.LittleEndian.PutUint32(buf[pos+4:], offsetAndFlag)
	binary.LittleEndian.PutUint64(buf[pos+8:], rec.storeSeqNum)
	binary.LittleEndian.PutUint32(buf[pos+16:], rec.storeID)
}

// decodeRecordSlot 从 group 缓冲区解出第 n 个记录头
func decodeRecordSlot(buf []byte, n uint32) serializedLogRecord {
	pos := LogGroupHdrSize + n*SerializedRecordSize
	offsetAndFlag := binary.LittleEndian.Uint32(buf[pos+4:])
	return serializedLogRecord{
		size:        binary.LittleEndian.Uint32(buf[pos:]),
		offset:      offsetAndFlag & 0x7FFFFFFF,
		isInlined:   offsetAndFlag>>31 == 1,
		storeSeqNum: binary.LittleEndian.Uint64(buf[pos+8:]),
		storeID:     binary.LittleEndian.Uint32(buf[pos+16:]),
	}
}

// logGroupHeader group 头部, 所有字段小端序
type logGroupHeader struct {
	magic            uint32
	version          uint32
	nLogRecords      uint32
	startLogIdx      int64
	groupSize        uint32
	inlineDataOffset uint32
	oobDataOffset    uint32
	footerOffset     uint32
	prevGrpCRC       uint32
	curGrpCRC        uint32
	logdevID         uint32
}

func encodeGroupHeader(buf []byte, hdr *logGroupHeader) {
	binary.LittleEndian.PutUint32(buf[0:], hdr.magic)
	binary.LittleEndian.PutUint32(buf[4:], hdr.version)
	binary.LittleEndian.PutUint32(buf[8:], hdr.nLogRecords)
	binary.LittleEndian.PutUint64(buf[12:], uint64(hdr.startLogIdx))
	binary.LittleEndian.PutUint32(buf[20:], hdr.groupSize)
	binary.LittleEndian.PutUint32(buf[24:], hdr.inlineDataOffset)
	binary.LittleEndian.PutUint32(buf[28:], hdr.oobDataOffset)
	binary.LittleEndian.PutUint32(buf[32:], hdr.footerOffset)
	binary.LittleEndian.PutUint32(buf[36:], hdr.prevGrpCRC)
	binary.LittleEndian.PutUint32(buf[40:], hdr.curGrpCRC)
	binary.LittleEndian.PutUint32(buf[44:], hdr.logdevID)
}

func decodeGroupHeader(buf []byte) logGroupHeader {
	return logGroupHeader{
		magic:            binary.LittleEndian.Uint32(buf[0:]),
		version:          binary.LittleEndian.Uint32(buf[4:]),
		nLogRecords:      binary.LittleEndian.Uint32(buf[8:]),
		startLogIdx:      int64(binary.LittleEndian.Uint64(buf[12:])),
		groupSize:        binary.LittleEndian.Uint32(buf[20:]),
		inlineDataOffset: binary.LittleEndian.Uint32(buf[24:]),
		oobDataOffset:    binary.LittleEndian.Uint32(buf[28:]),
		footerOffset:     binary.LittleEndian.Uint32(buf[32:]),
		prevGrpCRC:       binary.LittleEndian.Uint32(buf[36:]),
		curGrpCRC:        binary.LittleEndian.Uint32(buf[40:]),
		logdevID:         binary.LittleEndian.Uint32(buf[44:]),
	}
}

// dataOffset 第 n 条记录的数据在 group 内的绝对偏移
func (h *logGroupHeader) dataOffset(rec *serializedLogRecord) uint32 {
	if rec.isInlined {
		return rec.offset
	}
	return h.oobDataOffset + rec.offset
}

func encodeGroupFooter(buf []byte, startLogIdx int64) {
	binary.LittleEndian.PutUint32(buf[0:], LogGroupFooterMagic)
	binary.LittleEndian.PutUint32(buf[4:], logGroupFooterVersion)
	binary.LittleEndian.PutUint64(buf[8:], uint64(startLogIdx))
}

func decodeGroupFooter(buf []byte) (magic uint32, startLogIdx int64) {
	return binary.LittleEndian.Uint32(buf[0:]), int64(binary.LittleEndian.Uint64(buf[8:]))
}
