package logdev

import (
	"io"

	"blockcore/vdev"
)

// logStreamReader 恢复时按 group 顺序扫描日志空间, 到达设备末尾时回绕到 0
// 扫描过程中校验魔数和 crc 链, 第一个校验失败的位置就是候选的流末尾
type logStreamReader struct {
	dev *vdev.JournalDev

	cursor           uint64 // 下一个 group 的设备偏移
	firstGroupCursor uint64
	wrapped          bool
	exhausted        bool

	lastCRC   uint32
	seenGroup bool

	bulkReadSize uint64
}

func newLogStreamReader(dev *vdev.JournalDev, cursor uint64, bulkReadSize uint64) *logStreamReader {
	return &logStreamReader{
		dev:              dev,
		cursor:           cursor,
		firstGroupCursor: cursor,
		bulkReadSize:     bulkReadSize,
	}
}

// preadFull 读满 buf, 超出文件已写范围的部分保持为零
func (lr *logStreamReader) preadFull(buf []byte, offset uint64) bool {
	n, err := lr.dev.PRead(buf, offset)
	if err != nil && err != io.EOF {
		return false
	}
	return n > 0
}

// advance 游标前进 n 字节并处理回绕
func (lr *logStreamReader) advance(n uint64) bool {
	lr.cursor += n
	if lr.cursor+uint64(LogGroupHdrSize) > lr.dev.Size() {
		if lr.firstGroupCursor == 0 {
			// 从头开始扫描的流不会回绕
			return false
		}
		lr.cursor = 0
		lr.wrapped = true
	}
	if lr.wrapped && lr.cursor >= lr.firstGroupCursor {
		return false
	}
	return true
}

// NextGroup 读出游标处的下一个完整 group 并验证
// 返回 nil 表示到达候选的流末尾
func (lr *logStreamReader) NextGroup() (buf []byte, devOffset uint64) {
	if lr.exhausted {
		return nil, 0
	}
	groupOffset := lr.cursor

	head := make([]byte, lr.bulkReadSize)
	if groupOffset+lr.bulkReadSize > lr.dev.Size() {
		head = head[:lr.dev.Size()-groupOffset]
	}
	if uint64(len(head)) < uint64(LogGroupHdrSize) {
		return nil, 0
	}
	if !lr.preadFull(head, groupOffset) {
		return nil, 0
	}

	hdr := decodeGroupHeader(head)
	if hdr.magic != LogGroupHdrMagic || hdr.version != logGroupHdrVersion {
		return nil, 0
	}
	if hdr.nLogRecords == 0 || hdr.nLogRecords > maxRecordsInBatch {
		return nil, 0
	}
	if uint64(hdr.groupSize) < uint64(LogGroupHdrSize+LogGroupFooterSize) ||
		groupOffset+uint64(hdr.groupSize) > lr.dev.Size() {
		return nil, 0
	}

	group := make([]byte, hdr.groupSize)
	if uint64(hdr.groupSize) <= uint64(len(head)) {
		copy(group, head[:hdr.groupSize])
	} else {
		if !lr.preadFull(group, groupOffset) {
			return nil, 0
		}
	}

	// 尾部魔数和起始日志号
	footerMagic, footerStartIdx := decodeGroupFooter(group[hdr.footerOffset:])
	if footerMagic != LogGroupFooterMagic || footerStartIdx != hdr.startLogIdx {
		return nil, 0
	}

	// 本组 crc
	if groupCRC(group) != hdr.curGrpCRC {
		return nil, 0
	}

	// crc 链, 第一个 group 以它的 prev_grp_crc 为基准
	if lr.seenGroup && hdr.prevGrpCRC != lr.lastCRC {
		return nil, 0
	}
	lr.lastCRC = hdr.curGrpCRC
	lr.seenGroup = true

	if !lr.advance(uint64(hdr.groupSize)) {
		// 已经扫完整个设备, 这个 group 仍然有效
		lr.exhausted = true
	}
	return group, groupOffset
}

// GroupInNextPage 损坏探测: 游标前进一个页, 返回该页的内容
func (lr *logStreamReader) GroupInNextPage() []byte {
	if lr.exhausted || !lr.advance(vdev.DmaBoundary) {
		return nil
	}
	page := make([]byte, vdev.DmaBoundary)
	if !lr.preadFull(page, lr.cursor) {
		return nil
	}
	return page
}

// GroupCursor 当前游标, 恢复结束后作为新的追加位置
func (lr *logStreamReader) GroupCursor() uint64 {
	return lr.cursor
}

// LastCRC 最后一个有效 group 的 crc
func (lr *logStreamReader) LastCRC() uint32 {
	return lr.lastCRC
}
