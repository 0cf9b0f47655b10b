package logdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRecord(storeID uint32, seqNum uint64, size int) *logRecord {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return &logRecord{storeID: storeID, seqNum: seqNum, data: data}
}

func TestLogGroup_AddRecord(t *testing.T) {
	lg := newLogGroup(64*1024, 512, 512)
	lg.Reset(16)

	ok := lg.AddRecord(testRecord(1, 1, 100), 0)
	assert.True(t, ok)
	ok = lg.AddRecord(testRecord(1, 2, 200), 1)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), lg.NRecords())
	assert.Equal(t, uint32(300), lg.ActualDataSize())
	assert.Equal(t, int64(0), lg.flushLogIdxFrom)
	assert.Equal(t, int64(1), lg.flushLogIdxUpto)
}

func TestLogGroup_RecordCapacity(t *testing.T) {
	lg := newLogGroup(64*1024, 512, 512)
	lg.Reset(2)

	assert.True(t, lg.AddRecord(testRecord(1, 1, 10), 0))
	assert.True(t, lg.AddRecord(testRecord(1, 2, 10), 1))
	// 槽位用完
	assert.False(t, lg.AddRecord(testRecord(1, 3, 10), 2))
}

func TestLogGroup_Finish(t *testing.T) {
	lg := newLogGroup(64*1024, 512, 512)
	lg.Reset(4)
	assert.True(t, lg.AddRecord(testRecord(7, 1, 100), 0))
	assert.True(t, lg.AddRecord(testRecord(7, 2, 200), 1))

	iovs := lg.Finish(0, invalidCRC32)
	assert.NotEmpty(t, iovs)

	// group 大小对齐到刷盘边界
	assert.Equal(t, uint32(0), lg.GroupSize()%512)

	// 拼出完整的 group 再解码校验
	group := make([]byte, 0, lg.GroupSize())
	for _, iov := range iovs {
		group = append(group, iov...)
	}
	assert.Equal(t, int(lg.GroupSize()), len(group))

	hdr := decodeGroupHeader(group)
	assert.Equal(t, LogGroupHdrMagic, hdr.magic)
	assert.Equal(t, uint32(2), hdr.nLogRecords)
	assert.Equal(t, int64(0), hdr.startLogIdx)
	assert.Equal(t, lg.GroupSize(), hdr.groupSize)
	assert.Equal(t, hdr.curGrpCRC, groupCRC(group))

	footerMagic, footerStartIdx := decodeGroupFooter(group[hdr.footerOffset:])
	assert.Equal(t, LogGroupFooterMagic, footerMagic)
	assert.Equal(t, int64(0), footerStartIdx)

	// 记录数据可以按槽位取回
	rec0 := decodeRecordSlot(group, 0)
	assert.Equal(t, uint32(100), rec0.size)
	assert.Equal(t, uint32(7), rec0.storeID)
	assert.Equal(t, uint64(1), rec0.storeSeqNum)
	assert.True(t, rec0.isInlined)
	off := hdr.dataOffset(&rec0)
	assert.Equal(t, testRecord(7, 1, 100).data, group[off:off+100])
}

func TestLogGroup_OOBRecord(t *testing.T) {
	lg := newLogGroup(64*1024, 512, 512)
	lg.Reset(4)

	// 大小是刷盘边界整数倍的大记录走 oob 区
	oobRec := testRecord(3, 9, 4096)
	assert.True(t, lg.AddRecord(testRecord(3, 8, 64), 5))
	assert.True(t, lg.AddRecord(oobRec, 6))

	iovs := lg.Finish(0, 0xdeadbeef)
	group := make([]byte, 0, lg.GroupSize())
	for _, iov := range iovs {
		group = append(group, iov...)
	}

	hdr := decodeGroupHeader(group)
	rec1 := decodeRecordSlot(group, 1)
	assert.False(t, rec1.isInlined)
	assert.Equal(t, uint32(0), rec1.offset)
	off := hdr.dataOffset(&rec1)
	assert.Equal(t, oobRec.data, group[off:off+4096])
	assert.Equal(t, uint32(0xdeadbeef), hdr.prevGrpCRC)
}

func TestLogGroup_Reuse(t *testing.T) {
	lg := newLogGroup(64*1024, 512, 512)

	lg.Reset(4)
	assert.True(t, lg.AddRecord(testRecord(1, 1, 100), 0))
	first := lg.Finish(0, invalidCRC32)
	firstCRC := lg.curGrpCRC
	assert.NotEmpty(t, first)

	// 复用槽位组装下一批
	lg.Reset(4)
	assert.Equal(t, uint32(0), lg.NRecords())
	assert.True(t, lg.AddRecord(testRecord(1, 2, 100), 1))
	lg.Finish(0, firstCRC)
	group := make([]byte, 0, lg.GroupSize())
	for _, iov := range lg.Iovecs() {
		group = append(group, iov...)
	}
	hdr := decodeGroupHeader(group)
	assert.Equal(t, firstCRC, hdr.prevGrpCRC)
	assert.Equal(t, int64(1), hdr.startLogIdx)
}
