package wbcache

import (
	"fmt"
	"sync"

	"blockcore/alloc"
	"blockcore/fio"
)

// DeviceBlkStore 建立在数据设备文件上的块存储
//
// 写完成后向分配器确认, 把 commit_offset 推进到该块的末尾;
// commit_offset 只记最高的末尾, 其下从未写过的块同样被覆盖
type DeviceBlkStore struct {
	ioManager fio.IOManager
	blockSize uint32
	ba        *alloc.AppendBlkAllocator

	wg sync.WaitGroup
}

// NewDeviceBlkStore 初始化块存储
func NewDeviceBlkStore(ioManager fio.IOManager, blockSize uint32, ba *alloc.AppendBlkAllocator) *DeviceBlkStore {
	return &DeviceBlkStore{
		ioManager: ioManager,
		blockSize: blockSize,
		ba:        ba,
	}
}

// WriteBlk 异步写一个块, 写成功后向分配器确认
func (ds *DeviceBlkStore) WriteBlk(bid alloc.BlkId, data []byte, done func(err error)) {
	if uint32(len(data)) > uint32(bid.BlkCount())*ds.blockSize {
		done(fmt.Errorf("data size %d exceeds blkid capacity %s", len(data), bid))
		return
	}
	ds.wg.Add(1)
	go func() {
		offset := int64(bid.BlkNum()) * int64(ds.blockSize)
		_, err := ds.ioManager.WriteAt(data, offset)
		if err == nil {
			ds.ba.ReserveOnDisk(bid)
		}
		// 完成回调里可能会等所有在途写结束, 先把自己摘掉
		ds.wg.Done()
		done(err)
	}()
}

// FreeBlk 立即交还给分配器
func (ds *DeviceBlkStore) FreeBlk(bid alloc.BlkId) {
	ds.ba.Free(bid)
}

// ReadBlk 同步读一个块的内容
func (ds *DeviceBlkStore) ReadBlk(bid alloc.BlkId) ([]byte, error) {
	buf := make([]byte, uint32(bid.BlkCount())*ds.blockSize)
	offset := int64(bid.BlkNum()) * int64(ds.blockSize)
	if _, err := ds.ioManager.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// Sync 等待在途写完成并持久化数据文件
func (ds *DeviceBlkStore) Sync() error {
	ds.wg.Wait()
	return ds.ioManager.Sync()
}
