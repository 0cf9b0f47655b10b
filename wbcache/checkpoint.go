package wbcache

import (
	"sync"

	"github.com/google/btree"

	"blockcore/alloc"
)

// MaxCPCnt 同时存在的 checkpoint 代数, 一个在落盘一个接收新写入
const MaxCPCnt = 2

// BtreeCP checkpoint 句柄, 按 CPID%2 选择代
type BtreeCP struct {
	CPID uint64

	// FreeBlkidList 本轮 checkpoint 积累的待释放块,
	// 日志和数据都持久化之后才交还给分配器
	FreeBlkidList *BlkidList

	errMu sync.Mutex
	err   error
}

// SetErr 记录本轮 checkpoint 遇到的第一个写错误
func (cp *BtreeCP) SetErr(err error) {
	cp.errMu.Lock()
	if cp.err == nil {
		cp.err = err
	}
	cp.errMu.Unlock()
}

// Err 本轮 checkpoint 的错误, 没有错误时为 nil
func (cp *BtreeCP) Err() error {
	cp.errMu.Lock()
	defer cp.errMu.Unlock()
	return cp.err
}

// Generation 这个 checkpoint 使用的代号
func (cp *BtreeCP) Generation() int {
	return int(cp.CPID % MaxCPCnt)
}

// blkidItem 按 BlkId 排序的集合项
type blkidItem struct {
	bid alloc.BlkId
}

// Less 自定义 btree 中 BlkId 的比较方法
func (bi *blkidItem) Less(other btree.Item) bool {
	return bi.bid.Less(other.(*blkidItem).bid)
}

// BlkidList 有序的 BlkId 集合
// 主要封装了 google 的 btree
type BlkidList struct {
	tree *btree.BTree
	lock *sync.Mutex
}

// NewBlkidList 新建有序 BlkId 集合
func NewBlkidList() *BlkidList {
	return &BlkidList{
		tree: btree.New(32),
		lock: new(sync.Mutex),
	}
}

// Add 加入一个 BlkId
func (bl *BlkidList) Add(bid alloc.BlkId) {
	bl.lock.Lock()
	bl.tree.ReplaceOrInsert(&blkidItem{bid: bid})
	bl.lock.Unlock()
}

// Size 集合中的 BlkId 数量
func (bl *BlkidList) Size() int {
	bl.lock.Lock()
	defer bl.lock.Unlock()
	return bl.tree.Len()
}

// ForEach 按序遍历所有 BlkId
func (bl *BlkidList) ForEach(fn func(bid alloc.BlkId)) {
	bl.lock.Lock()
	defer bl.lock.Unlock()
	bl.tree.Ascend(func(it btree.Item) bool {
		fn(it.(*blkidItem).bid)
		return true
	})
}

// Clear 清空集合
func (bl *BlkidList) Clear() {
	bl.lock.Lock()
	bl.tree.Clear(false)
	bl.lock.Unlock()
}
