package logdev

import (
	"sync"

	"github.com/google/btree"
)

// trackerItem 按日志号排序的记录项
type trackerItem struct {
	idx int64
	rec *logRecord
}

// Less 自定义 btree 中记录的比较方法(按日志号排序)
func (ti *trackerItem) Less(bi btree.Item) bool {
	return ti.idx < bi.(*trackerItem).idx
}

// streamTracker 内存中未截断的日志记录集合
// 主要封装了 google 的 btree, 支持并发创建和顺序遍历
type streamTracker struct {
	tree *btree.BTree
	lock *sync.Mutex
}

func newStreamTracker() *streamTracker {
	return &streamTracker{
		tree: btree.New(32),
		lock: new(sync.Mutex),
	}
}

// Create 登记一条新的记录
func (st *streamTracker) Create(idx int64, rec *logRecord) {
	st.lock.Lock()
	st.tree.ReplaceOrInsert(&trackerItem{idx: idx, rec: rec})
	st.lock.Unlock()
}

// At 取出 idx 对应的记录, 不存在时返回 nil
func (st *streamTracker) At(idx int64) *logRecord {
	st.lock.Lock()
	defer st.lock.Unlock()
	it := st.tree.Get(&trackerItem{idx: idx})
	if it == nil {
		return nil
	}
	return it.(*trackerItem).rec
}

// ForeachActive 从 from 开始按日志号连续遍历未刷盘的记录, fn 返回 false 时终止
// 日志号出现空洞时也会终止, 空洞说明并发追加还没有登记完成
func (st *streamTracker) ForeachActive(from int64, fn func(idx int64, rec *logRecord) bool) {
	st.lock.Lock()
	defer st.lock.Unlock()

	expected := from
	st.tree.AscendGreaterOrEqual(&trackerItem{idx: from}, func(bi btree.Item) bool {
		it := bi.(*trackerItem)
		if it.idx != expected || it.rec.flushed {
			return false
		}
		if !fn(it.idx, it.rec) {
			return false
		}
		expected++
		return true
	})
}

// Complete 将 [from, upto] 区间的记录标记为已刷盘
func (st *streamTracker) Complete(from int64, upto int64) {
	st.lock.Lock()
	defer st.lock.Unlock()
	for idx := from; idx <= upto; idx++ {
		it := st.tree.Get(&trackerItem{idx: idx})
		if it != nil {
			it.(*trackerItem).rec.flushed = true
		}
	}
}

// Truncate 丢弃 upto 及之前的所有记录
func (st *streamTracker) Truncate(upto int64) {
	st.lock.Lock()
	defer st.lock.Unlock()
	var victims []btree.Item
	st.tree.AscendLessThan(&trackerItem{idx: upto + 1}, func(bi btree.Item) bool {
		victims = append(victims, bi)
		return true
	})
	for _, v := range victims {
		st.tree.Delete(v)
	}
}

// Reinit 清空所有记录
func (st *streamTracker) Reinit() {
	st.lock.Lock()
	st.tree.Clear(false)
	st.lock.Unlock()
}

// Size 当前登记的记录数
func (st *streamTracker) Size() int {
	st.lock.Lock()
	defer st.lock.Unlock()
	return st.tree.Len()
}
