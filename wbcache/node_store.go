package wbcache

import (
	"encoding/binary"
	"sync"

	art "github.com/plar/go-adaptive-radix-tree"

	"blockcore/alloc"
)

// NodeStore 块标识到缓存缓冲区的内存索引
// 主要封装了 go-adaptive-radix-tree
// https://github.com/plar/go-adaptive-radix-tree
type NodeStore struct {
	tree art.Tree
	lock *sync.RWMutex
}

// NewNodeStore 新建节点索引
func NewNodeStore() *NodeStore {
	return &NodeStore{
		tree: art.New(),
		lock: new(sync.RWMutex),
	}
}

func nodeKey(bid alloc.BlkId) art.Key {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, bid.ToInteger())
	return key
}

// Put 登记一个缓冲区
func (ns *NodeStore) Put(buf *CacheBuffer) {
	ns.lock.Lock()
	ns.tree.Insert(nodeKey(buf.NodeID()), buf)
	ns.lock.Unlock()
}

// Get 按块标识取出缓冲区, 不存在时返回 nil
func (ns *NodeStore) Get(bid alloc.BlkId) *CacheBuffer {
	ns.lock.RLock()
	defer ns.lock.RUnlock()
	value, found := ns.tree.Search(nodeKey(bid))
	if !found {
		return nil
	}
	return value.(*CacheBuffer)
}

// Delete 从索引中摘掉缓冲区
func (ns *NodeStore) Delete(bid alloc.BlkId) bool {
	ns.lock.Lock()
	defer ns.lock.Unlock()
	_, deleted := ns.tree.Delete(nodeKey(bid))
	return deleted
}

// Size 索引中的缓冲区数量
func (ns *NodeStore) Size() int {
	ns.lock.RLock()
	defer ns.lock.RUnlock()
	return ns.tree.Size()
}
