package meta

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestService_WriteRead(t *testing.T) {
	dir, _ := os.MkdirTemp("", "blockcore-meta")
	defer os.RemoveAll(dir)

	svc, err := NewService(dir, true)
	assert.Nil(t, err)
	assert.NotNil(t, svc)

	err = svc.Write("AppendBlkAlloc_chunk_0", []byte("superblock-bytes"))
	assert.Nil(t, err)

	buf, err := svc.Read("AppendBlkAlloc_chunk_0")
	assert.Nil(t, err)
	assert.Equal(t, []byte("superblock-bytes"), buf)

	// 不存在的名字
	_, err = svc.Read("not-registered")
	assert.Equal(t, ErrMetaBlkNotFound, err)

	assert.Nil(t, svc.Close())
}

func TestService_Reload(t *testing.T) {
	dir, _ := os.MkdirTemp("", "blockcore-meta-reload")
	defer os.RemoveAll(dir)

	svc, err := NewService(dir, true)
	assert.Nil(t, err)
	assert.Nil(t, svc.Write("blk-a", []byte{1, 2, 3}))
	assert.Nil(t, svc.Close())

	// 重新打开后数据仍然存在
	svc2, err := NewService(dir, true)
	assert.Nil(t, err)
	buf, err := svc2.Read("blk-a")
	assert.Nil(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf)

	assert.Nil(t, svc2.Delete("blk-a"))
	_, err = svc2.Read("blk-a")
	assert.Equal(t, ErrMetaBlkNotFound, err)
	assert.Nil(t, svc2.Close())
}
