package fio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func destroyFile(name string) {
	if err := os.RemoveAll(name); err != nil {
		panic(err)
	}
}

func TestNewFileIOManager(t *testing.T) {
	path := filepath.Join(os.TempDir(), "fio-a.data")
	fio, err := NewFileIOManager(path)
	defer destroyFile(path)

	assert.Nil(t, err)
	assert.NotNil(t, fio)
}

func TestFileIO_WriteAt(t *testing.T) {
	path := filepath.Join(os.TempDir(), "fio-b.data")
	fio, err := NewFileIOManager(path)
	defer destroyFile(path)
	assert.Nil(t, err)

	n, err := fio.WriteAt([]byte("hello"), 0)
	assert.Equal(t, 5, n)
	assert.Nil(t, err)

	n, err = fio.WriteAt([]byte("world"), 512)
	assert.Equal(t, 5, n)
	assert.Nil(t, err)
}

func TestFileIO_ReadAt(t *testing.T) {
	path := filepath.Join(os.TempDir(), "fio-c.data")
	fio, err := NewFileIOManager(path)
	defer destroyFile(path)
	assert.Nil(t, err)

	_, err = fio.WriteAt([]byte("key-a"), 0)
	assert.Nil(t, err)
	_, err = fio.WriteAt([]byte("key-b"), 5)
	assert.Nil(t, err)

	b1 := make([]byte, 5)
	n, err := fio.ReadAt(b1, 0)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("key-a"), b1)

	b2 := make([]byte, 5)
	n, err = fio.ReadAt(b2, 5)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("key-b"), b2)
}

func TestFileIO_Sync(t *testing.T) {
	path := filepath.Join(os.TempDir(), "fio-d.data")
	fio, err := NewFileIOManager(path)
	defer destroyFile(path)
	assert.Nil(t, err)

	err = fio.Sync()
	assert.Nil(t, err)
}

func TestMMap_ReadAt(t *testing.T) {
	path := filepath.Join(os.TempDir(), "fio-mmap.data")
	defer destroyFile(path)

	fio, err := NewFileIOManager(path)
	assert.Nil(t, err)
	_, err = fio.WriteAt([]byte("aa bb cc dd"), 0)
	assert.Nil(t, err)
	assert.Nil(t, fio.Sync())

	mmapIO, err := NewMMapIOManager(path)
	assert.Nil(t, err)
	defer mmapIO.Close()

	size, err := mmapIO.Size()
	assert.Nil(t, err)
	assert.Equal(t, int64(11), size)

	b := make([]byte, 5)
	n, err := mmapIO.ReadAt(b, 0)
	assert.Nil(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("aa bb"), b)

	// 只读
	_, err = mmapIO.WriteAt([]byte("x"), 0)
	assert.Equal(t, ErrReadOnlyIO, err)
}
