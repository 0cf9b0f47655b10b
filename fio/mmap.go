package fio

import (
	"errors"
	"io"
	"os"

	"golang.org/x/exp/mmap"
)

var ErrReadOnlyIO = errors.New("mmap io manager is read only")

// MMap 内存文件映射, 只用于读取
type MMap struct {
	readerAt *mmap.ReaderAt
}

// NewMMapIOManager 初始化 MMap IO
func NewMMapIOManager(fileName string) (*MMap, error) {
	fd, err := os.OpenFile(fileName, os.O_CREATE, DataFilePerm)
	if err != nil {
		return nil, err
	}
	if err := fd.Close(); err != nil {
		return nil, err
	}
	readerAt, err := mmap.Open(fileName)
	if err != nil {
		return nil, err
	}
	return &MMap{readerAt: readerAt}, nil
}

func (mm *MMap) ReadAt(b []byte, offset int64) (int, error) {
	if offset >= int64(mm.readerAt.Len()) {
		return 0, io.EOF
	}
	return mm.readerAt.ReadAt(b, offset)
}

func (mm *MMap) WriteAt(b []byte, offset int64) (int, error) {
	return 0, ErrReadOnlyIO
}

func (mm *MMap) Sync() error {
	return nil
}

func (mm *MMap) Close() error {
	return mm.readerAt.Close()
}

func (mm *MMap) Size() (int64, error) {
	return int64(mm.readerAt.Len()), nil
}
