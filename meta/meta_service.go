package meta

import (
	"errors"
	"path/filepath"

	"go.etcd.io/bbolt"
)

const metaFileName = "meta.db"

var metaBucketName = []byte("blockcore-meta")

var ErrMetaBlkNotFound = errors.New("meta blk not found")

// Service 元数据服务, 各组件的超级块按名字注册在这里
// 主要封装了 go.etcd.io/bbolt
type Service struct {
	db *bbolt.DB
}

// NewService 初始化元数据服务
func NewService(dirPath string, syncWrites bool) (*Service, error) {
	opts := bbolt.DefaultOptions
	opts.NoSync = !syncWrites
	db, err := bbolt.Open(filepath.Join(dirPath, metaFileName), 0644, opts)
	if err != nil {
		return nil, err
	}

	// 创建对应的 bucket
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Service{db: db}, nil
}

// Write 按名字持久化一个超级块
func (s *Service) Write(name string, buf []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucketName).Put([]byte(name), buf)
	})
}

// Read 按名字读取超级块, 不存在时返回 ErrMetaBlkNotFound
func (s *Service) Read(name string) ([]byte, error) {
	var value []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(metaBucketName).Get([]byte(name))
		if len(v) != 0 {
			value = append(value, v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, ErrMetaBlkNotFound
	}
	return value, nil
}

// Delete 删除名字对应的超级块
func (s *Service) Delete(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucketName).Delete([]byte(name))
	})
}

// Sync 持久化元数据文件
func (s *Service) Sync() error {
	return s.db.Sync()
}

// Close 关闭元数据服务
func (s *Service) Close() error {
	return s.db.Close()
}
