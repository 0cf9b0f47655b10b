package blockcore

import "errors"

var (
	ErrDirectoryIsUsing = errors.New("the engine directory is used by another process")
	ErrEngineClosed     = errors.New("the engine is already closed")
	ErrCPInProgress     = errors.New("another checkpoint is in progress")
	ErrBufferNotFound   = errors.New("cache buffer is not found for the blkid")
	ErrBadBufferSize    = errors.New("buffer size does not fit into the allocated blks")
	ErrDataDirCorrupted = errors.New("the engine directory maybe corrupted")
)
