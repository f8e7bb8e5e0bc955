// ABOUTME: File-backed page array with fixed-size pages
// ABOUTME: Positional reads and writes with directory fsync on create

package pagestore

import (
	"fmt"
	"os"
	"path"
	"sync/atomic"
	"syscall"
)

const (
	// DefaultPageSize is the page size used when a config leaves it zero
	DefaultPageSize = 4096

	// MinPageSize bounds how small a page can be and still hold a superblock
	MinPageSize = 512
)

// Store is a single file divided into fixed-size pages, addressed by a
// 64-bit page id. Pages 0 and 1 are the alternating superblock headers;
// everything else belongs to the page manager.
type Store struct {
	Path string

	fd        int
	pageSize  int
	pageCount atomic.Uint64
}

// Open opens or creates a page store file. pageSize must be a power of two;
// zero selects the default. An existing file keeps whatever page size it was
// created with, so callers must pass the same value across sessions.
func Open(filePath string, pageSize int) (*Store, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < MinPageSize || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("pagestore: invalid page size %d", pageSize)
	}

	fd, err := createFileSync(filePath)
	if err != nil {
		return nil, err
	}

	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("fstat: %w", err)
	}

	s := &Store{
		Path:     filePath,
		fd:       fd,
		pageSize: pageSize,
	}
	// A torn final page from an interrupted write rounds away here; no
	// committed header can reference it.
	s.pageCount.Store(uint64(stat.Size) / uint64(pageSize))
	return s, nil
}

// Close closes the backing file.
func (s *Store) Close() error {
	return syscall.Close(s.fd)
}

// PageSize returns the fixed page size in bytes.
func (s *Store) PageSize() int {
	return s.pageSize
}

// PageCount returns the number of pages the file currently spans.
func (s *Store) PageCount() uint64 {
	return s.pageCount.Load()
}

// ReadPage reads page id into buf, which must be exactly one page long.
// Pages inside a file hole, or past the end of the file, read as zeros.
func (s *Store) ReadPage(id uint64, buf []byte) error {
	if len(buf) != s.pageSize {
		panic("pagestore: page size mismatch")
	}
	off := int64(id) * int64(s.pageSize)
	read := 0
	for read < len(buf) {
		n, err := syscall.Pread(s.fd, buf[read:], off+int64(read))
		if err != nil {
			return fmt.Errorf("pread page %d: %w", id, err)
		}
		if n == 0 {
			// Short file; the rest of the page reads as zeros.
			for i := read; i < len(buf); i++ {
				buf[i] = 0
			}
			return nil
		}
		read += n
	}
	return nil
}

// WritePage writes buf, exactly one page long, to page id. Writing past the
// current end extends the file.
func (s *Store) WritePage(id uint64, buf []byte) error {
	if len(buf) != s.pageSize {
		panic("pagestore: page size mismatch")
	}
	off := int64(id) * int64(s.pageSize)
	written := 0
	for written < len(buf) {
		n, err := syscall.Pwrite(s.fd, buf[written:], off+int64(written))
		if err != nil {
			return fmt.Errorf("pwrite page %d: %w", id, err)
		}
		written += n
	}
	for {
		count := s.pageCount.Load()
		if id < count || s.pageCount.CompareAndSwap(count, id+1) {
			break
		}
	}
	return nil
}

// Sync flushes written pages to stable storage.
func (s *Store) Sync() error {
	if err := syscall.Fsync(s.fd); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

// createFileSync creates/opens file with directory fsync
func createFileSync(file string) (int, error) {
	flags := os.O_RDWR | os.O_CREATE
	fd, err := syscall.Open(file, flags, 0o644)
	if err != nil {
		return -1, fmt.Errorf("open file: %w", err)
	}

	// Open directory for fsync
	dirfd, err := syscall.Open(path.Dir(file), os.O_RDONLY, 0)
	if err != nil {
		_ = syscall.Close(fd)
		return -1, fmt.Errorf("open directory: %w", err)
	}
	defer syscall.Close(dirfd)

	if err = syscall.Fsync(dirfd); err != nil {
		_ = syscall.Close(fd)
		return -1, fmt.Errorf("fsync directory: %w", err)
	}

	return fd, nil
}
