// ABOUTME: Tests for the file-backed page array
// ABOUTME: Positional page IO, holes, growth and reopen behavior

package pagestore

import (
	"bytes"
	"os"
	"testing"
)

func TestStoreReadWrite(t *testing.T) {
	path := "/tmp/test_pagestore_rw.db"
	defer os.Remove(path)

	s, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if s.PageSize() != 4096 {
		t.Errorf("page size: expected 4096, got %d", s.PageSize())
	}
	if s.PageCount() != 0 {
		t.Errorf("fresh page count: expected 0, got %d", s.PageCount())
	}

	page := make([]byte, 4096)
	for i := range page {
		page[i] = byte(i % 251)
	}
	if err := s.WritePage(5, page); err != nil {
		t.Fatalf("write: %v", err)
	}
	if s.PageCount() != 6 {
		t.Errorf("page count after write: expected 6, got %d", s.PageCount())
	}

	got := make([]byte, 4096)
	if err := s.ReadPage(5, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Error("read back different bytes")
	}

	// Page 3 sits inside a hole and reads as zeros.
	if err := s.ReadPage(3, got); err != nil {
		t.Fatalf("read hole: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("hole byte %d not zero: %#x", i, b)
		}
	}
}

func TestStoreReopen(t *testing.T) {
	path := "/tmp/test_pagestore_reopen.db"
	defer os.Remove(path)

	page := make([]byte, 4096)
	copy(page, []byte("persisted"))

	{
		s, err := Open(path, 4096)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := s.WritePage(2, page); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := s.Sync(); err != nil {
			t.Fatalf("sync: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	s, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if s.PageCount() != 3 {
		t.Errorf("page count after reopen: expected 3, got %d", s.PageCount())
	}
	got := make([]byte, 4096)
	if err := s.ReadPage(2, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Error("page did not survive reopen")
	}
}

func TestStoreInvalidPageSize(t *testing.T) {
	path := "/tmp/test_pagestore_badsize.db"
	defer os.Remove(path)

	for _, size := range []int{100, 1000, 4095} {
		if _, err := Open(path, size); err == nil {
			t.Errorf("page size %d should be rejected", size)
		}
	}
}

func TestStoreDefaultPageSize(t *testing.T) {
	path := "/tmp/test_pagestore_defsize.db"
	defer os.Remove(path)

	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if s.PageSize() != DefaultPageSize {
		t.Errorf("expected default page size, got %d", s.PageSize())
	}
}
