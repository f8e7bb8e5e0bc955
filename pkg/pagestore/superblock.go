// ABOUTME: Alternating superblock headers on pages 0 and 1
// ABOUTME: Checksummed engine state with two-phase fsync commits

package pagestore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/nainya/pagestore/pkg/pagequeue"
)

const (
	SB_SIG     = "PageStore01\x00\x00\x00\x00\x00" // Superblock signature (16 bytes)
	SB_VERSION = 1

	SB_SIG_OFF       = 0
	SB_VERSION_OFF   = 16
	SB_STORE_ID_OFF  = 24 // 16-byte UUID
	SB_EPOCH_OFF     = 40
	SB_TOTAL_OFF     = 48
	SB_QUEUE_HDR_OFF = 56
	SB_CHECKSUM_LEN  = 8 // xxhash64 over the page minus this tail
)

var (
	// ErrBadSuperblock indicates that no intact superblock header exists on
	// a non-empty store.
	ErrBadSuperblock = errors.New("pagestore: no valid superblock")
)

// Superblock is the durable root of the engine. Two copies alternate on
// pages 0 and 1: the commit for epoch E lands on page E % 2, so a torn
// header write can never destroy the previous committed state. This is also
// why page id 1 is never a valid free page and ids below 2 are rejected by
// the queues.
type Superblock struct {
	StoreID        uuid.UUID
	Epoch          uint64
	TotalPageCount uint64

	// QueueHeader is the normal free queue's committed state, written in
	// place by the queue's CommitStart.
	QueueHeader []byte
}

// NewSuperblock creates the superblock for a freshly created store.
func NewSuperblock() *Superblock {
	return &Superblock{
		StoreID:     uuid.New(),
		QueueHeader: make([]byte, pagequeue.HEADER_SIZE),
	}
}

// encode serializes the superblock into a full page image, checksummed.
func (sb *Superblock) encode(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	copy(buf[SB_SIG_OFF:], SB_SIG)
	binary.LittleEndian.PutUint32(buf[SB_VERSION_OFF:], SB_VERSION)
	copy(buf[SB_STORE_ID_OFF:], sb.StoreID[:])
	binary.LittleEndian.PutUint64(buf[SB_EPOCH_OFF:], sb.Epoch)
	binary.LittleEndian.PutUint64(buf[SB_TOTAL_OFF:], sb.TotalPageCount)
	copy(buf[SB_QUEUE_HDR_OFF:], sb.QueueHeader)

	sum := xxhash.Sum64(buf[:len(buf)-SB_CHECKSUM_LEN])
	binary.LittleEndian.PutUint64(buf[len(buf)-SB_CHECKSUM_LEN:], sum)
}

// decodeSuperblock validates and deserializes one header page image.
func decodeSuperblock(buf []byte) (*Superblock, error) {
	if string(buf[SB_SIG_OFF:SB_SIG_OFF+len(SB_SIG)]) != SB_SIG {
		return nil, fmt.Errorf("%w: bad signature", ErrBadSuperblock)
	}
	if v := binary.LittleEndian.Uint32(buf[SB_VERSION_OFF:]); v != SB_VERSION {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrBadSuperblock, v)
	}
	sum := xxhash.Sum64(buf[:len(buf)-SB_CHECKSUM_LEN])
	if sum != binary.LittleEndian.Uint64(buf[len(buf)-SB_CHECKSUM_LEN:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBadSuperblock)
	}

	sb := &Superblock{
		Epoch:          binary.LittleEndian.Uint64(buf[SB_EPOCH_OFF:]),
		TotalPageCount: binary.LittleEndian.Uint64(buf[SB_TOTAL_OFF:]),
		QueueHeader:    make([]byte, pagequeue.HEADER_SIZE),
	}
	copy(sb.StoreID[:], buf[SB_STORE_ID_OFF:])
	copy(sb.QueueHeader, buf[SB_QUEUE_HDR_OFF:])
	return sb, nil
}

// LoadSuperblock reads both header pages and returns the newest intact one.
// A fresh, empty store returns nil without error; the caller creates the
// first superblock then. One torn header falls back to the other; losing
// both, or finding two intact headers with the same epoch, means the store
// is unusable.
func LoadSuperblock(s *Store) (*Superblock, error) {
	if s.PageCount() == 0 {
		return nil, nil
	}

	buf := make([]byte, s.PageSize())
	var newest *Superblock
	for id := uint64(0); id <= 1; id++ {
		if err := s.ReadPage(id, buf); err != nil {
			return nil, err
		}
		sb, err := decodeSuperblock(buf)
		if err != nil {
			continue
		}
		if newest != nil && sb.Epoch == newest.Epoch {
			return nil, fmt.Errorf("%w: both headers carry epoch %d", ErrBadSuperblock, sb.Epoch)
		}
		if newest == nil || sb.Epoch > newest.Epoch {
			newest = sb
		}
	}
	if newest == nil {
		return nil, ErrBadSuperblock
	}
	return newest, nil
}

// Commit makes the superblock durable: data pages first, then the header
// page for this epoch, each fenced by its own fsync. Until the second fsync
// returns, the previous epoch's header remains the committed state.
func (sb *Superblock) Commit(s *Store) error {
	if err := s.Sync(); err != nil {
		return err
	}
	buf := make([]byte, s.PageSize())
	sb.encode(buf)
	if err := s.WritePage(sb.Epoch%2, buf); err != nil {
		return err
	}
	return s.Sync()
}

