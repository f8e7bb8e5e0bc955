// ABOUTME: Tests for the append heap ordering and drain encoding
// ABOUTME: The heap must emit sorted ids that fit one node payload

package pagequeue

import (
	"encoding/binary"
	"math/rand"
	"testing"
)

func TestIdHeapOrdering(t *testing.T) {
	h := newIdHeap(testPageSize - NODE_START)

	rng := rand.New(rand.NewSource(42))
	ids := make([]uint64, 0, 100)
	for i := 0; i < 100; i++ {
		id := uint64(2 + rng.Intn(1_000_000))
		ids = append(ids, id)
		h.add(id)
	}

	prev := uint64(0)
	for i := 0; i < len(ids); i++ {
		id := h.remove()
		if id < prev {
			t.Fatalf("extraction out of order: %d after %d", id, prev)
		}
		prev = id
	}
	if h.size() != 0 {
		t.Errorf("heap not empty after full extraction: %d", h.size())
	}
}

func TestIdHeapTryRemoveEmpty(t *testing.T) {
	h := newIdHeap(testPageSize - NODE_START)
	if id := h.tryRemove(); id != 0 {
		t.Errorf("expected 0 from empty heap, got %d", id)
	}
}

func TestIdHeapShouldDrain(t *testing.T) {
	h := newIdHeap(testPageSize - NODE_START)

	for i := 0; i < h.maxSize-1; i++ {
		h.add(uint64(2 + i))
		if h.shouldDrain() {
			t.Fatalf("shouldDrain tripped early at size %d", h.size())
		}
	}
	h.add(uint64(2 + h.maxSize))
	if !h.shouldDrain() {
		t.Fatalf("shouldDrain did not trip at size %d", h.size())
	}

	// One more slot of headroom exists for a reentrant append.
	h.add(uint64(3 + h.maxSize))
	if h.size() != h.maxSize+1 {
		t.Fatalf("headroom slot missing: size %d", h.size())
	}
}

func TestIdHeapDrainEncoding(t *testing.T) {
	h := newIdHeap(testPageSize - NODE_START)
	ids := []uint64{90, 7, 300, 12, 100000}
	for _, id := range ids {
		h.add(id)
	}

	first := h.remove()
	if first != 7 {
		t.Fatalf("expected minimum 7 first, got %d", first)
	}

	buf := make([]byte, testPageSize)
	end := h.drain(first, buf, NODE_START, len(buf)-NODE_START)

	// Decode the delta stream back into absolute ids.
	got := []uint64{first}
	off := NODE_START
	prev := first
	for off < end {
		delta, n := binary.Uvarint(buf[off:])
		if n <= 0 || delta == 0 {
			t.Fatalf("bad varint at offset %d", off)
		}
		prev += delta
		got = append(got, prev)
		off += n
	}

	want := []uint64{7, 12, 90, 300, 100000}
	if len(got) != len(want) {
		t.Fatalf("decoded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decoded %v, want %v", got, want)
		}
	}
	if h.size() != 0 {
		t.Errorf("heap not empty after drain: %d", h.size())
	}
}

func TestIdHeapWorstCaseDrainFits(t *testing.T) {
	h := newIdHeap(testPageSize - NODE_START)

	// Giant deltas force five-byte varints; a full heap plus the headroom
	// id must still encode within one payload.
	id := uint64(1) << 33
	for i := 0; i <= h.maxSize; i++ {
		h.add(id)
		id += uint64(1) << 34
	}

	first := h.remove()
	buf := make([]byte, testPageSize)
	end := h.drain(first, buf, NODE_START, len(buf)-NODE_START)
	if end > len(buf) {
		t.Fatalf("drain overflowed the payload: end %d", end)
	}
}
