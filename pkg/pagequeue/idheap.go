// ABOUTME: Min-heap of page ids pending their move to an on-disk queue node
// ABOUTME: Emits ids in sorted order so deltas stay small and non-negative

package pagequeue

import (
	"encoding/binary"
	"fmt"
)

// idHeap buffers freshly appended page ids until a drain flushes them into
// the tail node. Capacity is chosen so a full drain always fits the node
// payload even if every delta needs a worst-case varint. The backing slice
// keeps one slot of headroom beyond maxSize: an allocation performed inside
// a drain may append one more id before the drain completes.
type idHeap struct {
	ids     []uint64
	maxSize int
}

// newIdHeap sizes the heap for a node payload of payloadCap bytes.
func newIdHeap(payloadCap int) *idHeap {
	maxSize := payloadCap / binary.MaxVarintLen64
	if maxSize < 2 {
		panic(fmt.Sprintf("pagequeue: payload capacity too small: %d", payloadCap))
	}
	return &idHeap{
		ids:     make([]uint64, 0, maxSize+1),
		maxSize: maxSize,
	}
}

func (h *idHeap) size() int {
	return len(h.ids)
}

// add inserts an id, keeping the minimum at the root.
func (h *idHeap) add(id uint64) {
	if len(h.ids) == cap(h.ids) {
		panic("pagequeue: id heap overflow")
	}
	h.ids = append(h.ids, id)
	pos := len(h.ids) - 1
	for pos > 0 {
		parent := (pos - 1) / 2
		if id >= h.ids[parent] {
			break
		}
		h.ids[pos] = h.ids[parent]
		pos = parent
	}
	h.ids[pos] = id
}

// remove extracts the minimum. The heap must not be empty.
func (h *idHeap) remove() uint64 {
	size := len(h.ids)
	if size == 0 {
		panic("pagequeue: remove from empty id heap")
	}
	min := h.ids[0]
	size--
	last := h.ids[size]
	h.ids = h.ids[:size]
	if size > 0 {
		pos := 0
		for {
			child := 2*pos + 1
			if child >= size {
				break
			}
			if child+1 < size && h.ids[child+1] < h.ids[child] {
				child++
			}
			if last <= h.ids[child] {
				break
			}
			h.ids[pos] = h.ids[child]
			pos = child
		}
		h.ids[pos] = last
	}
	return min
}

// tryRemove extracts the minimum, or returns 0 if the heap is empty.
func (h *idHeap) tryRemove() uint64 {
	if len(h.ids) == 0 {
		return 0
	}
	return h.remove()
}

// shouldDrain reports that the contents might no longer fit within the
// payload once one more varint is written.
func (h *idHeap) shouldDrain() bool {
	return len(h.ids) >= h.maxSize
}

// drain extracts every id in ascending order and writes the deltas from
// prev as unsigned varints into buf[off:off+length]. Returns the offset
// just past the last byte written.
func (h *idHeap) drain(prev uint64, buf []byte, off, length int) int {
	end := off + length
	for len(h.ids) > 0 {
		id := h.remove()
		off += binary.PutUvarint(buf[off:end], id-prev)
		prev = id
	}
	return off
}
