// ABOUTME: Verification hooks that walk the queue chain without mutating it
// ABOUTME: Range checks via a commutative hash and free-page bitmap tracing

package pagequeue

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/nainya/pagestore/internal/metrics"
)

// scramble is a bijective 64-bit mixer. Summing scrambled ids gives an
// order-independent fingerprint; collisions between distinct multisets are
// astronomically unlikely at free-list sizes.
func scramble(v uint64) uint64 {
	v ^= v >> 30
	v *= 0xbf58476d1ce4e5b9
	v ^= v >> 27
	v *= 0x94d049bb133111eb
	v ^= v >> 31
	return v
}

// VerifyPageRange scans every page in the queue and reports whether the
// reachable ids, including in-range node ids, form exactly the half-open
// range [startID, endID). Assumes no duplicates exist. Caller must hold the
// remove lock.
func (q *PageQueue) VerifyPageRange(startID, endID uint64) (bool, error) {
	var expectedHash uint64
	for i := startID; i < endID; i++ {
		// Addition commutes; pages will not be observed in order.
		expectedHash += scramble(i)
	}

	var hash uint64
	var count uint64

	nodeID := q.removeHeadID
	if nodeID != 0 {
		node := make(QNode, len(q.removeHead))
		copy(node, q.removeHead)
		pageID := q.removeHeadFirstPageID
		offset := q.removeHeadOffset

		for {
			if pageID < startID || pageID >= endID {
				return false, nil
			}

			hash += scramble(pageID)
			count++

			if offset < len(node) {
				delta, next := node.decodeDelta(offset)
				if delta > 0 {
					offset = next
					pageID += delta
					continue
				}
			}

			if nodeID >= startID && nodeID < endID {
				// In-range queue nodes count too.
				hash += scramble(nodeID)
				count++
			}

			nodeID = node.nextNodeID()
			if nodeID == q.appendTailID.Load() {
				break
			}

			if err := q.manager.PageArray().ReadPage(nodeID, node); err != nil {
				return false, err
			}
			pageID = node.firstPageID()
			offset = NODE_START
		}
	}

	return hash == expectedHash && count == endID-startID, nil
}

// TraceRemovablePages clears the bit of every page and node reachable as
// free, including the append head, and returns how many bits were cleared.
// A bit that is already clear means the page was freed twice. Caller must
// hold the remove lock.
func (q *PageQueue) TraceRemovablePages(pages *bitset.BitSet) (int, error) {
	count := 0

	// The append head is not removable, but leaving its bit set would make
	// one page look missing forever, even right after startup.
	nodeID := q.appendHeadID.Load()
	if nodeID < q.manager.PageArray().PageCount() {
		count++
		if err := clearPageBit(pages, nodeID); err != nil {
			return count, err
		}
	}

	nodeID = q.removeHeadID
	if nodeID == 0 {
		return count, nil
	}

	node := make(QNode, len(q.removeHead))
	copy(node, q.removeHead)
	pageID := q.removeHeadFirstPageID
	offset := q.removeHeadOffset

	for {
		count++
		if err := clearPageBit(pages, pageID); err != nil {
			return count, err
		}

		if offset < len(node) {
			delta, next := node.decodeDelta(offset)
			if delta > 0 {
				offset = next
				pageID += delta
				continue
			}
		}

		// The node holding the list segment is itself free.
		count++
		if err := clearPageBit(pages, nodeID); err != nil {
			return count, err
		}

		nodeID = node.nextNodeID()
		if nodeID == q.appendHeadID.Load() || nodeID == q.appendTailID.Load() {
			break
		}

		if err := q.manager.PageArray().ReadPage(nodeID, node); err != nil {
			return count, err
		}
		pageID = node.firstPageID()
		offset = NODE_START
	}

	return count, nil
}

func clearPageBit(pages *bitset.BitSet, pageID uint64) error {
	idx := uint(pageID)
	if pages.Test(idx) {
		pages.Clear(idx)
	} else if idx < pages.Len() {
		metrics.Get().CorruptionsTotal.Inc()
		return fmt.Errorf("%w: doubly freed page: %d", ErrCorrupt, pageID)
	}
	return nil
}
