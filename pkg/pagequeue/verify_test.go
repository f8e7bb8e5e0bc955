// ABOUTME: Tests for queue verification and free-page bitmap tracing
// ABOUTME: Range hashing, subset walks and double-free detection

package pagequeue

import (
	"errors"
	"strings"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/rs/zerolog"
)

// buildRangeQueue commits a queue whose reachable pages plus chain nodes
// cover exactly [2, 59): node 2 carries payload 3..58 and the empty tail
// lands on 59, just outside the range.
func buildRangeQueue(t *testing.T) (*fakeManager, *PageQueue, *ReentrantLock) {
	t.Helper()
	m := newFakeManager(t, 100)
	m.alloc = []uint64{59}
	q := New(m, AllocNormal, false, zerolog.Nop())
	q.InitNew(2)

	var lock ReentrantLock
	for id := uint64(3); id <= 58; id++ {
		if err := q.Append(id); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	commitQueue(t, q, &lock)
	return m, q, &lock
}

func TestVerifyPageRangeExact(t *testing.T) {
	_, q, _ := buildRangeQueue(t)

	ok, err := q.VerifyPageRange(2, 59)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Error("expected [2, 59) to verify")
	}

	// A wider range misses id 59; a narrower one puts id 58 out of bounds.
	for _, r := range [][2]uint64{{2, 60}, {2, 58}} {
		ok, err := q.VerifyPageRange(r[0], r[1])
		if err != nil {
			t.Fatalf("verify [%d, %d): %v", r[0], r[1], err)
		}
		if ok {
			t.Errorf("range [%d, %d) should not verify", r[0], r[1])
		}
	}
}

func TestVerifyPageRangeEvens(t *testing.T) {
	// Odd ids feed the chain nodes, even ids become payload.
	m := newFakeManager(t, 5)
	m.step = 2
	q := New(m, AllocNormal, false, zerolog.Nop())
	q.InitNew(3)

	var lock ReentrantLock
	evens := make(map[uint64]bool)
	for id := uint64(2); id < 2048; id += 2 {
		evens[id] = true
		if err := q.Append(id); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	commitQueue(t, q, &lock)

	// The contiguous range misses every odd non-node id.
	ok, err := q.VerifyPageRange(2, 2048)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Error("expected mixed range to fail verification")
	}

	// The same walk against the even subset matches exactly.
	payload := walkPayload(t, q)
	if len(payload) != len(evens) {
		t.Fatalf("walked %d payload ids, want %d", len(payload), len(evens))
	}
	for _, id := range payload {
		if !evens[id] {
			t.Fatalf("unexpected payload id %d", id)
		}
	}
}

// walkPayload collects every payload id reachable from the remove head, the
// same traversal the verifiers use.
func walkPayload(t *testing.T, q *PageQueue) []uint64 {
	t.Helper()
	var out []uint64

	nodeID := q.removeHeadID
	if nodeID == 0 {
		return out
	}
	node := make(QNode, len(q.removeHead))
	copy(node, q.removeHead)
	pageID := q.removeHeadFirstPageID
	offset := q.removeHeadOffset

	for {
		out = append(out, pageID)

		if offset < len(node) {
			delta, next := node.decodeDelta(offset)
			if delta > 0 {
				offset = next
				pageID += delta
				continue
			}
		}

		nodeID = node.nextNodeID()
		if nodeID == q.appendTailID.Load() {
			return out
		}
		if err := q.manager.PageArray().ReadPage(nodeID, node); err != nil {
			t.Fatalf("read node %d: %v", nodeID, err)
		}
		pageID = node.firstPageID()
		offset = NODE_START
	}
}

func TestTraceRemovablePages(t *testing.T) {
	m, q, _ := buildRangeQueue(t)
	m.array.count = 100

	pages := bitset.New(100)
	pages.FlipRange(0, 100)
	before := pages.Count()

	count, err := q.TraceRemovablePages(pages)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}

	// 56 payload pages, node 2, and the append head 59.
	if count != 58 {
		t.Errorf("cleared count: expected 58, got %d", count)
	}
	if got := before - pages.Count(); got != uint(count) {
		t.Errorf("cardinality dropped by %d, cleared %d", got, count)
	}
	if pages.Test(59) {
		t.Error("append head bit still set")
	}
	if pages.Test(2) || pages.Test(30) {
		t.Error("free page bits still set")
	}
	if !pages.Test(60) {
		t.Error("unrelated bit was cleared")
	}
}

func TestTraceDoubleFree(t *testing.T) {
	m, q, _ := buildRangeQueue(t)
	m.array.count = 100

	pages := bitset.New(100)
	pages.FlipRange(0, 100)
	pages.Clear(42)

	_, err := q.TraceRemovablePages(pages)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if !strings.Contains(err.Error(), "doubly freed page: 42") {
		t.Errorf("error should name page 42: %v", err)
	}
}

func TestScrambleBijective(t *testing.T) {
	seen := make(map[uint64]uint64)
	for i := uint64(0); i < 100000; i++ {
		v := scramble(i)
		if prev, ok := seen[v]; ok {
			t.Fatalf("scramble collision: %d and %d", prev, i)
		}
		seen[v] = i
	}
}
