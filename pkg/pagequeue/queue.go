// ABOUTME: Durable split-list FIFO of free page ids with a commit barrier
// ABOUTME: Pages freed in one checkpoint epoch become allocatable in the next

package pagequeue

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nainya/pagestore/internal/metrics"
)

// AllocMode selects which list of the page manager an allocation draws from.
type AllocMode int

const (
	AllocNormal AllocMode = iota
	AllocReserve
)

func (m AllocMode) String() string {
	if m == AllocReserve {
		return "reserve"
	}
	return "normal"
}

// PageArray is the fixed-size paged store the queue persists itself into.
type PageArray interface {
	PageSize() int
	ReadPage(id uint64, buf []byte) error
	WritePage(id uint64, buf []byte) error
	PageCount() uint64
}

// Manager is the page manager that owns this queue. The queue allocates and
// deletes its own node pages through the manager that owns it.
type Manager interface {
	AllocPage(mode AllocMode) (uint64, error)
	DeletePage(id uint64, recycle bool) error
	IsPageOutOfBounds(id uint64) bool
	PageArray() PageArray
}

// Stats accumulates free-page tallies across queues.
type Stats struct {
	FreePages int64
}

// PageQueue is a persistent FIFO of page ids, split into a remove side that
// allocations consume and an append side that absorbs newly freed pages.
// The append head id is the barrier between the two: pages appended during
// the current epoch sit at or past the barrier and stay off limits until the
// next checkpoint is durable. An aggressive queue (the reserve list) drops
// that fence and only stops at the very tail.
type PageQueue struct {
	manager    Manager
	mode       AllocMode
	aggressive bool
	log        zerolog.Logger

	// Remove side, guarded by the remove lock provided by the caller.
	removePageCount       int64
	removeNodeCount       int64
	removeHead            []byte
	removeHeadID          uint64
	removeHeadOffset      int
	removeHeadFirstPageID uint64
	removeStoppedID       uint64

	// Barrier between the remove and append lists. Written with the append
	// lock held, or by CommitEnd under the remove lock; read without any
	// lock.
	appendHeadID atomic.Uint64

	// Append side, guarded by appendLock.
	appendLock      ReentrantLock
	appendHeap      *idHeap
	appendTail      []byte
	appendTailID    atomic.Uint64
	appendPageCount int64
	appendNodeCount int64
	drainInProgress bool

	pagesAppended prometheus.Counter
	pagesRemoved  prometheus.Counter
	heapDrains    prometheus.Counter
	nodesWritten  prometheus.Counter
}

// New creates a queue around the given manager. The queue is unusable until
// InitNew or InitRestore runs.
func New(manager Manager, mode AllocMode, aggressive bool, log zerolog.Logger) *PageQueue {
	pageSize := manager.PageArray().PageSize()
	met := metrics.Get()
	label := mode.String()
	return &PageQueue{
		manager:       manager,
		mode:          mode,
		aggressive:    aggressive,
		log:           log.With().Str("queue", label).Logger(),
		removeHead:    make([]byte, pageSize),
		appendHeap:    newIdHeap(pageSize - NODE_START),
		appendTail:    make([]byte, pageSize),
		pagesAppended: met.PagesAppended.WithLabelValues(label),
		pagesRemoved:  met.PagesRemoved.WithLabelValues(label),
		heapDrains:    met.HeapDrains.WithLabelValues(label),
		nodesWritten:  met.NodesWritten.WithLabelValues(label),
	}
}

// InitNew initializes a fresh queue around a single empty node. The node
// page is simultaneously the remove stop point, the barrier, and the tail.
func (q *PageQueue) InitNew(headNodeID uint64) {
	q.appendLock.Lock()
	defer q.appendLock.Unlock()
	q.removeStoppedID = headNodeID
	q.appendHeadID.Store(headNodeID)
	q.appendTailID.Store(headNodeID)
}

// InitRestore initializes a restored queue from a header slice written by
// CommitStart. Caller must hold the append and remove locks.
func (q *PageQueue) InitRestore(header []byte, off int) error {
	q.removePageCount = int64(getHeader64(header, off+HDR_REMOVE_PAGE_COUNT))
	q.removeNodeCount = int64(getHeader64(header, off+HDR_REMOVE_NODE_COUNT))

	q.removeHeadID = getHeader64(header, off+HDR_REMOVE_HEAD_ID)
	q.removeHeadOffset = int(getHeader32(header, off+HDR_REMOVE_HEAD_OFFSET))
	q.removeHeadFirstPageID = getHeader64(header, off+HDR_REMOVE_HEAD_FIRST)

	appendHeadID := getHeader64(header, off+HDR_APPEND_HEAD_ID)
	q.appendHeadID.Store(appendHeadID)
	q.appendTailID.Store(appendHeadID)

	if q.removeHeadID == 0 {
		q.removeStoppedID = appendHeadID
		return nil
	}
	if err := q.manager.PageArray().ReadPage(q.removeHeadID, q.removeHead); err != nil {
		return err
	}
	if q.removeHeadFirstPageID == 0 {
		// Zero is the restore sentinel: the seed lives in the node itself.
		q.removeHeadFirstPageID = QNode(q.removeHead).firstPageID()
	}
	return nil
}

// AppendLock returns the queue's append lock. Callers that need both locks
// must take this one before the remove lock.
func (q *PageQueue) AppendLock() sync.Locker {
	return &q.appendLock
}

// Append inserts a page which has been deleted. Ids zero and one are never
// valid free pages; passing one is a caller bug.
func (q *PageQueue) Append(id uint64) error {
	if id <= 1 {
		panic(fmt.Sprintf("pagequeue: append of page id %d", id))
	}

	q.appendLock.Lock()
	defer q.appendLock.Unlock()

	q.appendHeap.add(id)
	q.appendPageCount++
	q.pagesAppended.Inc()
	if !q.drainInProgress && q.appendHeap.shouldDrain() {
		return q.drainAppendHeap()
	}
	// If a drain is in progress, this append came from the allocation the
	// drain itself performed. The heap keeps one slot of headroom for it;
	// the id flushes when control returns to the draining call.
	return nil
}

// TryUnappend removes a page that was recently appended and is still in the
// heap, or returns 0 if none is available. Must not be called with the
// remove lock held.
func (q *PageQueue) TryUnappend() uint64 {
	q.appendLock.Lock()
	defer q.appendLock.Unlock()

	if q.drainInProgress && q.appendHeap.size() <= 1 {
		// The drain owns the last id.
		return 0
	}
	id := q.appendHeap.tryRemove()
	if id != 0 {
		q.appendPageCount--
	}
	return id
}

// drainAppendHeap flushes the heap into the current tail node and links in a
// freshly allocated empty tail. Caller must hold the append lock.
func (q *PageQueue) drainAppendHeap() error {
	if q.drainInProgress {
		panic("pagequeue: reentrant drain")
	}
	q.drainInProgress = true
	defer func() {
		q.drainInProgress = false
	}()

	newTailID, err := q.manager.AllocPage(q.mode)
	if err != nil {
		return err
	}
	firstPageID := q.appendHeap.remove()

	tail := QNode(q.appendTail)
	tail.setNextNodeID(newTailID)
	tail.setFirstPageID(firstPageID)

	end := q.appendHeap.drain(firstPageID, tail, NODE_START, len(tail)-NODE_START)

	// Zero the residue from previous use; a zero first varint byte is the
	// in-band payload terminator.
	for i := end; i < len(tail); i++ {
		tail[i] = 0
	}

	if err := q.manager.PageArray().WritePage(q.appendTailID.Load(), tail); err != nil {
		return err
	}

	q.appendNodeCount++
	q.appendTailID.Store(newTailID)
	q.heapDrains.Inc()
	q.nodesWritten.Inc()
	return nil
}

// TryRemove removes a page to satisfy an allocation request, or returns 0 if
// the queue is empty or the remaining pages are still fenced behind the
// barrier. The caller passes in the remove lock it holds. When 0 is returned
// without an error the lock is still held; on every other return, including
// every error, the lock has been released. Releasing before deleting the retired
// head node keeps the lock order with the append lock intact.
func (q *PageQueue) TryRemove(lock sync.Locker) (uint64, error) {
	if q.removeHeadID == 0 {
		if !q.aggressive || q.removeStoppedID == q.appendTailID.Load() {
			return 0, nil
		}
		// A newer tail exists, so an aggressive queue may keep going.
		if err := q.loadRemoveNode(q.removeStoppedID); err != nil {
			lock.Unlock()
			return 0, err
		}
		q.removeStoppedID = 0
	}

	pageID, oldHeadID, err := q.removeStep()
	lock.Unlock()
	if err != nil {
		return 0, err
	}
	if oldHeadID != 0 {
		// Delete the exhausted node outside the lock; deleting while locked
		// would re-enter the append lock in the wrong order relative to a
		// concurrent commit. The node is deleted rather than handed straight
		// back to the caller so its contents survive until the next commit.
		if err := q.manager.DeletePage(oldHeadID, true); err != nil {
			return 0, err
		}
	}
	q.pagesRemoved.Inc()
	return pageID, nil
}

// removeStep consumes one id from the head node, advancing to the next node
// when the payload runs out. Returns the id and, when a node was exhausted,
// the retired node id the caller must delete after unlocking.
func (q *PageQueue) removeStep() (uint64, uint64, error) {
	pageID := q.removeHeadFirstPageID

	if q.manager.IsPageOutOfBounds(pageID) {
		if q.mode != AllocReserve {
			metrics.Get().CorruptionsTotal.Inc()
			return 0, 0, fmt.Errorf("%w: invalid page id in free list: %d", ErrCorrupt, pageID)
		}
		// Reserve layouts can be sparse; trust the id but leave a trace.
		q.log.Debug().Uint64("page_id", pageID).Msg("reserve free list id outside bounds")
	}

	q.removePageCount--

	head := QNode(q.removeHead)
	if q.removeHeadOffset < len(head) {
		delta, next := head.decodeDelta(q.removeHeadOffset)
		if delta > 0 {
			q.removeHeadOffset = next
			q.removeHeadFirstPageID = pageID + delta
			return pageID, 0, nil
		}
		// Zero delta terminates the payload.
	}

	oldHeadID := q.removeHeadID
	nextID := head.nextNodeID()

	barrier := q.appendHeadID.Load()
	if q.aggressive {
		barrier = q.appendTailID.Load()
	}
	if nextID == barrier {
		// The rest of the chain belongs to the append side.
		q.removeHeadID = 0
		q.removeHeadOffset = 0
		q.removeHeadFirstPageID = 0
		q.removeStoppedID = nextID
	} else if err := q.loadRemoveNode(nextID); err != nil {
		return 0, 0, err
	}

	q.removeNodeCount--
	return pageID, oldHeadID, nil
}

// loadRemoveNode reads a node into the cached head buffer and resets the
// payload cursor. Caller must hold the remove lock.
func (q *PageQueue) loadRemoveNode(id uint64) error {
	if q.manager.IsPageOutOfBounds(id) {
		metrics.Get().CorruptionsTotal.Inc()
		return fmt.Errorf("%w: invalid node id in free list: %d", ErrCorrupt, id)
	}
	if err := q.manager.PageArray().ReadPage(id, q.removeHead); err != nil {
		return err
	}
	q.removeHeadID = id
	q.removeHeadOffset = NODE_START
	q.removeHeadFirstPageID = QNode(q.removeHead).firstPageID()
	return nil
}

// PreCommit drains the heap fully so every appended id resides on disk.
// Caller must hold the append and remove locks.
func (q *PageQueue) PreCommit() error {
	for q.appendHeap.size() > 0 {
		// Each pass assigns a new tail as a side effect.
		if err := q.drainAppendHeap(); err != nil {
			return err
		}
	}
	return nil
}

// CommitStart writes the post-epoch queue state into the header slice.
// Caller must hold the append and remove locks and have called PreCommit.
func (q *PageQueue) CommitStart(header []byte, off int) {
	putHeader64(header, off+HDR_REMOVE_PAGE_COUNT, uint64(q.removePageCount+q.appendPageCount))
	putHeader64(header, off+HDR_REMOVE_NODE_COUNT, uint64(q.removeNodeCount+q.appendNodeCount))

	if q.removeHeadID == 0 && q.appendPageCount > 0 {
		// Resume removal from the start of this epoch's append chain. The
		// zero first page id tells InitRestore to read the seed from the
		// node itself.
		putHeader64(header, off+HDR_REMOVE_HEAD_ID, q.appendHeadID.Load())
		putHeader32(header, off+HDR_REMOVE_HEAD_OFFSET, NODE_START)
		putHeader64(header, off+HDR_REMOVE_HEAD_FIRST, 0)
	} else {
		putHeader64(header, off+HDR_REMOVE_HEAD_ID, q.removeHeadID)
		putHeader32(header, off+HDR_REMOVE_HEAD_OFFSET, uint32(q.removeHeadOffset))
		putHeader64(header, off+HDR_REMOVE_HEAD_FIRST, q.removeHeadFirstPageID)
	}

	// Once the checkpoint is durable, everything appended this epoch is
	// eligible for removal.
	putHeader64(header, off+HDR_APPEND_HEAD_ID, q.appendTailID.Load())

	// Fold the counts now; the pages themselves stay fenced until CommitEnd.
	q.removePageCount += q.appendPageCount
	q.removeNodeCount += q.appendNodeCount
	q.appendPageCount = 0
	q.appendNodeCount = 0
}

// CommitEnd advances the barrier after the header written by CommitStart has
// become durable. Caller must hold the remove lock.
func (q *PageQueue) CommitEnd(header []byte, off int) error {
	newAppendHeadID := getHeader64(header, off+HDR_APPEND_HEAD_ID)

	if q.removeHeadID == 0 && q.removeStoppedID != newAppendHeadID {
		// Previously appended pages are now safe to remove.
		if err := q.loadRemoveNode(q.removeStoppedID); err != nil {
			return err
		}
		q.removeStoppedID = 0
	}

	q.appendHeadID.Store(newAppendHeadID)
	return nil
}

// Reclaim deletes or recycles every page reachable from this queue,
// effectively destroying it. Only a reserve queue in aggressive mode can be
// torn down this way. Ids greater than upperBound are discarded untouched.
func (q *PageQueue) Reclaim(removeLock sync.Locker, upperBound uint64, recycle bool) error {
	if q.mode != AllocReserve || !q.aggressive {
		panic("pagequeue: reclaim of a non-reserve queue")
	}

	for {
		pageID := q.TryUnappend()
		if pageID == 0 {
			break
		}
		if pageID <= upperBound {
			if err := q.manager.DeletePage(pageID, recycle); err != nil {
				return err
			}
		}
	}

	for {
		removeLock.Lock()
		pageID, err := q.TryRemove(removeLock)
		if err != nil {
			return err
		}
		if pageID == 0 {
			removeLock.Unlock()
			break
		}
		if pageID <= upperBound {
			if err := q.manager.DeletePage(pageID, recycle); err != nil {
				return err
			}
		}
	}

	if pageID := q.removeStoppedID; pageID != 0 && pageID <= upperBound {
		// Finish off the empty tail node. Queue node pages always wait out
		// the next commit before reuse.
		return q.manager.DeletePage(pageID, true)
	}
	return nil
}

// AddTo folds this queue's page and node counts into a free-page tally.
// Caller must hold the append and remove locks.
func (q *PageQueue) AddTo(stats *Stats) {
	stats.FreePages += q.removePageCount + q.appendPageCount +
		q.removeNodeCount + q.appendNodeCount
}
