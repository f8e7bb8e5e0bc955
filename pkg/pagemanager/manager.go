// ABOUTME: Page manager owning the free queues and the allocation policy
// ABOUTME: Routes alloc/delete traffic and drives the checkpoint handshake

package pagemanager

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nainya/pagestore/internal/metrics"
	"github.com/nainya/pagestore/pkg/pagequeue"
	"github.com/nainya/pagestore/pkg/pagestore"
)

var (
	// ErrReserveActive is returned when a reserve cycle is already running.
	ErrReserveActive = errors.New("pagemanager: reserve list already active")
)

// Config holds manager configuration
type Config struct {
	// Logger for manager and queue events; nil disables logging.
	Logger *zerolog.Logger
}

// Stats is a point-in-time accounting of the store.
type Stats struct {
	TotalPages uint64
	FreePages  int64
}

// Manager owns the backing store and the free-page queues. It hands out page
// ids, takes deleted pages back, and periodically folds the whole state into
// a durable checkpoint. Pages 0 and 1 are the superblock headers, so the
// lowest id the manager ever hands out is 2.
type Manager struct {
	store *pagestore.Store
	log   zerolog.Logger
	met   *metrics.Metrics

	// removeLock guards the remove side of every queue and the grow point.
	// Reentrant: a checkpoint holds it while its drains loop back into
	// AllocPage.
	removeLock     pagequeue.ReentrantLock
	totalPageCount atomic.Uint64

	sb    *pagestore.Superblock
	queue *pagequeue.PageQueue

	// reserve holds the transient reserve queue while a reserve cycle runs.
	reserve atomic.Pointer[pagequeue.PageQueue]
}

// Open restores a manager from the store's superblock, or initializes a
// fresh store when none exists yet.
func Open(store *pagestore.Store, cfg Config) (*Manager, error) {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	sb, err := pagestore.LoadSuperblock(store)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store: store,
		log:   log,
		met:   metrics.Get(),
	}
	m.queue = pagequeue.New(m, pagequeue.AllocNormal, false, log)

	if sb == nil {
		// Brand new store: headers on pages 0 and 1, first queue node on 2.
		m.sb = pagestore.NewSuperblock()
		m.totalPageCount.Store(2)
		m.queue.InitNew(m.grow())
		m.sb.TotalPageCount = m.totalPageCount.Load()
		if err := m.sb.Commit(store); err != nil {
			return nil, err
		}
		m.log.Info().
			Str("path", store.Path).
			Str("store_id", m.sb.StoreID.String()).
			Msg("page store created")
	} else {
		m.sb = sb
		m.totalPageCount.Store(sb.TotalPageCount)
		if pagequeue.Exists(sb.QueueHeader, 0) {
			m.queue.AppendLock().Lock()
			m.removeLock.Lock()
			err := m.queue.InitRestore(sb.QueueHeader, 0)
			m.removeLock.Unlock()
			m.queue.AppendLock().Unlock()
			if err != nil {
				return nil, err
			}
		} else {
			// The committed queue has nothing on its remove side (it never
			// held a page, or was drained completely); start it over around
			// a new node. The old empty node is not reclaimed.
			m.removeLock.Lock()
			head := m.grow()
			m.removeLock.Unlock()
			m.queue.InitNew(head)
		}
		m.log.Info().
			Str("path", store.Path).
			Str("store_id", sb.StoreID.String()).
			Uint64("epoch", sb.Epoch).
			Uint64("total_pages", sb.TotalPageCount).
			Msg("page store opened")
	}

	m.met.TotalPages.Set(float64(m.totalPageCount.Load()))
	return m, nil
}

// grow extends the store by one page. Caller must hold the remove lock,
// except during Open before the manager is shared.
func (m *Manager) grow() uint64 {
	id := m.totalPageCount.Load()
	m.totalPageCount.Store(id + 1)
	return id
}

// AllocPage hands out a page id: from the matching free queue when one is
// ready, otherwise by growing the file.
func (m *Manager) AllocPage(mode pagequeue.AllocMode) (uint64, error) {
	q := m.queue
	source := "normal"
	if mode == pagequeue.AllocReserve {
		q = m.reserve.Load()
		source = "reserve"
	}

	if q != nil {
		m.removeLock.Lock()
		id, err := q.TryRemove(&m.removeLock)
		if err != nil {
			return 0, err
		}
		if id != 0 {
			m.met.PagesAllocated.WithLabelValues(source).Inc()
			return id, nil
		}
		// Queue exhausted; the remove lock is still held.
		id = m.grow()
		m.removeLock.Unlock()
		m.met.PagesAllocated.WithLabelValues("grow").Inc()
		return id, nil
	}

	m.removeLock.Lock()
	id := m.grow()
	m.removeLock.Unlock()
	m.met.PagesAllocated.WithLabelValues("grow").Inc()
	return id, nil
}

// DeletePage takes back a page whose contents are no longer needed. With
// recycle the id goes to the normal queue and becomes allocatable after the
// next checkpoint. Without recycle the id is retained for the reserve
// mechanism; if no reserve cycle is running it falls back to the normal
// queue.
func (m *Manager) DeletePage(id uint64, recycle bool) error {
	m.met.PagesDeleted.Inc()
	if !recycle {
		if r := m.reserve.Load(); r != nil {
			return r.Append(id)
		}
		m.log.Debug().Uint64("page_id", id).Msg("no reserve list active, recycling page")
	}
	return m.queue.Append(id)
}

// StoreID returns the identity fixed when the store was created.
func (m *Manager) StoreID() uuid.UUID {
	return m.sb.StoreID
}

// IsPageOutOfBounds reports whether id can not name an allocatable page.
func (m *Manager) IsPageOutOfBounds(id uint64) bool {
	return id < 2 || id >= m.totalPageCount.Load()
}

// PageArray returns the paged store view the queues operate on. The manager
// is the handle itself: reads and writes go straight to the store, while the
// page count reflects the grow point rather than the file length, which lags
// behind until grown pages are first written.
func (m *Manager) PageArray() pagequeue.PageArray {
	return m
}

// PageSize returns the store's fixed page size.
func (m *Manager) PageSize() int {
	return m.store.PageSize()
}

// ReadPage reads page id into buf.
func (m *Manager) ReadPage(id uint64, buf []byte) error {
	return m.store.ReadPage(id, buf)
}

// WritePage writes buf to page id.
func (m *Manager) WritePage(id uint64, buf []byte) error {
	return m.store.WritePage(id, buf)
}

// PageCount returns the logical page count of the store.
func (m *Manager) PageCount() uint64 {
	return m.totalPageCount.Load()
}

// Checkpoint makes every page freed so far durable and, once the new
// superblock is on stable storage, advances the queue barrier so those pages
// become allocatable. Holding the append lock before the remove lock is the
// global lock order.
func (m *Manager) Checkpoint() error {
	start := time.Now()

	m.queue.AppendLock().Lock()
	m.removeLock.Lock()
	err := m.checkpointLocked()
	m.removeLock.Unlock()
	m.queue.AppendLock().Unlock()

	duration := time.Since(start)
	if err != nil {
		m.log.Error().Err(err).Dur("duration_ms", duration).Msg("checkpoint failed")
		return err
	}
	m.met.CheckpointsTotal.Inc()
	m.met.CheckpointDuration.Observe(duration.Seconds())
	m.log.Debug().
		Uint64("epoch", m.sb.Epoch).
		Dur("duration_ms", duration).
		Msg("checkpoint completed")
	return nil
}

func (m *Manager) checkpointLocked() error {
	if err := m.queue.PreCommit(); err != nil {
		return err
	}
	m.queue.CommitStart(m.sb.QueueHeader, 0)
	m.sb.TotalPageCount = m.totalPageCount.Load()
	m.sb.Epoch++
	if err := m.sb.Commit(m.store); err != nil {
		return err
	}
	if err := m.queue.CommitEnd(m.sb.QueueHeader, 0); err != nil {
		return err
	}

	var qs pagequeue.Stats
	m.queue.AddTo(&qs)
	m.met.FreePages.Set(float64(qs.FreePages))
	m.met.TotalPages.Set(float64(m.sb.TotalPageCount))
	return nil
}

// BeginReserve starts a reserve cycle: pages deleted without recycle from
// now on land on an aggressive reserve queue instead of the normal list.
func (m *Manager) BeginReserve() error {
	if m.reserve.Load() != nil {
		return ErrReserveActive
	}
	r := pagequeue.New(m, pagequeue.AllocReserve, true, m.log)
	m.removeLock.Lock()
	head := m.grow()
	m.removeLock.Unlock()
	r.InitNew(head)
	m.reserve.Store(r)
	m.log.Debug().Uint64("head_node", head).Msg("reserve list started")
	return nil
}

// EndReserve tears the reserve queue down, returning every id up to
// upperBound (inclusive) to the manager with the recycle flag propagated.
func (m *Manager) EndReserve(upperBound uint64, recycle bool) error {
	r := m.reserve.Swap(nil)
	if r == nil {
		return nil
	}
	return r.Reclaim(&m.removeLock, upperBound, recycle)
}

// Stats tallies total and free pages across the queues.
func (m *Manager) Stats() Stats {
	m.queue.AppendLock().Lock()
	r := m.reserve.Load()
	if r != nil {
		r.AppendLock().Lock()
	}
	m.removeLock.Lock()

	var qs pagequeue.Stats
	m.queue.AddTo(&qs)
	if r != nil {
		r.AddTo(&qs)
	}
	total := m.totalPageCount.Load()

	m.removeLock.Unlock()
	if r != nil {
		r.AppendLock().Unlock()
	}
	m.queue.AppendLock().Unlock()

	return Stats{TotalPages: total, FreePages: qs.FreePages}
}

// TraceFreePages accounts for every page in the store: a bit is set for each
// page, the superblock headers and everything reachable as free are cleared,
// and the remaining set bits are pages in live use. Returns that in-use
// count. A doubly freed page surfaces as corruption.
func (m *Manager) TraceFreePages() (uint64, error) {
	m.queue.AppendLock().Lock()
	defer m.queue.AppendLock().Unlock()
	r := m.reserve.Load()
	if r != nil {
		r.AppendLock().Lock()
		defer r.AppendLock().Unlock()
	}
	m.removeLock.Lock()
	defer m.removeLock.Unlock()

	total := m.totalPageCount.Load()
	pages := bitset.New(uint(total))
	pages.FlipRange(0, uint(total))
	pages.Clear(0)
	pages.Clear(1)

	if _, err := m.queue.TraceRemovablePages(pages); err != nil {
		return 0, err
	}
	if r != nil {
		if _, err := r.TraceRemovablePages(pages); err != nil {
			return 0, err
		}
	}
	return uint64(pages.Count()), nil
}
