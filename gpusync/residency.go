package gpusync

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/vkngwrapper/garrison/memutils"
	"github.com/vkngwrapper/garrison/native"
	"golang.org/x/exp/slog"
)

const unboundedGracePeriod time.Duration = math.MaxInt64

// residencyManager keeps the working set of allocations within the device's video memory budget.
// Every method must be called with the device submission mutex held.
type residencyManager struct {
	logger *slog.Logger
	device native.Device
	clock  func() time.Time

	disabled       bool
	minGracePeriod time.Duration
	maxGracePeriod time.Duration
	trimThreshold  float64
	batchSize      int

	// submissionFence is signaled by the queue as batches complete
	submissionFence native.Fence

	fence      native.Fence
	fenceValue uint64

	list residencyList

	evictScratch    []native.Resource
	residentScratch []native.Resource
	pending         []*Allocation
}

func (m *residencyManager) init(logger *slog.Logger, device native.Device, submissionFence native.Fence, options *CreateOptions) error {
	m.logger = logger
	m.device = device
	m.clock = options.Clock
	m.disabled = options.Flags&DeviceCreateDisableResidency != 0
	m.minGracePeriod = options.MinEvictionGracePeriod
	m.maxGracePeriod = options.MaxEvictionGracePeriod
	m.trimThreshold = options.TrimThreshold
	m.batchSize = options.ResidencyBatchSize
	m.submissionFence = submissionFence

	fence, err := device.CreateFence(0)
	if err != nil {
		return errors.Wrap(err, "failed to create the residency fence")
	}
	m.fence = fence

	return nil
}

func (m *residencyManager) destroy() {
	if m.fence != nil {
		m.fence.Release()
		m.fence = nil
	}
}

// gracePeriod is the amount of time an allocation may sit unused before it is trimmed
func (m *residencyManager) gracePeriod(info native.MemoryInfo) time.Duration {
	if info.Budget == 0 {
		return unboundedGracePeriod
	}

	pressure := float64(info.Usage) / float64(info.Budget)
	if pressure <= m.trimThreshold {
		return unboundedGracePeriod
	}

	scale := (pressure - m.trimThreshold) / (1 - m.trimThreshold)
	if scale > 1 {
		scale = 1
	}

	return m.maxGracePeriod - time.Duration(scale*float64(m.maxGracePeriod-m.minGracePeriod))
}

// trim evicts idle allocations from the head of the LRU list whose last use has completed
func (m *residencyManager) trim(completedFence uint64, now time.Time, gracePeriod time.Duration) error {
	if gracePeriod == unboundedGracePeriod {
		return nil
	}

	m.evictScratch = m.evictScratch[:0]
	var evictedBytes int

	for alloc := m.list.head; alloc != nil; {
		if alloc.lastUsedFence > completedFence || now.Sub(alloc.lastUsedTimestamp) <= gracePeriod {
			break
		}

		next := alloc.nextResident
		m.markEvicted(alloc)
		evictedBytes += alloc.size

		if len(m.evictScratch) >= m.batchSize {
			err := m.flushEvictions()
			if err != nil {
				return err
			}
		}
		alloc = next
	}

	if evictedBytes > 0 {
		m.logger.Debug("ResidencyManager::Trim", slog.String("evicted", units.BytesSize(float64(evictedBytes))), slog.Duration("gracePeriod", gracePeriod))
	}

	return m.flushEvictions()
}

func (m *residencyManager) markEvicted(alloc *Allocation) {
	m.list.remove(alloc)
	alloc.residencyStatus = ResidencyEvicted
	m.evictScratch = append(m.evictScratch, alloc.handle)
}

func (m *residencyManager) flushEvictions() error {
	if len(m.evictScratch) == 0 {
		return nil
	}

	err := m.device.Evict(m.evictScratch)
	m.evictScratch = m.evictScratch[:0]
	if err != nil {
		return errors.Wrap(err, "failed to evict allocations")
	}
	return nil
}

// reconcile makes every allocation referenced by the batch resident. It returns the residency
// fence value the queue must wait on before executing the batch, or 0 if no wait is required.
func (m *residencyManager) reconcile(references referenceSet, nextFence uint64) (uint64, error) {
	if m.disabled {
		return 0, nil
	}

	info, err := m.device.QueryVideoMemoryInfo()
	if err != nil {
		return 0, errors.Wrap(err, "failed to query video memory info")
	}

	now := m.clock()
	err = m.trim(m.submissionFence.CompletedValue(), now, m.gracePeriod(info))
	if err != nil {
		return 0, err
	}

	m.pending = m.pending[:0]
	references.each(func(alloc *Allocation, _ accessBits) {
		switch alloc.residencyStatus {
		case ResidencyPermanentlyResident:
			return
		case ResidencyResident:
			alloc.lastUsedFence = nextFence
			alloc.lastUsedTimestamp = now
			m.list.moveToBack(alloc)
		case ResidencyEvicted:
			alloc.lastUsedFence = nextFence
			alloc.lastUsedTimestamp = now
			if !alloc.residencyQueued {
				alloc.residencyQueued = true
				m.pending = append(m.pending, alloc)
			}
		}
	})

	if len(m.pending) == 0 {
		memutils.DebugValidate(&m.list)
		return 0, nil
	}

	waitValue, err := m.admit(nextFence)
	for _, alloc := range m.pending {
		alloc.residencyQueued = false
	}
	memutils.DebugValidate(&m.list)
	return waitValue, err
}

// abandon undoes the last-use stamps reconcile placed on the batch's allocations when the batch
// will not be signaled at nextFence. lastFence is the last fence value actually submitted, so list
// order is preserved.
func (m *residencyManager) abandon(references referenceSet, nextFence, lastFence uint64) {
	if m.disabled {
		return
	}

	references.each(func(alloc *Allocation, _ accessBits) {
		if alloc.residencyStatus != ResidencyPermanentlyResident && alloc.lastUsedFence == nextFence {
			alloc.lastUsedFence = lastFence
		}
	})
	memutils.DebugValidate(&m.list)
}

func (m *residencyManager) admit(nextFence uint64) (uint64, error) {
	var waitValue uint64
	pending := m.pending

	for len(pending) > 0 {
		info, err := m.device.QueryVideoMemoryInfo()
		if err != nil {
			return waitValue, errors.Wrap(err, "failed to query video memory info")
		}

		var headroom int
		if info.Budget > info.Usage {
			headroom = int(info.Budget - info.Usage)
		}

		count, size := 0, 0
		for count < len(pending) && count < m.batchSize && size+pending[count].size <= headroom {
			size += pending[count].size
			count++
		}

		canEvict := m.hasEvictable(nextFence)
		if count == 0 && !canEvict {
			// Nothing left to free, so the device gets a chance to find room on its own
			count = len(pending)
			if count > m.batchSize {
				count = m.batchSize
			}
		}

		if count > 0 {
			m.residentScratch = m.residentScratch[:0]
			for _, alloc := range pending[:count] {
				m.residentScratch = append(m.residentScratch, alloc.handle)
			}

			m.fenceValue++
			err = m.device.EnqueueMakeResident(m.residentScratch, m.fence, m.fenceValue)
			if err == nil {
				for _, alloc := range pending[:count] {
					alloc.residencyQueued = false
					alloc.residencyStatus = ResidencyResident
					m.list.pushBack(alloc)
				}
				pending = pending[count:]
				waitValue = m.fenceValue

				m.logger.Debug("ResidencyManager::MakeResident", slog.Int("count", count), slog.String("size", units.BytesSize(float64(size))))
				continue
			}

			if !canEvict {
				panic(errors.AssertionFailedf("the device refused to make %d allocations resident and nothing is left to evict: %v", count, err))
			}
			m.logger.Debug("ResidencyManager::MakeResident failed, evicting", slog.Any("error", err))
		}

		required := pending[0].size - headroom
		err = m.evictUntil(required, nextFence)
		if err != nil {
			return waitValue, err
		}
	}

	return waitValue, nil
}

// hasEvictable returns true if the LRU list holds an allocation that is not used by the batch
// being submitted
func (m *residencyManager) hasEvictable(nextFence uint64) bool {
	return m.list.head != nil && m.list.head.lastUsedFence < nextFence
}

// evictUntil synchronously evicts allocations from the head of the LRU list until at least
// required bytes have been freed, waiting for their last use to complete first. At least one
// allocation is evicted if any is evictable.
func (m *residencyManager) evictUntil(required int, nextFence uint64) error {
	m.evictScratch = m.evictScratch[:0]
	freed := 0
	completed := m.submissionFence.CompletedValue()

	for freed == 0 || freed < required {
		alloc := m.list.head
		if alloc == nil || alloc.lastUsedFence >= nextFence {
			break
		}

		if alloc.lastUsedFence > completed {
			// Everything that follows was used at least this recently, so wait on this one fence
			_, err := m.submissionFence.WaitFor(alloc.lastUsedFence, native.TimeoutInfinite)
			if err != nil {
				return errors.Wrapf(err, "failed to wait for fence %d before eviction", alloc.lastUsedFence)
			}
			completed = m.submissionFence.CompletedValue()
			if completed < alloc.lastUsedFence {
				completed = alloc.lastUsedFence
			}
		}

		m.markEvicted(alloc)
		freed += alloc.size

		if len(m.evictScratch) >= m.batchSize {
			err := m.flushEvictions()
			if err != nil {
				return err
			}
		}
	}

	m.logger.Debug("ResidencyManager::EvictUntil", slog.String("required", units.BytesSize(float64(required))), slog.String("freed", units.BytesSize(float64(freed))))
	return m.flushEvictions()
}

func (m *residencyManager) promoteToPermanent(alloc *Allocation) error {
	switch alloc.residencyStatus {
	case ResidencyPermanentlyResident:
		return nil
	case ResidencyResident:
		m.list.remove(alloc)
	case ResidencyEvicted:
		if !m.disabled {
			m.fenceValue++
			err := m.device.EnqueueMakeResident([]native.Resource{alloc.handle}, m.fence, m.fenceValue)
			if err != nil {
				return errors.Wrapf(err, "failed to make allocation %q resident", alloc.name)
			}

			_, err = m.fence.WaitFor(m.fenceValue, native.TimeoutInfinite)
			if err != nil {
				return errors.Wrapf(err, "failed to wait for allocation %q to become resident", alloc.name)
			}
		}
	}

	alloc.residencyStatus = ResidencyPermanentlyResident
	return nil
}

// track adds a newly-created allocation to the residency bookkeeping
func (m *residencyManager) track(alloc *Allocation) {
	if alloc.residencyStatus == ResidencyResident {
		alloc.lastUsedTimestamp = m.clock()
		m.list.insertOrdered(alloc)
	}
}

// forget removes a destroyed allocation from the residency bookkeeping
func (m *residencyManager) forget(alloc *Allocation) {
	if alloc.residencyStatus == ResidencyResident {
		m.list.remove(alloc)
	}
	alloc.residencyStatus = ResidencyEvicted
}
