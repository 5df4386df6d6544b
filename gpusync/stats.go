package gpusync

import (
	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/garrison/memutils"
	"github.com/vkngwrapper/garrison/native"
)

// Statistics is a snapshot of the device state's allocations and residency
type Statistics struct {
	Total               memutils.DetailedStatistics
	Resident            memutils.DetailedStatistics
	PermanentlyResident memutils.DetailedStatistics
	Evicted             memutils.DetailedStatistics

	Memory native.MemoryInfo

	Contexts                int
	ExecutionPeriod         uint64
	LastSubmittedFenceValue uint64
	CompletedFenceValue     uint64
}

func (s *Statistics) Clear() {
	s.Total.Clear()
	s.Resident.Clear()
	s.PermanentlyResident.Clear()
	s.Evicted.Clear()
	s.Memory = native.MemoryInfo{}
	s.Contexts = 0
	s.ExecutionPeriod = 0
	s.LastSubmittedFenceValue = 0
	s.CompletedFenceValue = 0
}

// CalculateStatistics populates the provided Statistics with the current state of every
// allocation tracked by the device state
func (d *DeviceState) CalculateStatistics(stats *Statistics) error {
	if stats == nil {
		return errors.New("attempted to calculate statistics into a nil Statistics")
	}

	stats.Clear()
	stats.Contexts = d.ContextCount()
	stats.ExecutionPeriod = d.ExecutionPeriod()
	stats.CompletedFenceValue = d.CompletedFenceValue()

	memory, err := d.device.QueryVideoMemoryInfo()
	if err != nil {
		return errors.Wrap(err, "failed to query video memory info")
	}
	stats.Memory = memory

	d.submitMutex.Lock()
	defer d.submitMutex.Unlock()

	stats.LastSubmittedFenceValue = d.fenceValue
	d.residency.list.AddDetailedStatistics(&stats.Resident)

	d.allocations.Iter(func(alloc *Allocation, _ struct{}) bool {
		stats.Total.AddAllocation(alloc.size)

		switch alloc.residencyStatus {
		case ResidencyPermanentlyResident:
			stats.PermanentlyResident.AddAllocation(alloc.size)
		case ResidencyEvicted:
			stats.Evicted.AddAllocation(alloc.size)
		}
		return false
	})

	return nil
}

// BuildStatsString returns a JSON document describing the device state. With detailed set, every
// allocation is listed in residency order.
func (d *DeviceState) BuildStatsString(detailed bool) string {
	var stats Statistics
	err := d.CalculateStatistics(&stats)
	if err != nil {
		d.logger.Error("DeviceState::BuildStatsString failed to calculate statistics")
	}

	writer := jwriter.NewWriter()
	obj := writer.Object()

	general := obj.Name("General").Object()
	general.Name("Contexts").Int(stats.Contexts)
	general.Name("ExecutionPeriod").Float64(float64(stats.ExecutionPeriod))
	general.Name("LastSubmittedFence").Float64(float64(stats.LastSubmittedFenceValue))
	general.Name("CompletedFence").Float64(float64(stats.CompletedFenceValue))
	general.Name("Budget").String(units.BytesSize(float64(stats.Memory.Budget)))
	general.Name("Usage").String(units.BytesSize(float64(stats.Memory.Usage)))
	general.End()

	total := obj.Name("Total").Object()
	stats.Total.PrintJson(&total)
	total.End()

	resident := obj.Name("Resident").Object()
	stats.Resident.PrintJson(&resident)
	resident.End()

	permanent := obj.Name("PermanentlyResident").Object()
	stats.PermanentlyResident.PrintJson(&permanent)
	permanent.End()

	evicted := obj.Name("Evicted").Object()
	stats.Evicted.PrintJson(&evicted)
	evicted.End()

	if detailed {
		d.submitMutex.Lock()

		d.residency.list.PrintDetailedMap(obj.Name("ResidencyList"))

		other := obj.Name("NonResidentAllocations").Array()
		d.allocations.Iter(func(alloc *Allocation, _ struct{}) bool {
			if alloc.residencyStatus == ResidencyResident {
				return false
			}

			allocObj := other.Object()
			alloc.printParameters(&allocObj)
			allocObj.End()
			return false
		})
		other.End()

		d.submitMutex.Unlock()
	}

	obj.End()
	return string(writer.Bytes())
}
