package plan

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultBlockSize is the allocation unit assumed before a partition's
	// real block size is known.
	DefaultBlockSize = 4096
	// DefaultReserve is kept free on every partition for directory
	// metadata and the autostart links.
	DefaultReserve = 64 * 1024
)

// CapacityError reports a partition (or the whole image, Partition 0) that
// cannot hold the packages assigned to it.
type CapacityError struct {
	Partition int
	Demand    uint64
	Available uint64
}

func (e *CapacityError) Error() string {
	where := fmt.Sprintf("partition %d", e.Partition)
	if e.Partition == 0 {
		where = "image"
	}
	return fmt.Sprintf("not enough space on %s: packages need %s, %s available",
		where, humanize.IBytes(e.Demand), humanize.IBytes(e.Available))
}

// CapacityPlanner sizes an InstallPlan against partition space.
type CapacityPlanner struct {
	BlockSize uint64
	Reserve   uint64
}

// NewCapacityPlanner returns a planner with the default block size and
// reserve.
func NewCapacityPlanner() *CapacityPlanner {
	return &CapacityPlanner{BlockSize: DefaultBlockSize, Reserve: DefaultReserve}
}

// PackageDemand is the space one package takes on a partition: each file
// rounded up to whole blocks, one block per directory, plus the installed
// copy of its service unit when services are enabled.
func (c *CapacityPlanner) PackageDemand(pkg *Package) uint64 {
	var demand uint64
	for _, e := range pkg.Archive.Entries {
		if e.IsDir {
			demand += c.blockSize()
			continue
		}
		demand += c.roundUp(e.Size)
	}
	if pkg.Spec.EnableServices {
		for _, unit := range pkg.ServiceUnits() {
			demand += c.roundUp(unit.Size)
		}
	}
	return demand
}

// Demand returns the space every selected partition needs, reserve
// included.
func (c *CapacityPlanner) Demand(p *InstallPlan) map[int]uint64 {
	demand := make(map[int]uint64, len(p.Partitions))
	for _, partition := range p.Partitions {
		demand[partition] = c.Reserve
	}
	for _, e := range p.Entries {
		demand[e.Partition] += c.PackageDemand(e.Package)
	}
	return demand
}

// CheckImage is the cheap check done before any image is copied: the
// uncompressed size of everything to install must fit into the image, and
// each partition's demand must fit into the partition's size.
func (c *CapacityPlanner) CheckImage(p *InstallPlan, imageSize int64, partitionSizes map[int]int64) error {
	var total uint64
	for _, e := range p.Entries {
		total += e.Package.Archive.TotalSize
	}
	if imageSize >= 0 && total > uint64(imageSize) {
		return &CapacityError{Partition: 0, Demand: total, Available: uint64(imageSize)}
	}

	demand := c.Demand(p)
	for _, partition := range sortedKeys(demand) {
		size, ok := partitionSizes[partition]
		if !ok {
			continue
		}
		if size < 0 || demand[partition] > uint64(size) {
			return &CapacityError{Partition: partition, Demand: demand[partition], Available: uint64(max(size, 0))}
		}
	}
	return nil
}

// CheckFree compares demand with the free space reported by the mounted
// filesystems. It must run before the first byte is extracted.
func (c *CapacityPlanner) CheckFree(p *InstallPlan, free map[int]uint64) error {
	demand := c.Demand(p)
	for _, partition := range sortedKeys(demand) {
		available, ok := free[partition]
		if !ok {
			return fmt.Errorf("no free space reported for partition %d", partition)
		}
		if demand[partition] > available {
			return &CapacityError{Partition: partition, Demand: demand[partition], Available: available}
		}
	}
	return nil
}

func (c *CapacityPlanner) blockSize() uint64 {
	if c.BlockSize == 0 {
		return DefaultBlockSize
	}
	return c.BlockSize
}

func (c *CapacityPlanner) roundUp(size uint64) uint64 {
	bs := c.blockSize()
	if size == 0 {
		return bs
	}
	return (size + bs - 1) / bs * bs
}

func sortedKeys(m map[int]uint64) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
