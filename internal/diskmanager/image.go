package diskmanager

import (
	"fmt"
	"os"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
)

// PartitionInfo describes one entry of an image's partition table
type PartitionInfo struct {
	Number int
	Start  int64
	Size   int64
	Name   string
}

// ImageInfo is what the placer needs to know about an image before
// touching it
type ImageInfo struct {
	Path       string
	Size       int64
	Table      string
	Partitions []PartitionInfo
}

// Partition returns partition number n (1-based).
func (i *ImageInfo) Partition(n int) (PartitionInfo, error) {
	for _, p := range i.Partitions {
		if p.Number == n {
			return p, nil
		}
	}
	return PartitionInfo{}, &ImageIOError{
		Op:   "find partition",
		Path: i.Path,
		Err:  fmt.Errorf("%w: %d (image has %d partitions)", ErrPartitionNotFound, n, len(i.Partitions)),
	}
}

// PartitionSizes maps partition numbers to sizes in bytes.
func (i *ImageInfo) PartitionSizes() map[int]int64 {
	sizes := make(map[int]int64, len(i.Partitions))
	for _, p := range i.Partitions {
		sizes[p.Number] = p.Size
	}
	return sizes
}

// Inspect reads an image's partition table without modifying the image.
func Inspect(imagePath string) (*ImageInfo, error) {
	st, err := os.Stat(imagePath)
	if err != nil {
		return nil, &ImageIOError{Op: "open image", Path: imagePath, Err: err}
	}
	if st.Size() == 0 {
		return nil, &ImageIOError{Op: "open image", Path: imagePath, Err: fmt.Errorf("image is empty")}
	}

	d, err := diskfs.Open(imagePath, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, &ImageIOError{Op: "open image", Path: imagePath, Err: err}
	}
	defer d.Close()

	table, err := d.GetPartitionTable()
	if err != nil {
		return nil, &ImageIOError{Op: "read partition table", Path: imagePath, Err: err}
	}

	info := &ImageInfo{Path: imagePath, Size: d.Size, Table: table.Type()}
	// unused slots are skipped but keep their numbers
	for i, p := range table.GetPartitions() {
		if p.GetSize() == 0 {
			continue
		}
		pi := PartitionInfo{Number: i + 1, Start: p.GetStart(), Size: p.GetSize()}
		switch tp := p.(type) {
		case *gpt.Partition:
			if tp.Type == gpt.Unused {
				continue
			}
			pi.Name = tp.Name
		case *mbr.Partition:
			if tp.Type == mbr.Empty {
				continue
			}
			pi.Name = fmt.Sprintf("type 0x%02x", uint8(tp.Type))
		}
		info.Partitions = append(info.Partitions, pi)
	}
	if len(info.Partitions) == 0 {
		return nil, &ImageIOError{Op: "read partition table", Path: imagePath, Err: fmt.Errorf("no partitions")}
	}
	return info, nil
}

// CreateImage writes a new sparse image of size bytes with a GPT holding
// one Linux filesystem partition per entry of partitionSizes. Partitions
// are left unformatted.
func CreateImage(imagePath string, size int64, partitionSizes ...int64) error {
	d, err := diskfs.Create(imagePath, size, diskfs.SectorSizeDefault)
	if err != nil {
		return fmt.Errorf("failed to create disk: %w", err)
	}
	defer d.Close()

	const sector = 512
	table := &gpt.Table{
		LogicalSectorSize:  sector,
		PhysicalSectorSize: sector,
		ProtectiveMBR:      true,
	}
	start := uint64(2048)
	for i, ps := range partitionSizes {
		sectors := uint64(ps) / sector
		table.Partitions = append(table.Partitions, &gpt.Partition{
			Start: start,
			End:   start + sectors - 1,
			Type:  gpt.LinuxFilesystem,
			Name:  fmt.Sprintf("part%d", i+1),
		})
		start += sectors
	}

	if err := d.Partition(table); err != nil {
		return fmt.Errorf("failed to partition disk: %w", err)
	}
	return nil
}
