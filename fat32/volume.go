package fat32

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/tangram-embedded/sdfat/internal/mbr"
)

// Cluster chain markers, a 32-bit FAT32 entry with the top 4 reserved
// bits masked off.
const (
	clusterFree    = 0x00000000
	clusterEOCLo   = 0x0FFFFFF8 // lowest value meaning end-of-chain
	clusterEOCHi   = 0x0FFFFFFF
	clusterEOCMark = 0x0FFFFFFF // value written to terminate a new chain
	clusterMask    = 0x0FFFFFFF
)

func isEOC(cluster uint32) bool {
	return cluster >= clusterEOCLo && cluster <= clusterEOCHi
}

// entriesPerSector is the number of 32-byte directory entries that fit in
// one sector.
const entriesPerSector = sectorSize / dirEntrySize

// Volume is a mounted FAT32 filesystem backed by a BlockDevice. It owns the
// single-sector write-back FAT cache; all File handles opened against it
// route FAT reads and writes through that cache.
type Volume struct {
	dev   BlockDevice
	cache cacheOps
	log   *slog.Logger

	sectorsPerCluster uint32
	bytesPerCluster   uint32
	fatStartLBA       uint32
	fatSizeSectors    uint32
	dataStartLBA      uint32
	rootCluster       uint32
	totalClusters     uint32

	fatSector []byte // 512-byte FAT sector cache
	fatLBA    uint32
	fatValid  bool
	fatDirty  bool
}

// Option configures a Volume at Mount time.
type Option func(*Volume)

// WithLogger attaches a structured logger; nil disables tracing.
func WithLogger(log *slog.Logger) Option {
	return func(v *Volume) { v.log = log }
}

// WithCache attaches a cache-maintenance backend. Without this option a
// Volume performs no cache maintenance, appropriate for a hosted build
// where dev is not DMA-visible memory shared with hardware.
func WithCache(c cacheOps) Option {
	return func(v *Volume) {
		if c == nil {
			c = noCache{}
		}
		v.cache = c
	}
}

func (v *Volume) trace(msg string, args ...any) {
	if v.log != nil {
		v.log.Debug(msg, args...)
	}
}

// Mount reads the boot sector (and, if it isn't a super-floppy volume, the
// first FAT32 partition named by the MBR) and builds the geometry a Volume
// needs to translate clusters to LBAs and walk the FAT.
func Mount(dev BlockDevice, opts ...Option) (*Volume, error) {
	v := &Volume{
		dev:       dev,
		cache:     noCache{},
		fatSector: make([]byte, sectorSize),
	}
	for _, opt := range opts {
		opt(v)
	}

	var sector [sectorSize]byte
	if err := readSector(v.dev, v.cache, 0, &sector); err != nil {
		return nil, err
	}

	bpb, err := parseBPB(sector[:])
	if err != nil {
		return nil, ErrCorrupt
	}

	var partitionLBA uint32
	if bpb.BytesPerSector != sectorSize {
		m, err := mbr.ToBootSector(sector[:])
		if err != nil {
			return nil, ErrCorrupt
		}
		pte := m.FindFAT32Partition()
		partitionLBA = pte.StartLBA()
		if partitionLBA == 0 {
			return nil, ErrCorrupt
		}

		if err := readSector(v.dev, v.cache, partitionLBA, &sector); err != nil {
			return nil, err
		}
		bpb, err = parseBPB(sector[:])
		if err != nil {
			return nil, ErrCorrupt
		}
		if bpb.BytesPerSector != sectorSize {
			return nil, ErrCorrupt
		}
	}

	if err := validateBPB(bpb); err != nil {
		v.trace("bad bpb", "reason", err)
		return nil, ErrCorrupt
	}

	v.sectorsPerCluster = uint32(bpb.SectorsPerCluster)
	v.bytesPerCluster = v.sectorsPerCluster * sectorSize
	v.fatStartLBA = partitionLBA + uint32(bpb.ReservedSectors)
	v.fatSizeSectors = bpb.FATSize32
	v.dataStartLBA = v.fatStartLBA + uint32(bpb.NumFATs)*v.fatSizeSectors
	v.rootCluster = bpb.RootCluster
	v.totalClusters = bpb.TotalSectors32 / v.sectorsPerCluster
	v.fatLBA = 0xFFFFFFFF
	v.fatValid = false
	v.fatDirty = false

	v.trace("mounted", "sectorsPerCluster", v.sectorsPerCluster,
		"fatStartLBA", v.fatStartLBA, "dataStartLBA", v.dataStartLBA,
		"rootCluster", v.rootCluster, "totalClusters", v.totalClusters)

	return v, nil
}

// validateBPB aggregates every BPB sanity failure into one error instead
// of stopping at the first, so a malformed card reports its full set of
// problems at once. The caller maps a non-nil result to ErrCorrupt; the
// detail is for tracing, not for the caller to branch on.
func validateBPB(bpb biosParamBlock) error {
	var result *multierror.Error
	if bpb.BytesPerSector != sectorSize {
		result = multierror.Append(result, fmt.Errorf("bytes per sector %d, want %d", bpb.BytesPerSector, sectorSize))
	}
	if bpb.SectorsPerCluster == 0 {
		result = multierror.Append(result, fmt.Errorf("sectors per cluster is zero"))
	}
	if bpb.NumFATs == 0 {
		result = multierror.Append(result, fmt.Errorf("number of FATs is zero"))
	}
	if bpb.FATSize32 == 0 {
		result = multierror.Append(result, fmt.Errorf("FAT32 fat_size_32 is zero"))
	}
	if bpb.RootCluster < 2 {
		result = multierror.Append(result, fmt.Errorf("root cluster %d is reserved", bpb.RootCluster))
	}
	if bpb.TotalSectors32 == 0 {
		result = multierror.Append(result, fmt.Errorf("total_sectors_32 is zero"))
	}
	return result.ErrorOrNil()
}

// ClusterToLBA converts a cluster number to its first data-region LBA.
// Clusters 0 and 1 are reserved and have no data mapping.
func (v *Volume) ClusterToLBA(cluster uint32) uint32 {
	if cluster < 2 {
		return 0
	}
	return v.dataStartLBA + (cluster-2)*v.sectorsPerCluster
}

// loadFATSector brings the FAT sector at fatLBA into v.fatSector,
// flushing a dirty predecessor first.
func (v *Volume) loadFATSector(fatLBA uint32) error {
	if v.fatValid && v.fatLBA == fatLBA {
		return nil
	}
	if v.fatDirty {
		if err := v.flushFATSector(); err != nil {
			return err
		}
	}
	var buf [sectorSize]byte
	if err := readSector(v.dev, v.cache, fatLBA, &buf); err != nil {
		return err
	}
	copy(v.fatSector, buf[:])
	v.fatLBA = fatLBA
	v.fatValid = true
	return nil
}

func (v *Volume) flushFATSector() error {
	if !v.fatDirty {
		return nil
	}
	var buf [sectorSize]byte
	copy(buf[:], v.fatSector)
	if err := writeSector(v.dev, v.cache, v.fatLBA, &buf); err != nil {
		return err
	}
	v.fatDirty = false
	return nil
}

// getNextCluster resolves the FAT entry for cluster, loading and caching
// its sector on demand.
func (v *Volume) getNextCluster(cluster uint32) (uint32, error) {
	fatOffset := cluster * 4
	fatLBA := v.fatStartLBA + fatOffset/sectorSize
	entOffset := fatOffset % sectorSize

	if err := v.loadFATSector(fatLBA); err != nil {
		return 0, err
	}
	entry := le32(v.fatSector[entOffset:])
	return entry & clusterMask, nil
}

// setNextCluster writes next into cluster's FAT entry, preserving the top
// 4 reserved bits, marks the FAT sector dirty and writes it back to the
// device immediately.
func (v *Volume) setNextCluster(cluster, next uint32) error {
	fatOffset := cluster * 4
	fatLBA := v.fatStartLBA + fatOffset/sectorSize
	entOffset := fatOffset % sectorSize

	if err := v.loadFATSector(fatLBA); err != nil {
		return err
	}
	entry := le32(v.fatSector[entOffset:])
	entry = (entry &^ clusterMask) | (next & clusterMask)
	putLE32(v.fatSector[entOffset:], entry)
	v.fatDirty = true
	return v.flushFATSector()
}

// findFreeCluster linear-scans the FAT for the first free entry. FAT32
// volumes in this design have no free-cluster count hint (FSInfo is not
// consumed), so a full scan is the only option; this is acceptable for
// the embedded footprint this driver targets.
func (v *Volume) findFreeCluster() (uint32, error) {
	for c := uint32(2); c < v.totalClusters; c++ {
		next, err := v.getNextCluster(c)
		if err != nil {
			return 0, err
		}
		if next == clusterFree {
			return c, nil
		}
	}
	return 0, ErrNoSpace
}

// zeroCluster writes sectorsPerCluster sectors of zero bytes starting at
// cluster's first LBA, used when extending a chain or directory.
func (v *Volume) zeroCluster(cluster uint32) error {
	var zero [sectorSize]byte
	lba := v.ClusterToLBA(cluster)
	for i := uint32(0); i < v.sectorsPerCluster; i++ {
		if err := writeSector(v.dev, v.cache, lba+i, &zero); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes the FAT cache. It must be called before the device is
// considered safe to remove.
func (v *Volume) Close() error {
	return v.flushFATSector()
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
