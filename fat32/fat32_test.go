package fat32

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// memDevice is a hosted BlockDevice backed by a plain byte slice, standing
// in for the memory-mapped card buffer the mmc package drives on target.
type memDevice struct {
	sectors [][sectorSize]byte
}

func newMemDevice(numSectors int) *memDevice {
	return &memDevice{sectors: make([][sectorSize]byte, numSectors)}
}

func (m *memDevice) ReadBlock(lba uint32, buf *[sectorSize]byte) error {
	*buf = m.sectors[lba]
	return nil
}

func (m *memDevice) WriteBlock(lba uint32, buf *[sectorSize]byte) error {
	m.sectors[lba] = *buf
	return nil
}

// buildImage lays out a minimal super-floppy FAT32 volume (no MBR, BPB in
// sector 0) with a single-sector FAT, a single-cluster root directory and
// 16 total clusters, each one sector.
func buildImage(t *testing.T) *memDevice {
	t.Helper()
	const (
		reservedSectors   = 1
		fatSizeSectors    = 1
		sectorsPerCluster = 1
		totalClusters     = 16
		rootCluster       = 2
	)
	dev := newMemDevice(64)

	bpb := biosParamBlock{
		BytesPerSector:    sectorSize,
		SectorsPerCluster: sectorsPerCluster,
		ReservedSectors:   reservedSectors,
		NumFATs:           1,
		FATSize32:         fatSizeSectors,
		TotalSectors32:    totalClusters * sectorsPerCluster,
		RootCluster:       rootCluster,
	}
	copy(dev.sectors[0][:], bpb.pack())

	fatStart := uint32(reservedSectors)
	putLE32(dev.sectors[fatStart][rootCluster*4:], clusterEOCMark)

	return dev
}

func mountImage(t *testing.T) *Volume {
	t.Helper()
	dev := buildImage(t)
	v, err := Mount(dev)
	require.NoError(t, err)
	return v
}

func TestMountReadsGeometry(t *testing.T) {
	v := mountImage(t)
	require.EqualValues(t, 1, v.sectorsPerCluster)
	require.EqualValues(t, 2, v.dataStartLBA)
	require.EqualValues(t, 2, v.rootCluster)
	require.EqualValues(t, 16, v.totalClusters)
}

func TestMountRejectsBadSectorSize(t *testing.T) {
	dev := newMemDevice(8)
	bpb := biosParamBlock{BytesPerSector: 4096}
	copy(dev.sectors[0][:], bpb.pack())

	_, err := Mount(dev)
	require.Equal(t, ErrCorrupt, err)
}

func TestClusterToLBA(t *testing.T) {
	v := mountImage(t)
	require.EqualValues(t, 0, v.ClusterToLBA(0))
	require.EqualValues(t, 0, v.ClusterToLBA(1))
	require.EqualValues(t, 2, v.ClusterToLBA(2))
	require.EqualValues(t, 3, v.ClusterToLBA(3))
}

func TestFATGetSetNextCluster(t *testing.T) {
	v := mountImage(t)

	next, err := v.getNextCluster(5)
	require.NoError(t, err)
	require.EqualValues(t, clusterFree, next)

	require.NoError(t, v.setNextCluster(5, 9))
	next, err = v.getNextCluster(5)
	require.NoError(t, err)
	require.EqualValues(t, 9, next)
}

func TestFindFreeClusterSkipsAllocated(t *testing.T) {
	v := mountImage(t)
	require.NoError(t, v.setNextCluster(2, clusterEOCMark)) // root, already allocated
	require.NoError(t, v.setNextCluster(3, clusterEOCMark))

	free, err := v.findFreeCluster()
	require.NoError(t, err)
	require.EqualValues(t, 4, free)
}

func TestFindFreeClusterExhausted(t *testing.T) {
	v := mountImage(t)
	for c := uint32(2); c < v.totalClusters; c++ {
		require.NoError(t, v.setNextCluster(c, clusterEOCMark))
	}
	_, err := v.findFreeCluster()
	require.Equal(t, ErrNoSpace, err)
}

func TestCreateThenOpenRoundTrip(t *testing.T) {
	v := mountImage(t)

	f, err := v.Create("/HELLO.TXT")
	require.NoError(t, err)
	require.EqualValues(t, 0, f.Size())

	n, err := f.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.NoError(t, f.Close())

	opened, err := v.Open("/hello.txt")
	require.NoError(t, err)
	require.EqualValues(t, 11, opened.Size())

	buf := make([]byte, 11)
	n, err = opened.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, "hello world", string(buf))
}

func TestCreateDuplicateNameFails(t *testing.T) {
	v := mountImage(t)
	_, err := v.Create("/A.TXT")
	require.NoError(t, err)
	_, err = v.Create("/A.TXT")
	require.Equal(t, ErrExists, err)
}

func TestOpenMissingFileFails(t *testing.T) {
	v := mountImage(t)
	_, err := v.Open("/NOPE.TXT")
	require.Equal(t, ErrNotFound, err)
}

func TestWriteSpansMultipleClusters(t *testing.T) {
	v := mountImage(t)
	f, err := v.Create("/BIG.BIN")
	require.NoError(t, err)

	data := make([]byte, sectorSize*3+17)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := f.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.EqualValues(t, len(data), f.Size())

	require.NoError(t, f.Seek(0))
	got := make([]byte, len(data))
	n, err = f.Read(got)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, got)
}

func TestReadPastEndOfFileReturnsZero(t *testing.T) {
	v := mountImage(t)
	f, err := v.Create("/E.TXT")
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, f.Seek(3))

	buf := make([]byte, 10)
	n, err := f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSeekRejectsOffsetPastSize(t *testing.T) {
	v := mountImage(t)
	f, err := v.Create("/S.TXT")
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)

	require.Equal(t, ErrInvalidArgument, f.Seek(4))
}

func TestWriteOnOpenEmptyHandleAllocatesFirstCluster(t *testing.T) {
	v := mountImage(t)
	f, err := v.Create("/Z.TXT")
	require.NoError(t, err)
	require.EqualValues(t, 0, f.startCluster)

	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NotZero(t, f.startCluster)

	reopened, err := v.Open("/Z.TXT")
	require.NoError(t, err)
	require.Equal(t, f.startCluster, reopened.startCluster)
}

func TestFormat83Canonicalization(t *testing.T) {
	require.Equal(t, [11]byte{'H', 'E', 'L', 'L', 'O', ' ', ' ', ' ', 'T', 'X', 'T'}, format83("hello.txt", lengthFromString))
	require.Equal(t, [11]byte{'A', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}, format83("a", lengthFromString))
	require.Equal(t, [11]byte{'T', 'O', 'O', 'L', 'O', 'N', 'G', 'N', 'C', ' ', ' '}, format83("toolongname.c", lengthFromString))
}

// FuzzFormat83 checks that format83 never panics or writes outside the
// fixed 11-byte destination regardless of input, since it runs directly
// on caller-supplied path components.
func FuzzFormat83(f *testing.F) {
	f.Add("hello.txt")
	f.Add("")
	f.Add("...")
	f.Add("a.b.c.d.e.f.g")
	f.Add(string([]byte{0x00, 0xE5, 0xFF}))
	f.Fuzz(func(t *testing.T, name string) {
		dest := format83(name, lengthFromString)
		require.Len(t, dest, 11)
		for _, c := range dest {
			require.False(t, c >= 'a' && c <= 'z', "format83 left a lowercase byte: %q", dest)
		}
	})
}

// FuzzFATEntryCodec checks that packing a FAT entry and reading it back
// through setNextCluster/getNextCluster's underlying codec round-trips
// the low 28 bits and leaves the reserved top 4 bits untouched.
func FuzzFATEntryCodec(f *testing.F) {
	f.Add(uint32(0), uint32(0x0FFFFFFF))
	f.Add(uint32(0xF0000000), uint32(2))
	f.Fuzz(func(t *testing.T, reserved, next uint32) {
		reserved &^= clusterMask
		entry := reserved | clusterFree
		entry = (entry &^ clusterMask) | (next & clusterMask)

		var buf [4]byte
		putLE32(buf[:], entry)
		got := le32(buf[:])

		require.Equal(t, entry, got)
		require.Equal(t, reserved, got&^clusterMask)
		require.Equal(t, next&clusterMask, got&clusterMask)
	})
}
