package mbr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func blankSector() []byte {
	return make([]byte, 512)
}

func TestFindFAT32PartitionPrefersTypedEntry(t *testing.T) {
	raw := blankSector()
	bs, err := ToBootSector(raw)
	require.NoError(t, err)

	bs.SetPartitionTable(0, MakePTE(DriveAttrsBootable, PartitionTypeLinux, 2048, 1000, CHS(0), CHS(0)))
	bs.SetPartitionTable(1, MakePTE(0, PartitionTypeFAT32LBA, 4096, 2000, CHS(0), CHS(0)))

	pte := bs.FindFAT32Partition()
	require.Equal(t, PartitionTypeFAT32LBA, pte.PartitionType())
	require.EqualValues(t, 4096, pte.StartLBA())
}

func TestFindFAT32PartitionFallsBackToFirstEntry(t *testing.T) {
	raw := blankSector()
	bs, err := ToBootSector(raw)
	require.NoError(t, err)

	bs.SetPartitionTable(0, MakePTE(0, PartitionTypeUnused, 8192, 500, CHS(0), CHS(0)))

	pte := bs.FindFAT32Partition()
	require.EqualValues(t, 8192, pte.StartLBA())
}

func TestPartitionTableEntryRoundTrip(t *testing.T) {
	pte := MakePTE(DriveAttrsBootable, PartitionTypeFAT32CHS, 1, 0x1000, NewCHS(1, 2, 3), NewCHS(4, 5, 6))
	require.True(t, pte.Attributes().IsBootable())
	require.Equal(t, PartitionTypeFAT32CHS, pte.PartitionType())
	require.EqualValues(t, 1, pte.StartLBA())
	require.EqualValues(t, 0x1000, pte.NumberOfLBA())
}
