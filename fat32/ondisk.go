package fat32

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
)

// sectorSize is the only block size this volume layer understands. The
// BPB is rejected during mount if it claims anything else.
const sectorSize = 512

// biosParamBlock is the subset of a FAT32 BIOS Parameter Block this volume
// layer consumes, laid out byte-for-byte as found on disk starting at
// offset 0 of the boot sector. Fields are unpacked with [restruct.Unpack]
// rather than a pointer cast over the raw buffer, so field order here is
// exactly the on-disk order and every field is read explicitly instead of
// relying on in-place struct layout.
type biosParamBlock struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16 // 0x0B
	SectorsPerCluster uint8  // 0x0D
	ReservedSectors   uint16 // 0x0E
	NumFATs           uint8  // 0x10
	RootEntCount      uint16 // 0x11, always 0 on FAT32
	TotalSectors16    uint16 // 0x13, 0 on FAT32
	Media             uint8  // 0x15
	FATSize16         uint16 // 0x16, 0 on FAT32
	SectorsPerTrack   uint16 // 0x18
	NumHeads          uint16 // 0x1A
	HiddenSectors     uint32 // 0x1C
	TotalSectors32    uint32 // 0x20
	FATSize32         uint32 // 0x24
	ExtFlags          uint16 // 0x28
	FSVersion         uint16 // 0x2A
	RootCluster       uint32 // 0x2C
	FSInfoSector      uint16 // 0x30
	BackupBootSector  uint16 // 0x32
	Reserved          [12]byte
	DriveNumber       uint8
	Reserved1         uint8
	BootSignature     uint8
	VolumeID          uint32
	VolumeLabel       [11]byte
	FSType            [8]byte
}

func parseBPB(sector []byte) (biosParamBlock, error) {
	var bpb biosParamBlock
	err := restruct.Unpack(sector, binary.LittleEndian, &bpb)
	return bpb, err
}

func (b *biosParamBlock) pack() []byte {
	raw, err := restruct.Pack(binary.LittleEndian, b)
	if err != nil {
		panic("fat32: biosParamBlock pack: " + err.Error())
	}
	return raw
}

// dirAttr bits, per the 32-byte directory entry's attr field.
const (
	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolumeID = 0x08
	attrDir      = 0x10
	attrArchive  = 0x20
	// attrLFN marks a VFAT long-file-name entry; these are ignored
	// during directory scans (LFN is out of scope).
	attrLFN = 0x0F
)

// dirEntrySize is the size in bytes of one on-disk directory entry.
const dirEntrySize = 32

// Sentinel values for dirEntry.Name[0].
const (
	nameFreeRest = 0x00 // this slot and everything after it is free
	nameDeleted  = 0xE5 // this slot is free, may be reused
)

// dirEntry is a single 32-byte FAT directory entry, laid out in its
// on-disk order.
type dirEntry struct {
	Name           [11]byte
	Attr           uint8
	NTReserved     uint8
	CreateTimeTens uint8
	CreateTime     uint16
	CreateDate     uint16
	LastAccessDate uint16
	ClusterHi      uint16
	WriteTime      uint16
	WriteDate      uint16
	ClusterLo      uint16
	Size           uint32
}

func parseDirEntry(raw []byte) (dirEntry, error) {
	var d dirEntry
	err := restruct.Unpack(raw, binary.LittleEndian, &d)
	return d, err
}

func (d *dirEntry) pack() []byte {
	raw, err := restruct.Pack(binary.LittleEndian, d)
	if err != nil {
		// dirEntry has no variable-length or unsupported fields; a
		// pack failure here means restruct itself is broken.
		panic("fat32: dirEntry pack: " + err.Error())
	}
	return raw
}

// cluster combines a directory entry's high and low cluster words.
func (d *dirEntry) cluster() uint32 {
	return uint32(d.ClusterHi)<<16 | uint32(d.ClusterLo)
}

func (d *dirEntry) setCluster(c uint32) {
	d.ClusterHi = uint16(c >> 16)
	d.ClusterLo = uint16(c & 0xffff)
}

func (d *dirEntry) isFree() bool {
	return d.Name[0] == nameFreeRest || d.Name[0] == nameDeleted
}

func (d *dirEntry) isEndOfDir() bool {
	return d.Name[0] == nameFreeRest
}

func (d *dirEntry) isLFN() bool {
	return d.Attr == attrLFN
}
