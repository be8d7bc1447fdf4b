package fat32

// File is an open handle to a regular file or directory. It tracks a
// cursor (position, current_cluster) separately from the file's identity
// (start_cluster, size) and a back-pointer to the 32-byte directory entry
// that describes it on disk, so writes that grow the file or change its
// start cluster can be reflected there immediately.
type File struct {
	vol *Volume

	startCluster   uint32
	currentCluster uint32
	size           uint32
	position       uint32

	dirSector uint32
	dirOffset uint32
}

// Size returns the file's current length in bytes.
func (f *File) Size() uint32 { return f.size }

// Position returns the current read/write cursor.
func (f *File) Position() uint32 { return f.position }

// splitPath walks path's '/'-separated components, skipping a single
// leading slash. It does not allocate a slice; walk calls yield for each
// component in turn.
func splitPath(path string, yield func(component string) bool) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	for len(path) > 0 {
		i := 0
		for i < len(path) && path[i] != '/' {
			i++
		}
		if !yield(path[:i]) {
			return
		}
		path = path[i:]
		if len(path) > 0 && path[0] == '/' {
			path = path[1:]
		}
	}
}

// lookupResult is what a directory scan for one path component returns.
type lookupResult struct {
	entry     dirEntry
	dirSector uint32
	dirOffset uint32
}

// findInDir scans the cluster chain starting at dirCluster for an entry
// whose name matches target, skipping free slots and LFN entries. The
// root directory is itself a cluster chain under FAT32, so this is also
// how root lookups work.
func (v *Volume) findInDir(dirCluster uint32, target [11]byte) (lookupResult, error) {
	cluster := dirCluster
	var sector [sectorSize]byte

	for cluster >= 2 && !isEOC(cluster) {
		lba := v.ClusterToLBA(cluster)
		for s := uint32(0); s < v.sectorsPerCluster; s++ {
			if err := readSector(v.dev, v.cache, lba+s, &sector); err != nil {
				return lookupResult{}, err
			}
			for i := 0; i < entriesPerSector; i++ {
				raw := sector[i*dirEntrySize : (i+1)*dirEntrySize]
				entry, err := parseDirEntry(raw)
				if err != nil {
					return lookupResult{}, ErrCorrupt
				}
				if entry.isEndOfDir() {
					return lookupResult{}, ErrNotFound
				}
				if entry.isFree() || entry.isLFN() {
					continue
				}
				if entry.Name == target {
					return lookupResult{entry: entry, dirSector: lba + s, dirOffset: uint32(i * dirEntrySize)}, nil
				}
			}
		}
		next, err := v.getNextCluster(cluster)
		if err != nil {
			return lookupResult{}, err
		}
		cluster = next
	}
	return lookupResult{}, ErrNotFound
}

// resolveParent walks every path component but the last, returning the
// cluster of the directory that should contain it and the last component
// itself. An empty last component (path is "/" or "") means the root
// directory was the target.
func (v *Volume) resolveParent(path string) (parentCluster uint32, last string, err error) {
	parentCluster = v.rootCluster
	var components []string
	splitPath(path, func(c string) bool {
		components = append(components, c)
		return true
	})
	if len(components) == 0 {
		return parentCluster, "", nil
	}
	for _, c := range components[:len(components)-1] {
		name := format83(c, lengthFromString)
		res, err := v.findInDir(parentCluster, name)
		if err != nil {
			return 0, "", err
		}
		if res.entry.Attr&attrDir == 0 {
			return 0, "", ErrNotDirectory
		}
		parentCluster = res.entry.cluster()
	}
	return parentCluster, components[len(components)-1], nil
}

// Open resolves path to an existing file and returns a handle positioned
// at offset 0.
func (v *Volume) Open(path string) (*File, error) {
	parentCluster, last, err := v.resolveParent(path)
	if err != nil {
		return nil, err
	}
	if last == "" {
		return nil, ErrInvalidArgument
	}
	name := format83(last, lengthFromString)
	res, err := v.findInDir(parentCluster, name)
	if err != nil {
		return nil, err
	}

	return &File{
		vol:            v,
		startCluster:   res.entry.cluster(),
		currentCluster: res.entry.cluster(),
		size:           res.entry.Size,
		position:       0,
		dirSector:      res.dirSector,
		dirOffset:      res.dirOffset,
	}, nil
}

// Create adds a new, empty directory entry named by path's final
// component inside path's parent directory, which must already exist.
// Creating intermediate directories is not supported: every component but
// the last must already resolve.
func (v *Volume) Create(path string) (*File, error) {
	parentCluster, last, err := v.resolveParent(path)
	if err != nil {
		return nil, err
	}
	if last == "" {
		return nil, ErrInvalidArgument
	}
	name := format83(last, lengthFromString)

	if _, err := v.findInDir(parentCluster, name); err == nil {
		return nil, ErrExists
	} else if err != ErrNotFound {
		return nil, err
	}

	freeSector, freeOffset, err := v.findFreeSlot(parentCluster)
	if err != nil {
		return nil, err
	}

	var sector [sectorSize]byte
	if err := readSector(v.dev, v.cache, freeSector, &sector); err != nil {
		return nil, err
	}
	var entry dirEntry
	entry.Name = name
	entry.Attr = attrArchive
	copy(sector[freeOffset:freeOffset+dirEntrySize], entry.pack())
	if err := writeSector(v.dev, v.cache, freeSector, &sector); err != nil {
		return nil, err
	}

	return &File{
		vol:       v,
		dirSector: freeSector,
		dirOffset: freeOffset,
	}, nil
}

// findFreeSlot scans dirCluster's chain for a free (deleted or never
// used) directory entry slot, extending the chain by one cluster if every
// existing slot is occupied.
func (v *Volume) findFreeSlot(dirCluster uint32) (sectorLBA uint32, offset uint32, err error) {
	cluster := dirCluster
	var sector [sectorSize]byte

	for cluster >= 2 && !isEOC(cluster) {
		lba := v.ClusterToLBA(cluster)
		for s := uint32(0); s < v.sectorsPerCluster; s++ {
			if err := readSector(v.dev, v.cache, lba+s, &sector); err != nil {
				return 0, 0, err
			}
			for i := 0; i < entriesPerSector; i++ {
				raw := sector[i*dirEntrySize : (i+1)*dirEntrySize]
				entry, err := parseDirEntry(raw)
				if err != nil {
					return 0, 0, ErrCorrupt
				}
				if entry.isFree() {
					return lba + s, uint32(i * dirEntrySize), nil
				}
			}
		}

		next, err := v.getNextCluster(cluster)
		if err != nil {
			return 0, 0, err
		}
		if isEOC(next) {
			newCluster, err := v.findFreeCluster()
			if err != nil {
				return 0, 0, err
			}
			if err := v.setNextCluster(cluster, newCluster); err != nil {
				return 0, 0, err
			}
			if err := v.setNextCluster(newCluster, clusterEOCMark); err != nil {
				return 0, 0, err
			}
			if err := v.zeroCluster(newCluster); err != nil {
				return 0, 0, err
			}
			cluster = newCluster
		} else {
			cluster = next
		}
	}
	return 0, 0, ErrNoSpace
}

// Read copies up to len(buf) bytes starting at the file's current
// position into buf, advancing the position, and returns the number of
// bytes actually read. Reading at or past size returns (0, nil), matching
// a plain end-of-file condition rather than an error.
func (f *File) Read(buf []byte) (int, error) {
	if f.position >= f.size {
		return 0, nil
	}
	size := uint32(len(buf))
	if f.position+size > f.size {
		size = f.size - f.position
	}

	v := f.vol
	var scratch [sectorSize]byte
	read := uint32(0)

	for size > 0 {
		clusterOffset := f.position % v.bytesPerCluster
		sectorIdx := clusterOffset / sectorSize
		byteIdx := clusterOffset % sectorSize
		lba := v.ClusterToLBA(f.currentCluster) + sectorIdx

		if err := readSector(v.dev, v.cache, lba, &scratch); err != nil {
			return int(read), err
		}
		chunk := sectorSize - byteIdx
		if chunk > size {
			chunk = size
		}
		copy(buf[read:read+chunk], scratch[byteIdx:byteIdx+chunk])

		read += chunk
		size -= chunk
		f.position += chunk

		if f.position%v.bytesPerCluster == 0 && f.position < f.size {
			next, err := v.getNextCluster(f.currentCluster)
			if err != nil {
				return int(read), err
			}
			f.currentCluster = next
		}
	}
	return int(read), nil
}

// Write copies buf to the file starting at its current position,
// allocating clusters as needed to grow the file, and advances the
// position. It returns the number of bytes written, which is always
// len(buf) unless the device runs out of free clusters partway through,
// in which case the bytes written so far remain in place; there is no
// rollback of a partial write.
func (f *File) Write(buf []byte) (int, error) {
	if f.dirSector == 0 {
		return 0, ErrInvalidHandle
	}
	v := f.vol
	var scratch [sectorSize]byte
	size := uint32(len(buf))
	written := uint32(0)

	for size > 0 {
		if f.startCluster == 0 {
			newCluster, err := v.findFreeCluster()
			if err != nil {
				return int(written), err
			}
			if err := v.setNextCluster(newCluster, clusterEOCMark); err != nil {
				return int(written), err
			}
			if err := v.zeroCluster(newCluster); err != nil {
				return int(written), err
			}
			f.startCluster = newCluster
			f.currentCluster = newCluster
			if err := f.updateDirCluster(newCluster); err != nil {
				return int(written), err
			}
		}

		clusterOffset := f.position % v.bytesPerCluster
		sectorIdx := clusterOffset / sectorSize
		byteIdx := clusterOffset % sectorSize
		lba := v.ClusterToLBA(f.currentCluster) + sectorIdx

		chunk := sectorSize - byteIdx
		if chunk > size {
			chunk = size
		}
		if byteIdx != 0 || chunk < sectorSize {
			if err := readSector(v.dev, v.cache, lba, &scratch); err != nil {
				return int(written), err
			}
			copy(scratch[byteIdx:byteIdx+chunk], buf[written:written+chunk])
		} else {
			copy(scratch[:], buf[written:written+sectorSize])
		}
		if err := writeSector(v.dev, v.cache, lba, &scratch); err != nil {
			return int(written), err
		}

		written += chunk
		size -= chunk
		f.position += chunk

		if f.position%v.bytesPerCluster == 0 && size > 0 {
			next, err := v.getNextCluster(f.currentCluster)
			if err != nil {
				return int(written), err
			}
			if isEOC(next) {
				newCluster, err := v.findFreeCluster()
				if err != nil {
					return int(written), err
				}
				if err := v.setNextCluster(f.currentCluster, newCluster); err != nil {
					return int(written), err
				}
				if err := v.setNextCluster(newCluster, clusterEOCMark); err != nil {
					return int(written), err
				}
				if err := v.zeroCluster(newCluster); err != nil {
					return int(written), err
				}
				f.currentCluster = newCluster
			} else {
				f.currentCluster = next
			}
		}
	}

	if f.position > f.size {
		f.size = f.position
		if err := f.updateDirSize(f.size); err != nil {
			return int(written), err
		}
	}
	return int(written), nil
}

// updateDirCluster rewrites this file's directory entry with a new start
// cluster, used the first time a write allocates one.
func (f *File) updateDirCluster(cluster uint32) error {
	v := f.vol
	var sector [sectorSize]byte
	if err := readSector(v.dev, v.cache, f.dirSector, &sector); err != nil {
		return err
	}
	entry, err := parseDirEntry(sector[f.dirOffset : f.dirOffset+dirEntrySize])
	if err != nil {
		return ErrCorrupt
	}
	entry.setCluster(cluster)
	copy(sector[f.dirOffset:f.dirOffset+dirEntrySize], entry.pack())
	return writeSector(v.dev, v.cache, f.dirSector, &sector)
}

// updateDirSize rewrites this file's directory entry with a new size,
// used whenever a write extends the file past its previous length.
func (f *File) updateDirSize(size uint32) error {
	v := f.vol
	var sector [sectorSize]byte
	if err := readSector(v.dev, v.cache, f.dirSector, &sector); err != nil {
		return err
	}
	entry, err := parseDirEntry(sector[f.dirOffset : f.dirOffset+dirEntrySize])
	if err != nil {
		return ErrCorrupt
	}
	entry.Size = size
	copy(sector[f.dirOffset:f.dirOffset+dirEntrySize], entry.pack())
	return writeSector(v.dev, v.cache, f.dirSector, &sector)
}

// Seek repositions the file's cursor to offset, walking the cluster chain
// from the start to find the cluster that now holds it. offset may not
// exceed the file's current size.
func (f *File) Seek(offset uint32) error {
	if offset > f.size {
		return ErrInvalidArgument
	}
	v := f.vol
	f.position = offset
	f.currentCluster = f.startCluster

	clustersToSkip := offset / v.bytesPerCluster
	for clustersToSkip > 0 {
		next, err := v.getNextCluster(f.currentCluster)
		if err != nil {
			return err
		}
		f.currentCluster = next
		clustersToSkip--
	}
	return nil
}

// Close flushes the volume's FAT cache. Per-handle state needs no
// flushing of its own: every write that changes size or start cluster is
// already committed to the directory entry synchronously.
func (f *File) Close() error {
	return f.vol.flushFATSector()
}
