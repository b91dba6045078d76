package fat32

import (
	"encoding/binary"

	"github.com/noxer/bytewriter"

	"github.com/skyformat99/aprinter/blockcache"
	"github.com/skyformat99/aprinter/blockdev"
	"github.com/skyformat99/aprinter/errors"
	"github.com/skyformat99/aprinter/evloop"
)

// WriteMountState is the filesystem's write-mount lifecycle, §4.2.
type WriteMountState int

const (
	NotMounted WriteMountState = iota
	MountMeta
	MountFSInfo
	MountFlush
	Mounted
	UmountFlush1
	UmountMeta
	UmountFlush2
)

// blockRefOwner names who currently holds FsCore's shared FAT block
// reference: the discriminated union from §9's design notes, made concrete
// as an enum instead of a lock.
type blockRefOwner int

const (
	ownerNone blockRefOwner = iota
	ownerMountMeta
	ownerUnmountMeta
	ownerAllocator
)

// FsInfo sector byte offsets, §6.
const (
	fsInfoOffSig1          = 0x000
	fsInfoSig1Value        = 0x41615252
	fsInfoOffSig2          = 0x1E4
	fsInfoSig2Value        = 0x61417272
	fsInfoOffFreeClusters  = 0x1E8
	fsInfoOffLastAllocated = 0x1EC
	fsInfoOffSig3          = 0x1FC
	fsInfoSig3Value        = 0xAA550000
)

// FsCore is the root object of a mounted volume: init/deinit, the write-mount
// and write-unmount state machines, and the two shared cache references
// (block_ref, fs_info_block_ref) that the allocator and the mount machinery
// take turns owning.
type FsCore struct {
	loop      *evloop.Loop
	cache     *blockcache.Cache
	partRange blockdev.Range
	geom      Geometry

	writeMountState    WriteMountState
	numWriteReferences int

	allocator *Allocator

	blockRef      *blockcache.Ref
	blockRefOwner blockRefOwner
	fsInfoRef     *blockcache.Ref
}

// NewFsCore builds an FsCore over partRange, using cache for all block I/O
// and loop for completion scheduling. Call Init before anything else.
func NewFsCore(loop *evloop.Loop, cache *blockcache.Cache, partRange blockdev.Range) *FsCore {
	fs := &FsCore{loop: loop, cache: cache, partRange: partRange}
	fs.allocator = newAllocator(fs)
	return fs
}

// Geometry returns the volume's derived geometry. Only meaningful once Init
// has completed with InitOK.
func (fs *FsCore) Geometry() Geometry { return fs.geom }

// Init parses block 0 of the partition and derives the volume's Geometry --
// §4.1.
func (fs *FsCore) Init(cb func(InitError)) {
	abs, terr := fs.partRange.Translate(0)
	if terr != nil {
		fs.loop.Defer(func() { cb(InitErrReadFailed) })
		return
	}
	fs.cache.Pin(abs, 1, 1, false, func(ref *blockcache.Ref, err errors.DriverError) {
		if err != nil {
			cb(InitErrReadFailed)
			return
		}
		geom, code := parseEBPB(ref.Bytes(), fs.cache.BlockSize(), fs.partRange.Length)
		ref.Release()
		if code != InitOK {
			cb(code)
			return
		}
		fs.geom = geom
		cb(InitOK)
	})
}

// GetRootEntry returns the FsEntry for the volume's root directory, which has
// no physical directory entry of its own.
func (fs *FsCore) GetRootEntry() FsEntry {
	return FsEntry{Type: EntryDirectory, Cluster: fs.geom.RootCluster}
}

// Deinit releases any cache references FsCore still holds. It must only be
// called while write_mount_state == NotMounted.
func (fs *FsCore) Deinit() {
	if fs.fsInfoRef != nil {
		fs.fsInfoRef.Release()
		fs.fsInfoRef = nil
	}
	if fs.blockRef != nil {
		fs.blockRef.Release()
		fs.blockRef = nil
		fs.blockRefOwner = ownerNone
	}
}

// pinFATEntry pins the (mirrored, across num_fats copies) FAT block holding
// cluster's entry and hands back that block's byte offset within it.
func (fs *FsCore) pinFATEntry(cluster ClusterID, disableImmediate bool, cb func(*blockcache.Ref, uint, errors.DriverError)) {
	if !fs.geom.IsValidForFAT(cluster) {
		fs.loop.Defer(func() { cb(nil, 0, errors.New(errors.EUCLEAN)) })
		return
	}
	relBlock, byteOffset := fs.geom.FatEntryLocation(cluster)
	abs, terr := fs.partRange.Translate(relBlock)
	if terr != nil {
		fs.loop.Defer(func() { cb(nil, 0, terr) })
		return
	}
	fs.cache.Pin(abs, uint(fs.geom.NumBlocksPerFAT), uint(fs.geom.NumFats), disableImmediate, func(ref *blockcache.Ref, err errors.DriverError) {
		cb(ref, byteOffset, err)
	})
}

// pinFATEntryOwned is pinFATEntry plus bookkeeping of fs.blockRef/
// fs.blockRefOwner, for the three callers (mount, unmount, allocator) that
// take turns owning the shared reference.
func (fs *FsCore) pinFATEntryOwned(cluster ClusterID, owner blockRefOwner, cb func(*blockcache.Ref, uint, errors.DriverError)) {
	fs.blockRefOwner = owner
	fs.pinFATEntry(cluster, false, func(ref *blockcache.Ref, off uint, err errors.DriverError) {
		if err != nil {
			fs.blockRefOwner = ownerNone
			cb(nil, 0, err)
			return
		}
		fs.blockRef = ref
		cb(ref, off, nil)
	})
}

// releaseOwnedBlockRef releases ref and clears the shared-reference
// bookkeeping it was pinned under.
func (fs *FsCore) releaseOwnedBlockRef(ref *blockcache.Ref) {
	ref.Release()
	if fs.blockRef == ref {
		fs.blockRef = nil
	}
	fs.blockRefOwner = ownerNone
}

// pinDirEntryBlock pins the block holding entry's 32-byte directory-entry
// slot.
func (fs *FsCore) pinDirEntryBlock(entry FsEntry, disableImmediate bool, cb func(*blockcache.Ref, errors.DriverError)) {
	abs, terr := fs.partRange.Translate(entry.DirEntryBlockIndex)
	if terr != nil {
		fs.loop.Defer(func() { cb(nil, terr) })
		return
	}
	fs.cache.Pin(abs, 1, 1, disableImmediate, cb)
}

// adjustFreeClusters applies delta to the FSInfo free_clusters field, unless
// the field already looks stale (greater than num_valid_clusters), in which
// case it is left untouched -- §4.4, and open question 2 in §9, decided in
// DESIGN.md to apply the same staleness guard symmetrically to both
// increments (truncate) and decrements (allocation).
func (fs *FsCore) adjustFreeClusters(delta int32) {
	if fs.fsInfoRef == nil {
		return
	}
	data := fs.fsInfoRef.Bytes()
	free := binary.LittleEndian.Uint32(data[fsInfoOffFreeClusters : fsInfoOffFreeClusters+4])
	if free > fs.geom.NumValidClusters {
		return
	}
	newFree := uint32(int64(free) + int64(delta))
	binary.Write(bytewriter.New(data[fsInfoOffFreeClusters:fsInfoOffFreeClusters+4]), binary.LittleEndian, newFree)
	fs.fsInfoRef.MarkDirty()
}

// setLastAllocated writes the FSInfo last_allocated_cluster hint.
func (fs *FsCore) setLastAllocated(cluster ClusterID) {
	if fs.fsInfoRef == nil {
		return
	}
	data := fs.fsInfoRef.Bytes()
	binary.Write(bytewriter.New(data[fsInfoOffLastAllocated:fsInfoOffLastAllocated+4]), binary.LittleEndian, uint32(cluster))
	fs.fsInfoRef.MarkDirty()
}

// StartWriteMount runs the NOT_MOUNTED -> MOUNTED protocol of §4.2.
func (fs *FsCore) StartWriteMount(cb func(errors.DriverError)) {
	if fs.writeMountState != NotMounted {
		fs.loop.Defer(func() { cb(errors.New(errors.EBUSY)) })
		return
	}
	fs.writeMountState = MountMeta
	fs.pinFATEntryOwned(ClusterID(1), ownerMountMeta, func(ref *blockcache.Ref, off uint, err errors.DriverError) {
		if err != nil {
			fs.writeMountState = NotMounted
			cb(err)
			return
		}
		if !readCleanBit(ref) || !fs.partRange.Device.IsWritable() || fs.geom.FsInfoBlock == 0 {
			fs.releaseOwnedBlockRef(ref)
			fs.writeMountState = NotMounted
			cb(errors.New(errors.EROFS))
			return
		}
		fs.writeMountState = MountFSInfo
		fs.mountFSInfoStep(ref, off, cb)
	})
}

func (fs *FsCore) mountFSInfoStep(fatRef *blockcache.Ref, fatOff uint, cb func(errors.DriverError)) {
	abs, terr := fs.partRange.Translate(fs.geom.FsInfoBlock)
	if terr != nil {
		fs.abortMount(fatRef, cb, terr)
		return
	}
	fs.cache.Pin(abs, 1, 1, false, func(fsInfoRef *blockcache.Ref, err errors.DriverError) {
		if err != nil {
			fs.abortMount(fatRef, cb, err)
			return
		}
		data := fsInfoRef.Bytes()
		sig1 := binary.LittleEndian.Uint32(data[fsInfoOffSig1 : fsInfoOffSig1+4])
		sig2 := binary.LittleEndian.Uint32(data[fsInfoOffSig2 : fsInfoOffSig2+4])
		sig3 := binary.LittleEndian.Uint32(data[fsInfoOffSig3 : fsInfoOffSig3+4])
		if sig1 != fsInfoSig1Value || sig2 != fsInfoSig2Value || sig3 != fsInfoSig3Value {
			fsInfoRef.Release()
			fs.abortMount(fatRef, cb, errors.New(errors.EUCLEAN))
			return
		}

		lastAlloc := binary.LittleEndian.Uint32(data[fsInfoOffLastAllocated : fsInfoOffLastAllocated+4])
		if lastAlloc >= 2 && lastAlloc-2 < fs.geom.NumValidClusters {
			fs.allocator.position = lastAlloc - 2
		} else {
			fs.allocator.position = 0
		}

		setCleanBit(fatRef, false)
		fs.fsInfoRef = fsInfoRef
		fs.writeMountState = MountFlush

		if ferr := fs.cache.Flush(); ferr != nil {
			setCleanBit(fatRef, true)
			fs.fsInfoRef.Release()
			fs.fsInfoRef = nil
			fs.abortMount(fatRef, cb, ferr)
			return
		}

		fs.releaseOwnedBlockRef(fatRef)
		fs.writeMountState = Mounted
		cb(nil)
	})
}

func (fs *FsCore) abortMount(fatRef *blockcache.Ref, cb func(errors.DriverError), err errors.DriverError) {
	fs.releaseOwnedBlockRef(fatRef)
	fs.writeMountState = NotMounted
	cb(err)
}

// CanStartWriteUnmount reports whether StartWriteUnmount is currently legal.
func (fs *FsCore) CanStartWriteUnmount() bool {
	return fs.writeMountState == Mounted && fs.numWriteReferences == 0
}

// StartWriteUnmount runs the MOUNTED -> NOT_MOUNTED protocol of §4.2.
func (fs *FsCore) StartWriteUnmount(cb func(errors.DriverError)) {
	if !fs.CanStartWriteUnmount() {
		fs.loop.Defer(func() { cb(errors.New(errors.EBUSY)) })
		return
	}
	fs.writeMountState = UmountFlush1
	if err := fs.cache.Flush(); err != nil {
		fs.writeMountState = Mounted
		fs.loop.Defer(func() { cb(err) })
		return
	}

	fs.writeMountState = UmountMeta
	fs.pinFATEntryOwned(ClusterID(1), ownerUnmountMeta, func(ref *blockcache.Ref, off uint, err errors.DriverError) {
		if err != nil {
			fs.writeMountState = Mounted
			cb(err)
			return
		}
		if readCleanBit(ref) {
			fs.releaseOwnedBlockRef(ref)
			fs.writeMountState = Mounted
			cb(errors.New(errors.EUCLEAN))
			return
		}

		setCleanBit(ref, true)
		fs.writeMountState = UmountFlush2
		if ferr := fs.cache.Flush(); ferr != nil {
			fs.releaseOwnedBlockRef(ref)
			fs.writeMountState = Mounted
			cb(ferr)
			return
		}

		fs.releaseOwnedBlockRef(ref)
		if fs.fsInfoRef != nil {
			fs.fsInfoRef.Release()
			fs.fsInfoRef = nil
		}
		fs.writeMountState = NotMounted
		cb(nil)
	})
}
