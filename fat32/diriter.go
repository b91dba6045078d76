package fat32

import (
	"encoding/binary"

	"github.com/skyformat99/aprinter/blockcache"
	"github.com/skyformat99/aprinter/errors"
)

// DirectoryIterator walks one directory's cluster chain a 32-byte slot at a
// time, reconstructing VFAT long names as it goes -- §4.7.
type DirectoryIterator struct {
	fs    *FsCore
	chain *ClusterChain

	blockInCluster uint
	entryInBlock   uint

	curBlockRef *blockcache.Ref
	curBlockRel uint64

	lfn   lfnRun
	ended bool
}

// NewDirectoryIterator builds an iterator over the directory whose data
// starts at dirCluster.
func NewDirectoryIterator(fs *FsCore, dirCluster ClusterID) *DirectoryIterator {
	it := &DirectoryIterator{fs: fs, chain: NewClusterChain(fs, dirCluster)}
	it.chain.Rewind()
	it.blockInCluster = fs.geom.BlocksPerCluster
	it.entryInBlock = fs.geom.BlockSize / DirEntrySize
	return it
}

// Next emits the next (name, FsEntry) pair, or name == "" with err == nil at
// end of directory.
func (it *DirectoryIterator) Next(cb func(string, FsEntry, errors.DriverError)) {
	it.step(cb)
}

func (it *DirectoryIterator) step(cb func(string, FsEntry, errors.DriverError)) {
	if it.ended {
		it.fs.loop.Defer(func() { cb("", FsEntry{}, nil) })
		return
	}
	entriesPerBlock := it.fs.geom.BlockSize / DirEntrySize
	if it.entryInBlock >= entriesPerBlock {
		it.advanceBlock(cb)
		return
	}
	it.parseCurrentSlot(cb)
}

func (it *DirectoryIterator) advanceBlock(cb func(string, FsEntry, errors.DriverError)) {
	pin := func() {
		if it.curBlockRef != nil {
			it.curBlockRef.Release()
			it.curBlockRef = nil
		}
		it.pinNextBlock(cb)
	}
	if it.blockInCluster < it.fs.geom.BlocksPerCluster {
		pin()
		return
	}
	it.chain.RequestNext(func(err errors.DriverError) {
		if err != nil {
			it.fail(cb, err)
			return
		}
		if it.chain.EndReached() {
			it.ended = true
			it.fs.loop.Defer(func() { cb("", FsEntry{}, nil) })
			return
		}
		it.blockInCluster = 0
		pin()
	})
}

func (it *DirectoryIterator) pinNextBlock(cb func(string, FsEntry, errors.DriverError)) {
	relBlock := it.fs.geom.DataBlock(it.chain.CurrentCluster()) + uint64(it.blockInCluster)
	abs, terr := it.fs.partRange.Translate(relBlock)
	if terr != nil {
		it.fail(cb, terr)
		return
	}
	it.fs.cache.Pin(abs, 1, 1, false, func(ref *blockcache.Ref, err errors.DriverError) {
		if err != nil {
			it.fail(cb, err)
			return
		}
		it.curBlockRef = ref
		it.curBlockRel = relBlock
		it.blockInCluster++
		it.entryInBlock = 0
		it.parseCurrentSlot(cb)
	})
}

func (it *DirectoryIterator) parseCurrentSlot(cb func(string, FsEntry, errors.DriverError)) {
	data := it.curBlockRef.Bytes()
	off := it.entryInBlock * DirEntrySize
	slot := data[off : off+DirEntrySize]
	blockRel := it.curBlockRel
	slotOffset := uint16(off)
	it.entryInBlock++

	firstByte := slot[0]
	attrs := slot[direntOffAttrs]

	switch {
	case firstByte == 0x00:
		it.ended = true
		it.fs.loop.Defer(func() { cb("", FsEntry{}, nil) })

	case firstByte == 0xE5:
		it.lfn.reset()
		it.step(cb)

	case attrs == attrLongName && slot[12] == 0 && binary.LittleEndian.Uint32(slot[28:32]) != 0:
		it.lfn.addFragment(slot, firstByte&0x60 == 0x40)
		it.step(cb)

	// Volume-label/device entries are skipped without clearing the LFN
	// accumulator. This is the spec's documented choice (Open Question 1),
	// not a literal match to the original: the original clears m_vfat_seq
	// before this check, so a real run would be dropped here instead.
	case attrs&attrSkipButKeepLFN != 0:
		it.step(cb)

	default:
		decoded := decodeShortEntry(slot, &it.lfn, it.fs.geom.RootCluster)
		decoded.Entry.DirEntryBlockIndex = blockRel
		decoded.Entry.DirEntryBlockOffset = slotOffset
		it.fs.loop.Defer(func() { cb(decoded.Name, decoded.Entry, nil) })
	}
}

func (it *DirectoryIterator) fail(cb func(string, FsEntry, errors.DriverError), err errors.DriverError) {
	if it.curBlockRef != nil {
		it.curBlockRef.Release()
		it.curBlockRef = nil
	}
	cb("", FsEntry{}, err)
}

// Deinit releases any pinned block and tears down the underlying chain.
func (it *DirectoryIterator) Deinit() {
	if it.curBlockRef != nil {
		it.curBlockRef.Release()
		it.curBlockRef = nil
	}
	it.chain.Deinit()
}
