package fat32

import (
	"github.com/skyformat99/aprinter/blockcache"
	"github.com/skyformat99/aprinter/errors"
)

// diskClusterValue translates the in-memory EndOfChainMarker sentinel back
// to the 0 a directory entry stores for "no clusters" -- §4.6.
func diskClusterValue(c ClusterID) ClusterID {
	if c == EndOfChainMarker {
		return 0
	}
	return c
}

// File is a per-open handle onto a file's data: sequential read, sequential
// write behind a WriteReference, and truncate.
type File struct {
	fs    *FsCore
	entry FsEntry
	chain *ClusterChain

	fileSize       uint32
	filePos        uint32
	blockInCluster uint

	writeRef *WriteReference
	dirRef   *DirEntryRef

	busy bool
}

// OpenFile builds a File over entry, already rewound.
func OpenFile(fs *FsCore, entry FsEntry) *File {
	f := &File{fs: fs, entry: entry, fileSize: entry.FileSize}
	f.chain = NewClusterChain(fs, entry.Cluster)
	f.Rewind()
	return f
}

// Rewind resets the file to its beginning. Legal only while idle.
func (f *File) Rewind() {
	if f.busy {
		return
	}
	f.filePos = 0
	f.blockInCluster = f.fs.geom.BlocksPerCluster
	f.chain.Rewind()
}

// FileSize returns the file's current size.
func (f *File) FileSize() uint32 { return f.fileSize }

// StartRead reads one block's worth of data into buf (which must be at least
// BlockSize bytes), returning the short final-block length per §4.6. A
// length of 0 with no error means EOF.
func (f *File) StartRead(buf []byte, cb func(uint, errors.DriverError)) {
	if f.filePos >= f.fileSize {
		f.fs.loop.Defer(func() { cb(0, nil) })
		return
	}
	f.busy = true

	advance := func() {
		if f.blockInCluster >= f.fs.geom.BlocksPerCluster {
			f.chain.RequestNext(func(err errors.DriverError) {
				if err != nil {
					f.busy = false
					cb(0, err)
					return
				}
				f.blockInCluster = 0
				f.readCurrentBlock(buf, cb)
			})
			return
		}
		f.readCurrentBlock(buf, cb)
	}
	advance()
}

func (f *File) readCurrentBlock(buf []byte, cb func(uint, errors.DriverError)) {
	if !f.chain.CurrentCluster().IsNormal() {
		f.busy = false
		cb(0, errors.New(errors.EUCLEAN))
		return
	}
	relBlock := f.fs.geom.DataBlock(f.chain.CurrentCluster()) + uint64(f.blockInCluster)
	abs, terr := f.fs.partRange.Translate(relBlock)
	if terr != nil {
		f.busy = false
		cb(0, terr)
		return
	}

	length := f.fs.geom.BlockSize
	if remaining := f.fileSize - f.filePos; uint32(length) > remaining {
		length = uint(remaining)
	}

	f.fs.cache.Pin(abs, 1, 1, false, func(ref *blockcache.Ref, err errors.DriverError) {
		f.busy = false
		if err != nil {
			cb(0, err)
			return
		}
		copy(buf, ref.Bytes()[:length])
		ref.Release()
		f.filePos += uint32(length)
		f.blockInCluster++
		cb(length, nil)
	})
}

// StartOpenWritable takes a WriteReference, pins the file's directory entry,
// and verifies it still matches what this handle was opened with -- §4.6.
func (f *File) StartOpenWritable(cb func(errors.DriverError)) {
	wref, err := f.fs.TakeWriteReference()
	if err != nil {
		f.fs.loop.Defer(func() { cb(err) })
		return
	}
	f.fs.pinDirEntryBlock(f.entry, false, func(ref *blockcache.Ref, perr errors.DriverError) {
		if perr != nil {
			wref.Release()
			cb(perr)
			return
		}
		dref := NewDirEntryRef(ref, uint(f.entry.DirEntryBlockOffset))
		if dref.FirstCluster() != f.entry.Cluster || dref.FileSize() != f.fileSize {
			dref.Release()
			wref.Release()
			cb(errors.New(errors.EUCLEAN))
			return
		}
		f.writeRef = wref
		f.dirRef = dref
		cb(nil)
	})
}

// CloseWritable releases the write reference and directory-entry pin taken
// by StartOpenWritable.
func (f *File) CloseWritable() {
	if f.dirRef != nil {
		f.dirRef.Release()
		f.dirRef = nil
	}
	f.writeRef.Release()
	f.writeRef = nil
}

// StartWrite writes bytesInBlock bytes from buf at the current file
// position, which must be block-aligned -- §4.6.
func (f *File) StartWrite(buf []byte, bytesInBlock uint, cb func(errors.DriverError)) {
	if f.writeRef == nil {
		f.fs.loop.Defer(func() { cb(errors.New(errors.EROFS)) })
		return
	}
	if f.filePos%uint32(f.fs.geom.BlockSize) != 0 || bytesInBlock < 1 || bytesInBlock > f.fs.geom.BlockSize {
		f.fs.loop.Defer(func() { cb(errors.New(errors.EINVAL)) })
		return
	}
	f.busy = true

	extend := func(proceed func(errors.DriverError)) {
		if f.blockInCluster < f.fs.geom.BlocksPerCluster {
			proceed(nil)
			return
		}
		f.chain.RequestNext(func(err errors.DriverError) {
			if err != nil {
				proceed(err)
				return
			}
			if !f.chain.EndReached() {
				f.blockInCluster = 0
				proceed(nil)
				return
			}
			f.chain.RequestNew(func(changed bool, err errors.DriverError) {
				if err != nil {
					proceed(err)
					return
				}
				if changed {
					f.dirRef.SetFirstCluster(diskClusterValue(f.chain.FirstCluster()))
				}
				f.blockInCluster = 0
				proceed(nil)
			})
		})
	}

	extend(func(err errors.DriverError) {
		if err != nil {
			f.busy = false
			cb(err)
			return
		}
		relBlock := f.fs.geom.DataBlock(f.chain.CurrentCluster()) + uint64(f.blockInCluster)
		abs, terr := f.fs.partRange.Translate(relBlock)
		if terr != nil {
			f.busy = false
			cb(terr)
			return
		}
		f.fs.cache.Pin(abs, 1, 1, false, func(ref *blockcache.Ref, perr errors.DriverError) {
			f.busy = false
			if perr != nil {
				cb(perr)
				return
			}
			copy(ref.Bytes(), buf[:bytesInBlock])
			ref.MarkDirty()
			ref.Release()
			f.filePos += uint32(bytesInBlock)
			f.blockInCluster++
			if f.filePos > f.fileSize {
				f.fileSize = f.filePos
				f.dirRef.SetFileSize(f.fileSize)
			}
			cb(nil)
		})
	})
}

// StartTruncate sets file_size to the current position and frees every
// cluster beyond it -- §4.6.
func (f *File) StartTruncate(cb func(errors.DriverError)) {
	if f.writeRef == nil {
		f.fs.loop.Defer(func() { cb(errors.New(errors.EROFS)) })
		return
	}
	shrunk := f.filePos < f.fileSize
	f.fileSize = f.filePos
	if shrunk {
		f.dirRef.SetFileSize(f.fileSize)
	}
	f.busy = true
	f.chain.StartTruncate(func(changed bool, err errors.DriverError) {
		f.busy = false
		if err != nil {
			cb(err)
			return
		}
		if changed {
			f.dirRef.SetFirstCluster(diskClusterValue(f.chain.FirstCluster()))
		}
		cb(nil)
	})
}

// Deinit tears the handle down, releasing any writable state and the
// underlying chain.
func (f *File) Deinit() {
	if f.writeRef != nil {
		f.CloseWritable()
	}
	f.chain.Deinit()
}
