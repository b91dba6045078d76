// Package blockcache provides a reference-counted, write-back cache of
// fixed-size blocks sitting in front of a blockdev.Device.
//
// This is explicitly the "external collaborator" the FAT32 driver in package
// fat32 is written against: every pin, dirty-mark, and flush the driver
// issues goes through here. The driver never reads or writes the device
// directly.
//
// A single Pin can span more than one physical block when stride and count
// are greater than their defaults of (1, 1) -- the FAT32 driver uses this to
// pin the same FAT entry across all of a volume's mirrored FAT copies in one
// call, so marking it dirty and flushing it keeps every copy identical.
package blockcache

import (
	"github.com/boljen/go-bitmap"

	"github.com/skyformat99/aprinter/blockdev"
	"github.com/skyformat99/aprinter/errors"
	"github.com/skyformat99/aprinter/evloop"
)

type blockState struct {
	data     []byte
	refCount int32
}

// Cache is a write-back cache over a blockdev.Device. All block indices
// passed to its methods are absolute device block numbers.
type Cache struct {
	dev         blockdev.Device
	loop        *evloop.Loop
	blockSize   uint
	totalBlocks uint64

	loaded bitmap.Bitmap
	dirty  bitmap.Bitmap
	blocks map[uint64]*blockState
}

// New creates a Cache sitting in front of dev, scheduling deferred
// completions on loop.
func New(dev blockdev.Device, loop *evloop.Loop) *Cache {
	total := dev.TotalBlocks()
	return &Cache{
		dev:         dev,
		loop:        loop,
		blockSize:   dev.BlockSize(),
		totalBlocks: total,
		loaded:      bitmap.NewSlice(int(total)),
		dirty:       bitmap.NewSlice(int(total)),
		blocks:      make(map[uint64]*blockState),
	}
}

func (c *Cache) BlockSize() uint { return c.blockSize }

// Ref is a live pin on one or more mirrored blocks. Callers must call
// Release exactly once, on every exit path, once they're done with the
// buffer -- an unreleased Ref permanently wedges the blocks it covers.
type Ref struct {
	cache   *Cache
	indices []uint64 // absolute block indices, one per mirror copy
}

// Bytes returns the live buffer for the primary copy (the first of the
// mirrored indices). Mutating it does not persist until MarkDirty and a
// flush.
func (r *Ref) Bytes() []byte {
	return r.cache.blocks[r.indices[0]].data
}

// MarkDirty flags every mirror copy covered by this Ref as needing a
// write-back, and propagates the primary copy's bytes into the others so a
// flush writes identical content to every mirror.
func (r *Ref) MarkDirty() {
	primary := r.cache.blocks[r.indices[0]].data
	for _, idx := range r.indices {
		c := r.cache
		c.dirty.Set(int(idx), true)
		if idx != r.indices[0] {
			copy(c.blocks[idx].data, primary)
		}
	}
}

// Release gives up this pin. The block stays resident in the cache after its
// last Ref is released; the cache never evicts blocks on its own.
func (r *Ref) Release() {
	if r.indices == nil {
		return // already released
	}
	for _, idx := range r.indices {
		if st, ok := r.cache.blocks[idx]; ok {
			st.refCount--
		}
	}
	r.indices = nil
}

func (c *Cache) ensureBlock(index uint64) *blockState {
	st, ok := c.blocks[index]
	if !ok {
		st = &blockState{data: make([]byte, c.blockSize)}
		c.blocks[index] = st
	}
	return st
}

func (c *Cache) checkBounds(index uint64, stride uint, count uint) errors.DriverError {
	if count == 0 {
		count = 1
	}
	last := index + uint64(stride)*uint64(count-1)
	if last >= c.totalBlocks {
		return errors.NewWithMessage(errors.ERANGE, "pin extends past the end of the device")
	}
	return nil
}

// Pin acquires a reference on the block at index (and, if count > 1, on the
// count-1 further blocks spaced stride apart -- used for FAT mirrors). The
// callback runs with either a live Ref or an error, never both.
//
// The callback always runs through the event loop, never in-line inside Pin.
// When every covered block is already loaded and disableImmediateCompletion
// is false, it is queued directly. Otherwise the pin first takes one extra
// loop turn to settle, reading any covered block that is not yet loaded from
// the device; blocks already loaded are not read again, so passing true on a
// hit only adds that extra turn.
func (c *Cache) Pin(
	index uint64,
	stride uint,
	count uint,
	disableImmediateCompletion bool,
	cb func(*Ref, errors.DriverError),
) {
	if count == 0 {
		count = 1
	}
	if err := c.checkBounds(index, stride, count); err != nil {
		c.loop.Defer(func() { cb(nil, err) })
		return
	}

	indices := make([]uint64, count)
	for i := uint(0); i < count; i++ {
		indices[i] = index + uint64(i)*uint64(stride)
	}

	needsFetch := disableImmediateCompletion
	for _, idx := range indices {
		if !c.loaded.Get(int(idx)) {
			needsFetch = true
		}
	}

	settle := func() {
		var fetchErr errors.DriverError
		for _, idx := range indices {
			if c.loaded.Get(int(idx)) {
				continue
			}
			st := c.ensureBlock(idx)
			if err := c.dev.ReadBlocks(idx, st.data); err != nil {
				fetchErr = err
				break
			}
			c.loaded.Set(int(idx), true)
		}
		if fetchErr != nil {
			c.loop.Defer(func() { cb(nil, fetchErr) })
			return
		}

		for _, idx := range indices {
			c.ensureBlock(idx).refCount++
		}
		c.loop.Defer(func() { cb(&Ref{cache: c, indices: indices}, nil) })
	}

	if needsFetch {
		c.loop.Defer(settle)
		return
	}

	// Already resident: still settle through the loop so completion is
	// always observed on a later turn, never synchronously inside Pin.
	for _, idx := range indices {
		c.ensureBlock(idx).refCount++
	}
	c.loop.Defer(func() { cb(&Ref{cache: c, indices: indices}, nil) })
}

// Flush writes every dirty block back to the device and clears their dirty
// bits. Failures on individual blocks are collected rather than aborting
// after the first one, so a flush failure doesn't leave some blocks
// unreported as still dirty.
func (c *Cache) Flush() errors.DriverError {
	var failures []error
	for idx := uint64(0); idx < c.totalBlocks; idx++ {
		if !c.dirty.Get(int(idx)) {
			continue
		}
		st, ok := c.blocks[idx]
		if !ok {
			continue
		}
		if err := c.dev.WriteBlocks(idx, st.data); err != nil {
			failures = append(failures, err)
			continue
		}
		c.dirty.Set(int(idx), false)
	}
	return errors.Combine(errors.EIO, failures...)
}

// Reset drops a block from the cache without writing it back, discarding any
// pending dirty state, so the next Pin of that block reads it from the
// device again.
func (c *Cache) Reset(index uint64) {
	delete(c.blocks, index)
	c.loaded.Set(int(index), false)
	c.dirty.Set(int(index), false)
}
