package fat32

import (
	"github.com/skyformat99/aprinter/blockcache"
	"github.com/skyformat99/aprinter/errors"
)

// chainIter is the three-state iterator abstraction of §4.5.
type chainIter int

const (
	iterStart chainIter = iota
	iterCluster
	iterEnd
)

// ClusterChain walks and extends a single FAT chain. A File owns exactly one
// of these; the Allocator drives its NEW_ALLOCATING completion through
// allocationResult.
type ClusterChain struct {
	fs *FsCore

	firstCluster ClusterID
	iter         chainIter
	current      ClusterID
	prev         ClusterID

	// pendingCB and pendingPrevRef carry state across an in-flight
	// RequestNew call while it waits on the Allocator.
	pendingCB      func(bool, errors.DriverError)
	pendingPrevRef *blockcache.Ref
	pendingPrevOff uint
}

// NewClusterChain builds a chain over first, not yet rewound.
func NewClusterChain(fs *FsCore, first ClusterID) *ClusterChain {
	return &ClusterChain{fs: fs, firstCluster: first}
}

// FirstCluster returns the chain's first cluster, possibly EndOfChainMarker
// if the chain was just fully truncated -- callers persisting this to a
// directory entry must translate that sentinel to 0 themselves.
func (c *ClusterChain) FirstCluster() ClusterID { return c.firstCluster }

// Rewind resets the iterator to START.
func (c *ClusterChain) Rewind() {
	c.iter = iterStart
	c.current = c.firstCluster
	c.prev = 0
}

// EndReached reports iter == END.
func (c *ClusterChain) EndReached() bool { return c.iter == iterEnd }

// CurrentCluster is legal only when EndReached() is false and the chain has
// been classified at least once (i.e. not immediately after construction).
func (c *ClusterChain) CurrentCluster() ClusterID { return c.current }

// RequestNext classifies the chain's current cluster (if iter == START) or
// advances to the next link in the chain (if iter == CLUSTER), per §4.5.
func (c *ClusterChain) RequestNext(cb func(errors.DriverError)) {
	switch c.iter {
	case iterStart:
		if c.current.IsNormal() {
			c.iter = iterCluster
		} else {
			c.iter = iterEnd
		}
		c.fs.loop.Defer(func() { cb(nil) })
	case iterCluster:
		c.fs.pinFATEntry(c.current, false, func(ref *blockcache.Ref, off uint, err errors.DriverError) {
			if err != nil {
				cb(err)
				return
			}
			next := readFatEntry(ref, off)
			ref.Release()
			if !next.IsNormal() && !next.IsEndOfChain() {
				cb(errors.New(errors.EUCLEAN))
				return
			}
			c.prev = c.current
			c.current = next
			if next.IsNormal() {
				c.iter = iterCluster
			} else {
				c.iter = iterEnd
			}
			cb(nil)
		})
	default:
		c.fs.loop.Defer(func() { cb(nil) })
	}
}

// RequestNew extends the chain by one cluster. Legal only when iter == END.
// cb reports whether first_cluster changed (the chain was empty) along with
// any error.
func (c *ClusterChain) RequestNew(cb func(bool, errors.DriverError)) {
	if c.iter != iterEnd {
		c.fs.loop.Defer(func() { cb(false, errors.New(errors.EINVAL)) })
		return
	}

	c.pendingCB = cb
	if c.prev.IsNormal() {
		c.fs.pinFATEntry(c.prev, false, func(ref *blockcache.Ref, off uint, err errors.DriverError) {
			if err != nil {
				c.pendingCB = nil
				cb(false, err)
				return
			}
			c.pendingPrevRef = ref
			c.pendingPrevOff = off
			c.fs.allocator.enqueue(c)
		})
		return
	}
	c.fs.allocator.enqueue(c)
}

// allocationResult is the Allocator's completion callback for a chain it was
// holding in its waiter list.
func (c *ClusterChain) allocationResult(cluster ClusterID, err errors.DriverError) {
	cb := c.pendingCB
	c.pendingCB = nil

	if err != nil {
		if c.pendingPrevRef != nil {
			c.pendingPrevRef.Release()
			c.pendingPrevRef = nil
		}
		cb(false, err)
		return
	}

	changed := false
	if c.pendingPrevRef != nil {
		writeFatEntry(c.pendingPrevRef, c.pendingPrevOff, cluster)
		c.pendingPrevRef.Release()
		c.pendingPrevRef = nil
	} else {
		c.firstCluster = cluster
		changed = true
	}
	c.current = cluster
	c.iter = iterCluster
	cb(changed, nil)
}

// StartTruncate drops every cluster after the current iteration position,
// §4.5.
func (c *ClusterChain) StartTruncate(cb func(bool, errors.DriverError)) {
	if !c.current.IsNormal() {
		c.fs.loop.Defer(func() { cb(false, nil) })
		return
	}
	c.truncateStep(cb)
}

func (c *ClusterChain) truncateStep(cb func(bool, errors.DriverError)) {
	cur := c.current
	c.fs.pinFATEntry(cur, false, func(ref1 *blockcache.Ref, off1 uint, err1 errors.DriverError) {
		if err1 != nil {
			cb(false, err1)
			return
		}
		next := readFatEntry(ref1, off1)

		if !next.IsNormal() {
			if c.iter == iterStart {
				writeFatEntry(ref1, off1, FreeClusterMarker)
				ref1.Release()
				c.fs.adjustFreeClusters(1)
				c.firstCluster = EndOfChainMarker
				c.current = EndOfChainMarker
				cb(true, nil)
				return
			}
			ref1.Release()
			cb(false, nil)
			return
		}

		c.fs.pinFATEntry(next, false, func(ref2 *blockcache.Ref, off2 uint, err2 errors.DriverError) {
			if err2 != nil {
				ref1.Release()
				cb(false, err2)
				return
			}
			afterNext := readFatEntry(ref2, off2)
			writeFatEntry(ref1, off1, afterNext)
			writeFatEntry(ref2, off2, FreeClusterMarker)
			ref1.Release()
			ref2.Release()
			c.fs.adjustFreeClusters(1)
			c.truncateStep(cb)
		})
	})
}

// Deinit tears the chain down, dequeuing it from the allocator if it was
// mid-wait and releasing any pinned FAT block held for a pending link.
func (c *ClusterChain) Deinit() {
	c.fs.allocator.dequeue(c)
	if c.pendingPrevRef != nil {
		c.pendingPrevRef.Release()
		c.pendingPrevRef = nil
	}
}
