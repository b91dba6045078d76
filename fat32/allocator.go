package fat32

import (
	"github.com/skyformat99/aprinter/blockcache"
	"github.com/skyformat99/aprinter/errors"
)

// allocState is the Allocator's own state tag, §4.4.
type allocState int

const (
	allocIdle allocState = iota
	allocRequestingBlock
)

// Allocator is the rotating, cooperative free-cluster finder shared by every
// ClusterChain extending in the current mount session. It owns no cache
// references of its own -- it borrows FsCore's shared block_ref while a scan
// is in progress.
type Allocator struct {
	fs    *FsCore
	state allocState

	position uint32 // 0..NumValidClusters, the rotating cursor
	start    uint32 // snapshot of position when the current scan began

	waiters []*ClusterChain
}

func newAllocator(fs *FsCore) *Allocator {
	return &Allocator{fs: fs}
}

// enqueue adds chain to the waiter list and kicks off a scan if idle.
func (a *Allocator) enqueue(chain *ClusterChain) {
	a.waiters = append(a.waiters, chain)
	a.pump()
}

// dequeue removes chain from the waiter list, e.g. because it was torn down
// mid-wait. If the list becomes empty, any in-flight scan is abandoned.
func (a *Allocator) dequeue(chain *ClusterChain) {
	for i, w := range a.waiters {
		if w == chain {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			break
		}
	}
	if len(a.waiters) == 0 {
		a.abort()
	}
}

func (a *Allocator) abort() {
	if a.state == allocIdle {
		return
	}
	a.state = allocIdle
	if a.fs.blockRefOwner == ownerAllocator && a.fs.blockRef != nil {
		a.fs.releaseOwnedBlockRef(a.fs.blockRef)
	}
}

func (a *Allocator) pump() {
	if a.state != allocIdle || len(a.waiters) == 0 {
		return
	}
	a.start = a.position
	a.scanStep()
}

func (a *Allocator) scanStep() {
	a.state = allocRequestingBlock
	cluster := ClusterID(2 + a.position)
	a.fs.pinFATEntryOwned(cluster, ownerAllocator, func(ref *blockcache.Ref, off uint, err errors.DriverError) {
		if err != nil {
			a.state = allocIdle
			a.completeFirst(0, err)
			if len(a.waiters) > 0 {
				a.pump()
			}
			return
		}
		a.onBlockReady(ref, off)
	})
}

// onBlockReady inspects the candidate cluster's FAT entry and either
// completes the head waiter (entry was free) or advances the rotating cursor
// and tries the next candidate (entry was occupied), detecting a full sweep
// by returning to the position the scan started at.
func (a *Allocator) onBlockReady(ref *blockcache.Ref, byteOffset uint) {
	entry := readFatEntry(ref, byteOffset)
	cluster := ClusterID(2 + a.position)

	a.position++
	if a.position >= a.fs.geom.NumValidClusters {
		a.position = 0
	}

	if entry == FreeClusterMarker {
		writeFatEntry(ref, byteOffset, EndOfChainMarker)
		a.fs.releaseOwnedBlockRef(ref)
		a.fs.adjustFreeClusters(-1)
		a.fs.setLastAllocated(ClusterID(2 + a.position))
		a.state = allocIdle
		a.completeFirst(cluster, nil)
		if len(a.waiters) > 0 {
			a.pump()
		}
		return
	}

	a.fs.releaseOwnedBlockRef(ref)
	if a.position == a.start {
		a.state = allocIdle
		a.completeFirst(0, errors.New(errors.ENOSPC))
		if len(a.waiters) > 0 {
			a.pump()
		}
		return
	}
	a.scanStep()
}

func (a *Allocator) completeFirst(cluster ClusterID, err errors.DriverError) {
	if len(a.waiters) == 0 {
		return
	}
	chain := a.waiters[0]
	a.waiters = a.waiters[1:]
	chain.allocationResult(cluster, err)
}
