package fat32

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyformat99/aprinter/blockcache"
	"github.com/skyformat99/aprinter/blockdev"
	"github.com/skyformat99/aprinter/errors"
	"github.com/skyformat99/aprinter/evloop"
	"github.com/skyformat99/aprinter/testingutil"
)

// newTightAllocatorFixture builds a volume with exactly 3 valid clusters:
// root (cluster 2, pre-allocated) plus two free clusters (3, 4). Small
// enough to drive the Allocator to ENOSPC without hundreds of iterations.
func newTightAllocatorFixture(t *testing.T) (*FsCore, *evloop.Loop) {
	t.Helper()
	b := testingutil.NewImageBuilder(6, 512, 1, 1, 1, 2)
	b.SetFatEntry(2, uint32(EndOfChainMarker)) // root

	dev, err := b.MemoryDevice(true)
	require.NoError(t, err)
	loop := evloop.New()
	cache := blockcache.New(dev, loop)
	partRange := blockdev.Range{Device: dev, AbsoluteBase: 0, Length: dev.TotalBlocks()}
	fs := NewFsCore(loop, cache, partRange)

	var initCode InitError
	fs.Init(func(c InitError) { initCode = c })
	loop.Run()
	require.Equal(t, InitOK, initCode)
	require.EqualValues(t, 3, fs.geom.NumValidClusters)

	var mountErr errors.DriverError
	fs.StartWriteMount(func(err errors.DriverError) { mountErr = err })
	loop.Run()
	require.NoError(t, mountErr)

	return fs, loop
}

// requestAndWait drives one chain's RequestNew from a fresh, empty state
// (first_cluster == 0) through to completion.
func requestAndWait(t *testing.T, fs *FsCore, loop *evloop.Loop) (*ClusterChain, bool, errors.DriverError) {
	t.Helper()
	chain := NewClusterChain(fs, 0)
	chain.Rewind()
	chain.RequestNext(func(err errors.DriverError) { require.NoError(t, err) })
	loop.Run()
	require.True(t, chain.EndReached())

	var changed bool
	var reqErr errors.DriverError
	chain.RequestNew(func(c bool, e errors.DriverError) { changed, reqErr = c, e })
	loop.Run()
	return chain, changed, reqErr
}

// TestAllocator_ExhaustionReportsDiskFull exercises §4.4 step 3 and §7's
// out-of-space category: once every valid cluster beyond the pre-allocated
// root is taken, the next RequestNew must complete with ENOSPC rather than
// hang or wrap onto an already-allocated cluster.
func TestAllocator_ExhaustionReportsDiskFull(t *testing.T) {
	fs, loop := newTightAllocatorFixture(t)

	chainA, changedA, errA := requestAndWait(t, fs, loop)
	require.NoError(t, errA)
	assert.True(t, changedA)
	defer chainA.Deinit()

	chainB, changedB, errB := requestAndWait(t, fs, loop)
	require.NoError(t, errB)
	assert.True(t, changedB)
	defer chainB.Deinit()

	assert.NotEqual(t, chainA.FirstCluster(), chainB.FirstCluster())

	chainC, _, errC := requestAndWait(t, fs, loop)
	defer chainC.Deinit()
	require.Error(t, errC)
	assert.Equal(t, errors.ENOSPC, errC.Errno())
}

// TestAllocator_PositionWrapsModuloValidClusters pins down §8 property 4's
// "alloc_position is monotonically advancing modulo num_valid_clusters": on
// this 3-valid-cluster fixture, two allocations push the cursor past
// num_valid_clusters and it must wrap back to 0, never sit at the raw
// unwrapped count.
func TestAllocator_PositionWrapsModuloValidClusters(t *testing.T) {
	fs, loop := newTightAllocatorFixture(t)

	chainA, changedA, errA := requestAndWait(t, fs, loop)
	require.NoError(t, errA)
	assert.True(t, changedA)
	defer chainA.Deinit()

	chainB, changedB, errB := requestAndWait(t, fs, loop)
	require.NoError(t, errB)
	assert.True(t, changedB)
	defer chainB.Deinit()

	assert.Less(t, fs.allocator.position, fs.geom.NumValidClusters)
	assert.EqualValues(t, 0, fs.allocator.position)
}
