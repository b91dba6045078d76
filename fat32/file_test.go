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

func newFileFixture(t *testing.T) (*testingutil.ImageBuilder, *FsCore, *evloop.Loop) {
	t.Helper()
	b := testingutil.NewImageBuilder(8192, 512, 8, 4, 2, 2)
	b.SetFatEntry(2, uint32(EndOfChainMarker)) // root
	b.SetFatEntry(3, uint32(EndOfChainMarker)) // "HI.TXT" data
	b.SetFatEntry(4, uint32(EndOfChainMarker)) // "EMPTY.BIN" data, pre-allocated

	// 1000-byte test pattern in cluster 3.
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	b.WriteClusterData(3, data)

	b.WriteDirEntry(2, 0, "HI.TXT", 0, 3, 1000)
	b.WriteDirEntry(2, 1, "EMPTY.BIN", 0, 4, 0)
	b.WriteDirEntry(2, 2, "ZERO.BIN", 0, 0, 0) // genuinely empty: no cluster at all

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

	var mountErr errors.DriverError
	fs.StartWriteMount(func(err errors.DriverError) { mountErr = err })
	loop.Run()
	require.NoError(t, mountErr)

	return b, fs, loop
}

func openEntry(t *testing.T, fs *FsCore, loop *evloop.Loop, root FsEntry, name string, wantType EntryType) FsEntry {
	t.Helper()
	var status OpenStatus
	var entry FsEntry
	var err errors.DriverError
	OpenByName(fs, root.Cluster, name, wantType, false, func(s OpenStatus, e FsEntry, e2 errors.DriverError) {
		status, entry, err = s, e, e2
	})
	loop.Run()
	require.NoError(t, err)
	require.Equal(t, OpenSuccess, status)
	return entry
}

// TestFile_SequentialReadShortLastBlock exercises S1: a 1000-byte file read
// in 512-byte blocks returns 512, then 488, then 0 at EOF.
func TestFile_SequentialReadShortLastBlock(t *testing.T) {
	_, fs, loop := newFileFixture(t)
	root := fs.GetRootEntry()
	entry := openEntry(t, fs, loop, root, "HI.TXT", EntryFile)
	assert.EqualValues(t, 1000, entry.FileSize)

	f := OpenFile(fs, entry)
	defer f.Deinit()

	buf := make([]byte, 512)

	var n uint
	var err errors.DriverError
	f.StartRead(buf, func(got uint, e errors.DriverError) { n, err = got, e })
	loop.Run()
	require.NoError(t, err)
	assert.EqualValues(t, 512, n)

	f.StartRead(buf, func(got uint, e errors.DriverError) { n, err = got, e })
	loop.Run()
	require.NoError(t, err)
	assert.EqualValues(t, 488, n)

	f.StartRead(buf, func(got uint, e errors.DriverError) { n, err = got, e })
	loop.Run()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

// TestFile_WriteThenTruncate exercises S4: write three 512-byte blocks, then
// truncate back down, and confirm the directory entry tracks the new size.
func TestFile_WriteThenTruncate(t *testing.T) {
	_, fs, loop := newFileFixture(t)
	root := fs.GetRootEntry()
	entry := openEntry(t, fs, loop, root, "EMPTY.BIN", EntryFile)
	assert.EqualValues(t, 0, entry.FileSize)

	f := OpenFile(fs, entry)
	defer f.Deinit()

	var openErr errors.DriverError
	f.StartOpenWritable(func(e errors.DriverError) { openErr = e })
	loop.Run()
	require.NoError(t, openErr)

	block := make([]byte, 512)
	for i := range block {
		block[i] = 0xAB
	}
	for i := 0; i < 3; i++ {
		var writeErr errors.DriverError
		f.StartWrite(block, 512, func(e errors.DriverError) { writeErr = e })
		loop.Run()
		require.NoError(t, writeErr)
	}
	assert.EqualValues(t, 1536, f.FileSize())

	// White-box: rewind the position to where the truncate should land,
	// mirroring a prior seek/write sequence ending at byte 1024.
	f.filePos = 1024

	var truncErr errors.DriverError
	f.StartTruncate(func(e errors.DriverError) { truncErr = e })
	loop.Run()
	require.NoError(t, truncErr)
	assert.EqualValues(t, 1024, f.FileSize())
	assert.EqualValues(t, 1024, f.dirRef.FileSize())

	f.CloseWritable()
}

// TestFile_WriteAcrossClusterBoundary exercises the allocate-on-grow path of
// §4.6/§4.4: "EMPTY.BIN" is pre-allocated at cluster 4, which holds exactly
// 8 blocks (one 4096-byte cluster). Writing a 9th block must drive
// chain.RequestNew through the Allocator and link a second cluster onto
// FAT[4] -- the path TestFile_WriteThenTruncate never reaches because it
// never leaves the first cluster.
func TestFile_WriteAcrossClusterBoundary(t *testing.T) {
	b, fs, loop := newFileFixture(t)
	root := fs.GetRootEntry()
	entry := openEntry(t, fs, loop, root, "EMPTY.BIN", EntryFile)

	f := OpenFile(fs, entry)
	defer f.Deinit()

	var openErr errors.DriverError
	f.StartOpenWritable(func(e errors.DriverError) { openErr = e })
	loop.Run()
	require.NoError(t, openErr)

	block := make([]byte, 512)
	for i := range block {
		block[i] = 0xCD
	}

	const blocksPerCluster = 8
	for i := 0; i < blocksPerCluster+1; i++ {
		var writeErr errors.DriverError
		f.StartWrite(block, 512, func(e errors.DriverError) { writeErr = e })
		loop.Run()
		require.NoError(t, writeErr)
	}
	assert.EqualValues(t, (blocksPerCluster+1)*512, f.FileSize())

	require.NoError(t, fs.cache.Flush())
	linked := b.FatEntry(4)
	assert.NotEqual(t, uint32(EndOfChainMarker), linked)
	assert.True(t, ClusterID(linked).IsNormal())
	assert.Equal(t, uint32(EndOfChainMarker), b.FatEntry(linked))

	f.CloseWritable()
}

// TestFile_WriteToEmptyFile covers the other half of the allocate-on-grow
// path: a file whose directory entry stores first_cluster == 0 (no cluster
// at all) must allocate its very first cluster on the first write, and the
// chain's first_cluster_changed signal must reach the directory entry.
func TestFile_WriteToEmptyFile(t *testing.T) {
	b, fs, loop := newFileFixture(t)
	root := fs.GetRootEntry()
	entry := openEntry(t, fs, loop, root, "ZERO.BIN", EntryFile)
	assert.EqualValues(t, 0, entry.FileSize)
	assert.EqualValues(t, 0, entry.Cluster)

	f := OpenFile(fs, entry)
	defer f.Deinit()

	var openErr errors.DriverError
	f.StartOpenWritable(func(e errors.DriverError) { openErr = e })
	loop.Run()
	require.NoError(t, openErr)

	block := make([]byte, 512)
	for i := range block {
		block[i] = 0x11
	}

	var writeErr errors.DriverError
	f.StartWrite(block, 512, func(e errors.DriverError) { writeErr = e })
	loop.Run()
	require.NoError(t, writeErr)

	assert.EqualValues(t, 512, f.FileSize())
	require.True(t, f.chain.FirstCluster().IsNormal())

	require.NoError(t, fs.cache.Flush())
	assert.Equal(t, uint32(EndOfChainMarker), b.FatEntry(uint32(f.chain.FirstCluster())))

	f.CloseWritable()
}
