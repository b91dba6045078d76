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

// newMountedFixture builds a small image with a root directory (cluster 2)
// and mounts it via FsCore.Init, returning the ready-to-use pieces.
func newMountedFixture(t *testing.T, writable bool) (*testingutil.ImageBuilder, *FsCore, *evloop.Loop, blockdev.Device) {
	t.Helper()
	b := testingutil.NewImageBuilder(4096, 512, 8, 4, 2, 2)
	b.SetFatEntry(2, EndOfChainMarker32())

	dev, err := b.MemoryDevice(writable)
	require.NoError(t, err)

	loop := evloop.New()
	cache := blockcache.New(dev, loop)
	partRange := blockdev.Range{Device: dev, AbsoluteBase: 0, Length: dev.TotalBlocks()}
	fs := NewFsCore(loop, cache, partRange)

	var initCode InitError
	fs.Init(func(c InitError) { initCode = c })
	loop.Run()
	require.Equal(t, InitOK, initCode)

	return b, fs, loop, dev
}

// EndOfChainMarker32 exposes the canonical end-of-chain sentinel as a raw
// uint32 for test fixtures that build FAT entries by hand.
func EndOfChainMarker32() uint32 { return uint32(EndOfChainMarker) }

func TestInit_RootEntry(t *testing.T) {
	_, fs, _, _ := newMountedFixture(t, false)
	root := fs.GetRootEntry()
	assert.True(t, root.IsDir())
	assert.EqualValues(t, 2, root.Cluster)
}

func TestWriteMount_FailsWhenCleanBitAlreadyClear(t *testing.T) {
	b, fs, loop, _ := newMountedFixture(t, true)
	b.SetCleanBit(false)

	var mountErr errors.DriverError
	fs.StartWriteMount(func(err errors.DriverError) { mountErr = err })
	loop.Run()

	assert.Error(t, mountErr)
	assert.Equal(t, NotMounted, fs.writeMountState)
}

func TestWriteMountUnmount_CleanBitDiscipline(t *testing.T) {
	b, fs, loop, _ := newMountedFixture(t, true)

	var mountErr errors.DriverError
	fs.StartWriteMount(func(err errors.DriverError) { mountErr = err })
	loop.Run()
	require.NoError(t, mountErr)
	assert.Equal(t, Mounted, fs.writeMountState)
	assert.Zero(t, b.FatEntry(1)&(1<<27))

	var unmountErr errors.DriverError
	fs.StartWriteUnmount(func(err errors.DriverError) { unmountErr = err })
	loop.Run()
	require.NoError(t, unmountErr)
	assert.Equal(t, NotMounted, fs.writeMountState)
	assert.NotZero(t, b.FatEntry(1)&(1<<27))
}

// flakyDevice fails every WriteBlocks call after the first failAfter of
// them, to deterministically trigger a MOUNT_FLUSH failure (S6).
type flakyDevice struct {
	*blockdev.MemoryDevice
	failAfter int
	calls     int
}

func (d *flakyDevice) WriteBlocks(index uint64, buf []byte) errors.DriverError {
	d.calls++
	if d.calls > d.failAfter {
		return errors.New(errors.EIO)
	}
	return d.MemoryDevice.WriteBlocks(index, buf)
}

func TestWriteMount_FlushFailureRestoresCleanBitAndState(t *testing.T) {
	b := testingutil.NewImageBuilder(4096, 512, 8, 4, 2, 2)
	b.SetFatEntry(2, EndOfChainMarker32())

	mem, err := b.MemoryDevice(true)
	require.NoError(t, err)
	dev := &flakyDevice{MemoryDevice: mem, failAfter: 0}

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

	assert.Error(t, mountErr)
	assert.Equal(t, NotMounted, fs.writeMountState)

	var cleanInCache bool
	fs.pinFATEntry(ClusterID(1), false, func(ref *blockcache.Ref, _ uint, perr errors.DriverError) {
		require.NoError(t, perr)
		cleanInCache = readCleanBit(ref)
		ref.Release()
	})
	loop.Run()
	assert.True(t, cleanInCache)
}
