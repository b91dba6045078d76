package fat32

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyformat99/aprinter/testingutil"
)

func TestParseEBPB_ValidImage(t *testing.T) {
	b := testingutil.NewImageBuilder(2048, 512, 8, 4, 2, 2)
	geom, code := parseEBPB(b.Bytes()[0:512], 512, uint64(b.TotalSectors))
	require.Equal(t, InitOK, code)
	assert.EqualValues(t, 8, geom.BlocksPerCluster)
	assert.EqualValues(t, 2, geom.NumReservedBlocks)
	assert.EqualValues(t, 4, geom.NumBlocksPerFAT)
	assert.EqualValues(t, 2, geom.RootCluster)
	assert.EqualValues(t, 1, geom.FsInfoBlock)
	assert.EqualValues(t, 2, geom.NumFats)
}

func TestParseEBPB_RejectsBadSignature(t *testing.T) {
	b := testingutil.NewImageBuilder(2048, 512, 8, 4, 2, 2)
	img := b.Bytes()
	img[0x42] = 0x00
	_, code := parseEBPB(img[0:512], 512, uint64(b.TotalSectors))
	assert.Equal(t, InitErrSignature, code)
}

func TestParseEBPB_RejectsNonFAT32(t *testing.T) {
	b := testingutil.NewImageBuilder(2048, 512, 8, 4, 2, 2)
	img := b.Bytes()
	img[0x11] = 16 // max_root != 0
	_, code := parseEBPB(img[0:512], 512, uint64(b.TotalSectors))
	assert.Equal(t, InitErrNotFAT32, code)
}

func TestGeometry_ValidForData(t *testing.T) {
	g := Geometry{NumValidClusters: 10}
	assert.True(t, g.IsValidForData(2))
	assert.True(t, g.IsValidForData(11))
	assert.False(t, g.IsValidForData(12))
	assert.False(t, g.IsValidForData(1))
}
