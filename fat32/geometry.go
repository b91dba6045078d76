package fat32

import "encoding/binary"

// EBPB byte offsets within block 0 of the partition, per the FAT32 on-disk
// format (§6).
const (
	ebpbOffSectorSize        = 0x0B
	ebpbOffSectorsPerCluster = 0x0D
	ebpbOffReservedSectors   = 0x0E
	ebpbOffNumFATs           = 0x10
	ebpbOffMaxRootEntries    = 0x11
	ebpbOffSectorsPerFAT32   = 0x24
	ebpbOffRootCluster       = 0x2C
	ebpbOffFSInfoSector      = 0x30
	ebpbOffExtBootSignature  = 0x42

	minEBPBBytes = 0x43
)

// fsInfoSectorNone and fsInfoSectorNoneAlt are the two on-disk spellings of
// "this volume has no FSInfo sector".
const (
	fsInfoSectorNone    = 0x0000
	fsInfoSectorNoneAlt = 0xFFFF
)

// Geometry holds every constant derived from the EBPB once a volume has been
// mounted: ClusterGeometry in the component inventory. All block indices in
// a Geometry are relative to the start of the partition; a blockdev.Range
// performs the final translation to absolute device blocks.
type Geometry struct {
	BlockSize         uint
	BlocksPerCluster  uint
	NumReservedBlocks uint64
	NumBlocksPerFAT   uint64
	FatEndBlocks      uint64
	NumFatEntries     uint32
	NumValidClusters  uint32
	RootCluster       ClusterID
	FsInfoBlock       uint64 // 0 if the volume has no FSInfo sector
	NumFats           uint8
}

// IsValidForData reports whether cluster can address a data cluster: the
// "valid-for-data" predicate of §3 invariant 3.
func (g Geometry) IsValidForData(c ClusterID) bool {
	return c >= 2 && uint32(c-2) < g.NumValidClusters
}

// IsValidForFAT reports whether cluster has a FAT entry of its own: the
// "valid-for-FAT" predicate of §3 invariant 3.
func (g Geometry) IsValidForFAT(c ClusterID) bool {
	return uint32(c) < g.NumFatEntries
}

// FatEntryLocation returns the partition-relative block containing cluster's
// FAT entry, and that entry's byte offset within the block.
func (g Geometry) FatEntryLocation(cluster ClusterID) (block uint64, byteOffset uint) {
	byteIndex := uint64(cluster) * 4
	blockWithinFAT := byteIndex / uint64(g.BlockSize)
	return g.NumReservedBlocks + blockWithinFAT, uint(byteIndex % uint64(g.BlockSize))
}

// DataBlock returns the partition-relative block at the start of cluster's
// data.
func (g Geometry) DataBlock(cluster ClusterID) uint64 {
	return g.FatEndBlocks + uint64(cluster-2)*uint64(g.BlocksPerCluster)
}

// parseEBPB validates and derives a Geometry from the raw bytes of block 0 of
// the partition. blockSize is the cache's block size; partitionLengthBlocks
// is the partition's total length, in blocks. Each failure mode maps to a
// distinct InitError per §7.
func parseEBPB(block []byte, blockSize uint, partitionLengthBlocks uint64) (Geometry, InitError) {
	if len(block) < minEBPBBytes {
		return Geometry{}, InitErrReadFailed
	}

	sectorSize := binary.LittleEndian.Uint16(block[ebpbOffSectorSize:])
	sectorsPerCluster := block[ebpbOffSectorsPerCluster]
	reservedSectors := binary.LittleEndian.Uint16(block[ebpbOffReservedSectors:])
	numFATs := block[ebpbOffNumFATs]
	maxRoot := binary.LittleEndian.Uint16(block[ebpbOffMaxRootEntries:])
	sectorsPerFAT := binary.LittleEndian.Uint32(block[ebpbOffSectorsPerFAT32:])
	rootCluster := binary.LittleEndian.Uint32(block[ebpbOffRootCluster:]) & fatEntryValueMask
	fsInfoSector := binary.LittleEndian.Uint16(block[ebpbOffFSInfoSector:])
	sig := block[ebpbOffExtBootSignature]

	if sectorSize == 0 || uint(sectorSize)%blockSize != 0 {
		return Geometry{}, InitErrSectorSize
	}
	blocksPerSector := uint(sectorSize) / blockSize

	blocksPerCluster64 := uint64(sectorsPerCluster) * uint64(blocksPerSector)
	if blocksPerCluster64 == 0 || blocksPerCluster64 > 0xFFFF {
		return Geometry{}, InitErrClusterSize
	}

	if uint64(reservedSectors)*uint64(sectorSize) < 0x47 {
		return Geometry{}, InitErrReservedArea
	}

	if numFATs != 1 && numFATs != 2 {
		return Geometry{}, InitErrNumFATs
	}

	if sig != 0x28 && sig != 0x29 {
		return Geometry{}, InitErrSignature
	}

	if maxRoot != 0 {
		return Geometry{}, InitErrNotFAT32
	}

	if rootCluster < 2 {
		return Geometry{}, InitErrRootCluster
	}

	if sectorsPerFAT == 0 || uint64(sectorsPerFAT)*(uint64(sectorSize)/4) > 0xFFFFFFFF {
		return Geometry{}, InitErrSectorsPerFAT
	}

	numReservedBlocks := uint64(reservedSectors) * uint64(blocksPerSector)
	numBlocksPerFAT := uint64(sectorsPerFAT) * uint64(blocksPerSector)

	if uint64(reservedSectors)+uint64(numFATs)*uint64(sectorsPerFAT) >
		partitionLengthBlocks/uint64(blocksPerSector) {
		return Geometry{}, InitErrFATAreaTooLarge
	}

	fatEndBlocks := numReservedBlocks + uint64(numFATs)*numBlocksPerFAT

	var fsInfoBlock uint64
	if fsInfoSector != fsInfoSectorNone && fsInfoSector != fsInfoSectorNoneAlt {
		fsInfoBlock = uint64(fsInfoSector) * uint64(blocksPerSector)
		if fsInfoBlock >= numReservedBlocks {
			return Geometry{}, InitErrFSInfoLocation
		}
	}

	if fatEndBlocks >= partitionLengthBlocks {
		return Geometry{}, InitErrNoDataClusters
	}
	capacityClusters := (partitionLengthBlocks - fatEndBlocks) / blocksPerCluster64
	if capacityClusters < 1 {
		return Geometry{}, InitErrNoDataClusters
	}

	numFatEntries := sectorsPerFAT * (uint32(sectorSize) / 4)

	numValidClusters := capacityClusters
	if uint64(numFatEntries)-2 < numValidClusters {
		numValidClusters = uint64(numFatEntries) - 2
	}
	if uint64(0x0FFFFFF8-2) < numValidClusters {
		numValidClusters = 0x0FFFFFF8 - 2
	}

	if uint64(rootCluster-2) >= numValidClusters {
		return Geometry{}, InitErrRootCluster
	}

	return Geometry{
		BlockSize:         blockSize,
		BlocksPerCluster:  uint(blocksPerCluster64),
		NumReservedBlocks: numReservedBlocks,
		NumBlocksPerFAT:   numBlocksPerFAT,
		FatEndBlocks:      fatEndBlocks,
		NumFatEntries:     numFatEntries,
		NumValidClusters:  uint32(numValidClusters),
		RootCluster:       ClusterID(rootCluster),
		FsInfoBlock:       fsInfoBlock,
		NumFats:           numFATs,
	}, InitOK
}
