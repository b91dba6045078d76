// Package fat32 implements a FAT32 filesystem driver for embedded targets
// sitting on top of an asynchronous, cache-backed block device
// (package blockcache over package blockdev).
//
// Every object in this package follows the same discipline: a method either
// completes synchronously with no suspension, or it registers a callback and
// returns, with the callback firing later through the evloop.Loop the
// filesystem was built with. Nothing here spawns a goroutine.
package fat32

import "github.com/skyformat99/aprinter/errors"

// ClusterID is a FAT32 cluster index. Indices 0 and 1 are reserved; the data
// area starts at cluster 2.
type ClusterID uint32

// Raw FAT entry sentinels, before masking off the reserved high 4 bits.
const (
	// FreeClusterMarker is the FAT entry value of an unallocated cluster.
	FreeClusterMarker ClusterID = 0

	// EndOfChainMarker is the canonical end-of-chain value this driver
	// always writes. FAT32 treats any value from 0x0FFFFFF8 through
	// 0x0FFFFFFF as an end-of-chain marker on read; per §4.3 this driver
	// only ever emits exactly 0x0FFFFFFF.
	EndOfChainMarker ClusterID = 0x0FFFFFFF

	// firstEndOfChainValue is the lowest cluster value treated as
	// end-of-chain on read.
	firstEndOfChainValue ClusterID = 0x0FFFFFF8

	// fatEntryValueMask strips the 4 reserved high bits of a raw FAT32
	// entry.
	fatEntryValueMask uint32 = 0x0FFFFFFF

	// cleanBitMask is bit 27 of FAT entry #1: set means the volume was
	// cleanly unmounted.
	cleanBitMask uint32 = 1 << 27
)

// IsNormal reports whether a cluster index can be a link in a chain --
// neither free, reserved, nor an end-of-chain sentinel.
func (c ClusterID) IsNormal() bool {
	return c >= 2 && c < firstEndOfChainValue
}

// IsEndOfChain reports whether a raw (already-masked) FAT entry value marks
// the end of a chain.
func (c ClusterID) IsEndOfChain() bool {
	return c >= firstEndOfChainValue
}

// EntryType distinguishes the two kinds of FsEntry the driver can produce.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDirectory
)

// FsEntry is the value type returned by the directory iterator and by
// Opener: everything needed to open a File or recurse into a subdirectory,
// without holding any block pinned.
type FsEntry struct {
	Type     EntryType
	FileSize uint32
	Cluster  ClusterID

	// DirEntryBlockIndex and DirEntryBlockOffset locate this entry's 32-byte
	// on-disk slot, for opening the entry writable later. Both are zero for
	// the root directory, which has no physical directory entry of its own.
	DirEntryBlockIndex  uint64
	DirEntryBlockOffset uint16
}

// IsDir reports whether this entry is a directory.
func (e FsEntry) IsDir() bool { return e.Type == EntryDirectory }

// InitError is a small, stable code identifying exactly which EBPB
// validation rule failed during Init, for diagnostics -- §7 calls for
// preserving this distinction rather than collapsing every parse failure
// into one generic error.
type InitError int

const (
	InitOK InitError = iota
	InitErrSectorSize
	InitErrClusterSize
	InitErrReservedArea
	InitErrNumFATs
	InitErrSignature
	InitErrNotFAT32
	InitErrRootCluster
	InitErrSectorsPerFAT
	InitErrFATAreaTooLarge
	InitErrFSInfoLocation
	InitErrNoDataClusters
	InitErrReadFailed
)

func (e InitError) String() string {
	switch e {
	case InitOK:
		return "ok"
	case InitErrSectorSize:
		return "bad sector size"
	case InitErrClusterSize:
		return "cluster size overflows a block count"
	case InitErrReservedArea:
		return "reserved area too small to hold the EBPB"
	case InitErrNumFATs:
		return "num_fats must be 1 or 2"
	case InitErrSignature:
		return "bad extended boot signature"
	case InitErrNotFAT32:
		return "root entry count nonzero: not a FAT32 volume"
	case InitErrRootCluster:
		return "root cluster below 2 or past the data area"
	case InitErrSectorsPerFAT:
		return "bad sectors-per-FAT"
	case InitErrFATAreaTooLarge:
		return "FAT area exceeds the partition"
	case InitErrFSInfoLocation:
		return "FSInfo sector outside the reserved area"
	case InitErrNoDataClusters:
		return "partition has no data clusters"
	case InitErrReadFailed:
		return "failed to read the boot sector"
	default:
		return "unknown init error"
	}
}

// initFailure bundles an InitError code with the DriverError a caller would
// otherwise have to derive themselves.
func initFailure(code InitError) errors.DriverError {
	return errors.NewWithMessage(errors.EINVAL, code.String())
}

// DriverError converts a failed InitError into the errors.DriverError type
// the rest of the package reports through, for callers that want to treat
// mount failure uniformly with every other operation's error channel.
func (e InitError) DriverError() errors.DriverError {
	return initFailure(e)
}
