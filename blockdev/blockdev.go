// Package blockdev defines the block device contract the FAT32 driver is
// built on top of, along with two concrete backings: an in-memory device for
// tests and small images, and a file-backed device for real disk images.
//
// Neither backing is part of the interesting surface of this repository --
// the driver never assumes which one it's talking to. They exist so the
// driver in package fat32 has something real to drive in tests and in the
// fatls command.
package blockdev

import "github.com/skyformat99/aprinter/errors"

// Device is the asynchronous-in-spirit block I/O primitive the rest of this
// module is built against. Reads and writes address the whole device by
// absolute block number; translating a volume-relative index into an
// absolute one is BlockRangeMap's job, not the device's.
//
// Real hardware backings (an SD card driver, a ramdisk shared with another
// core) usually can't promise synchronous completion, which is why every
// other layer in this module is written as if these calls could suspend.
// The two backings provided here happen to complete synchronously, but
// nothing above them relies on that.
type Device interface {
	// BlockSize returns the fixed size of one block, in bytes. It is always
	// at least 512 and a multiple of 32.
	BlockSize() uint

	// TotalBlocks returns the number of addressable blocks on the device.
	TotalBlocks() uint64

	// IsWritable reports whether WriteBlocks is permitted to succeed. It's
	// consulted by the write-mount state machine; drivers should treat a
	// read-only device as a hard failure for write-mount, not retry it.
	IsWritable() bool

	// ReadBlocks fills buf (a nonzero multiple of BlockSize bytes) starting
	// at absolute block index.
	ReadBlocks(index uint64, buf []byte) errors.DriverError

	// WriteBlocks writes buf (a nonzero multiple of BlockSize bytes) to the
	// device starting at absolute block index.
	WriteBlocks(index uint64, buf []byte) errors.DriverError
}

// Range describes a filesystem's partition as a contiguous run of blocks on
// a Device: BlockRangeMap in the driver's component inventory. The FAT32
// driver never touches a Device directly; every address it computes is
// relative to the start of its own Range and must be translated first.
type Range struct {
	Device       Device
	AbsoluteBase uint64
	Length       uint64 // in blocks
}

// Translate converts a filesystem-relative block index into an absolute
// device block index, failing if the index falls outside the partition.
func (r Range) Translate(relative uint64) (uint64, errors.DriverError) {
	if relative >= r.Length {
		return 0, errors.NewWithMessage(
			errors.ERANGE,
			"block index out of partition bounds",
		)
	}
	return r.AbsoluteBase + relative, nil
}

// ReadBlocks fills buf starting at the relative block index rel, translating
// through the range first.
func (r Range) ReadBlocks(rel uint64, buf []byte) errors.DriverError {
	abs, err := r.Translate(rel)
	if err != nil {
		return err
	}
	return r.Device.ReadBlocks(abs, buf)
}

// WriteBlocks writes buf starting at the relative block index rel, translating
// through the range first.
func (r Range) WriteBlocks(rel uint64, buf []byte) errors.DriverError {
	abs, err := r.Translate(rel)
	if err != nil {
		return err
	}
	return r.Device.WriteBlocks(abs, buf)
}
