package blockdev

import (
	"io"

	"github.com/xaionaro-go/bytesextra"

	"github.com/skyformat99/aprinter/errors"
)

// MemoryDevice is a Device backed entirely by a byte slice. It's the backing
// used by the test fixtures in package testingutil, and is handy for holding
// a disk image that was decompressed or generated in memory.
type MemoryDevice struct {
	rw         io.ReadWriteSeeker
	blockSize  uint
	writable   bool
	totalBytes int64
}

// NewMemoryDevice wraps data as a Device with the given block size. data's
// length must be an exact multiple of blockSize.
func NewMemoryDevice(data []byte, blockSize uint, writable bool) (*MemoryDevice, errors.DriverError) {
	if blockSize == 0 || len(data)%int(blockSize) != 0 {
		return nil, errors.NewWithMessage(errors.EINVAL, "image size is not a multiple of the block size")
	}
	return &MemoryDevice{
		rw:         bytesextra.NewReadWriteSeeker(data),
		blockSize:  blockSize,
		writable:   writable,
		totalBytes: int64(len(data)),
	}, nil
}

func (m *MemoryDevice) BlockSize() uint     { return m.blockSize }
func (m *MemoryDevice) TotalBlocks() uint64 { return uint64(m.totalBytes) / uint64(m.blockSize) }
func (m *MemoryDevice) IsWritable() bool    { return m.writable }

func (m *MemoryDevice) boundsCheck(index uint64, buf []byte) errors.DriverError {
	if len(buf) == 0 || len(buf)%int(m.blockSize) != 0 {
		return errors.NewWithMessage(errors.EINVAL, "buffer is not a nonzero multiple of the block size")
	}
	numBlocks := uint64(len(buf)) / uint64(m.blockSize)
	if index+numBlocks > m.TotalBlocks() {
		return errors.NewWithMessage(errors.ERANGE, "read/write extends past the end of the device")
	}
	return nil
}

func (m *MemoryDevice) ReadBlocks(index uint64, buf []byte) errors.DriverError {
	if err := m.boundsCheck(index, buf); err != nil {
		return err
	}
	offset := int64(index) * int64(m.blockSize)
	if _, err := m.rw.Seek(offset, io.SeekStart); err != nil {
		return errors.NewFromError(errors.EIO, err)
	}
	n, err := io.ReadFull(m.rw, buf)
	if err != nil || n != len(buf) {
		return errors.NewFromError(errors.EIO, err)
	}
	return nil
}

func (m *MemoryDevice) WriteBlocks(index uint64, buf []byte) errors.DriverError {
	if !m.writable {
		return errors.New(errors.EROFS)
	}
	if err := m.boundsCheck(index, buf); err != nil {
		return err
	}
	offset := int64(index) * int64(m.blockSize)
	if _, err := m.rw.Seek(offset, io.SeekStart); err != nil {
		return errors.NewFromError(errors.EIO, err)
	}
	n, err := m.rw.Write(buf)
	if err != nil || n != len(buf) {
		return errors.NewFromError(errors.EIO, err)
	}
	return nil
}
