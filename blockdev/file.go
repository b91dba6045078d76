//go:build linux || darwin

package blockdev

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/skyformat99/aprinter/errors"
)

// FileDevice is a Device backed by a regular file (a raw disk image, or a
// block special file opened as one). It issues pread(2)/pwrite(2) directly
// through golang.org/x/sys/unix rather than os.File.ReadAt/WriteAt so that
// partial reads and EINTR are handled exactly like they would be against a
// real block device, not smoothed over by the os package's retry loop.
type FileDevice struct {
	file      *os.File
	blockSize uint
	writable  bool
}

// OpenFileDevice opens path as a Device with the given block size. If
// writable is false, WriteBlocks always fails with EROFS and the file is
// opened read-only.
func OpenFileDevice(path string, blockSize uint, writable bool) (*FileDevice, errors.DriverError) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, errors.NewFromError(errors.ENODEV, err)
	}

	return &FileDevice{file: f, blockSize: blockSize, writable: writable}, nil
}

func (d *FileDevice) Close() error { return d.file.Close() }

func (d *FileDevice) BlockSize() uint { return d.blockSize }

func (d *FileDevice) TotalBlocks() uint64 {
	info, err := d.file.Stat()
	if err != nil {
		return 0
	}
	return uint64(info.Size()) / uint64(d.blockSize)
}

func (d *FileDevice) IsWritable() bool { return d.writable }

func (d *FileDevice) ReadBlocks(index uint64, buf []byte) errors.DriverError {
	offset := int64(index) * int64(d.blockSize)
	fd := int(d.file.Fd())

	for total := 0; total < len(buf); {
		n, err := unix.Pread(fd, buf[total:], offset+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.NewFromError(errors.EIO, err)
		}
		if n == 0 {
			return errors.NewWithMessage(errors.EIO, "short read from block device")
		}
		total += n
	}
	return nil
}

func (d *FileDevice) WriteBlocks(index uint64, buf []byte) errors.DriverError {
	if !d.writable {
		return errors.New(errors.EROFS)
	}

	offset := int64(index) * int64(d.blockSize)
	fd := int(d.file.Fd())

	for total := 0; total < len(buf); {
		n, err := unix.Pwrite(fd, buf[total:], offset+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.NewFromError(errors.EIO, err)
		}
		total += n
	}
	return nil
}
