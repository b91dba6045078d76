package fat32

import "github.com/skyformat99/aprinter/errors"

// WriteReference is a scoped token certifying that the filesystem was in
// MOUNTED write state at the moment it was taken, and keeps it pinned there
// for as long as the token is live: StartWriteUnmount refuses to run while
// num_write_references > 0.
type WriteReference struct {
	fs       *FsCore
	released bool
}

// TakeWriteReference fails with EROFS unless the filesystem is currently
// MOUNTED.
func (fs *FsCore) TakeWriteReference() (*WriteReference, errors.DriverError) {
	if fs.writeMountState != Mounted {
		return nil, errors.New(errors.EROFS)
	}
	fs.numWriteReferences++
	return &WriteReference{fs: fs}, nil
}

// Release gives up the token. Safe to call more than once.
func (w *WriteReference) Release() {
	if w == nil || w.released {
		return
	}
	w.released = true
	w.fs.numWriteReferences--
}
