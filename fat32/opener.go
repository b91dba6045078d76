package fat32

import (
	"strings"

	"github.com/skyformat99/aprinter/errors"
)

// OpenStatus is Opener's tri-state result, §6.
type OpenStatus int

const (
	OpenSuccess OpenStatus = iota
	OpenNotFound
	OpenError
)

// OpenByName walks dirCluster looking for an entry named name of type
// wantType, optionally case-insensitively -- the Opener facade of §2/§6.
func OpenByName(fs *FsCore, dirCluster ClusterID, name string, wantType EntryType, caseInsensitive bool, cb func(OpenStatus, FsEntry, errors.DriverError)) {
	it := NewDirectoryIterator(fs, dirCluster)

	var step func()
	step = func() {
		it.Next(func(entryName string, entry FsEntry, err errors.DriverError) {
			if err != nil {
				it.Deinit()
				cb(OpenError, FsEntry{}, err)
				return
			}
			if entryName == "" {
				it.Deinit()
				cb(OpenNotFound, FsEntry{}, nil)
				return
			}

			matches := entryName == name
			if caseInsensitive {
				matches = strings.EqualFold(entryName, name)
			}
			if matches && entry.Type == wantType {
				it.Deinit()
				cb(OpenSuccess, entry, nil)
				return
			}
			step()
		})
	}
	step()
}

// DirLister forwards a DirectoryIterator's emissions one at a time -- the
// DirLister facade of §2/§6.
type DirLister struct {
	it *DirectoryIterator
}

// NewDirLister builds a lister over dirCluster's contents.
func NewDirLister(fs *FsCore, dirCluster ClusterID) *DirLister {
	return &DirLister{it: NewDirectoryIterator(fs, dirCluster)}
}

// RequestEntry fetches the next (name, FsEntry) pair, or name == "" at the
// end of the directory.
func (l *DirLister) RequestEntry(cb func(string, FsEntry, errors.DriverError)) {
	l.it.Next(cb)
}

// Deinit tears the lister down.
func (l *DirLister) Deinit() {
	l.it.Deinit()
}
