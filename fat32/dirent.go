package fat32

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/encoding/charmap"

	"github.com/noxer/bytewriter"

	"github.com/skyformat99/aprinter/blockcache"
)

// DirEntrySize is the size in bytes of one 32-byte directory-entry slot,
// short or VFAT LFN alike.
const DirEntrySize = 32

// MaxFileNameSize is the FAT standard's ceiling on a VFAT long name's length,
// in UTF-16 code units; 20 LFN fragments of 13 code units each can carry it.
// lfnRun does not cap the names it reconstructs at this length.
const MaxFileNameSize = 255

// Directory entry byte offsets, §6.
const (
	direntOffAttrs            = 0x0B
	direntOffNTReserved       = 0x0C
	direntOffChecksumOrTenths = 0x0D
	direntOffFirstClusterHi   = 0x14
	direntOffFirstClusterLo   = 0x1A
	direntOffSize             = 0x1C

	attrReadOnly    = 0x01
	attrHidden      = 0x02
	attrSystem      = 0x04
	attrVolumeLabel = 0x08
	attrDirectory   = 0x10
	attrArchived    = 0x20
	attrDevice      = 0x40

	// attrLongName is the combination AttrReadOnly|AttrHidden|AttrSystem|
	// AttrVolumeLabel, which is never a meaningful combination for a real
	// short entry and is used to flag a VFAT LFN fragment instead.
	attrLongName = 0x0F

	// attrSkipButKeepLFN matches a volume label or device entry: skipped by
	// the iterator, but -- per the open question in the driver this was
	// modeled on -- without discarding whatever LFN run precedes it.
	attrSkipButKeepLFN = attrVolumeLabel | attrDevice
)

var oemDecoder = charmap.CodePage437.NewDecoder()

func decodeOEMBytes(b []byte) string {
	out, err := oemDecoder.Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// shortNameChecksum computes the VFAT checksum of an 11-byte 8.3 name field,
// used to validate that a reconstructed LFN run actually belongs to the
// short entry that follows it.
func shortNameChecksum(name11 []byte) byte {
	var sum byte
	for _, b := range name11 {
		sum = ((sum & 1) << 7) + (sum >> 1) + b
	}
	return sum
}

// lfnRun accumulates a VFAT long-filename run as it is encountered, one
// 32-byte fragment at a time, in the order the driver walks the directory
// (descending sequence number, i.e. tail of the name first).
type lfnRun struct {
	active      bool
	expectedSeq int
	checksum    byte
	name        string
}

func (r *lfnRun) reset() { *r = lfnRun{} }

// complete reports whether every fragment of the run has been seen.
func (r *lfnRun) complete() bool { return r.active && r.expectedSeq == 0 }

// addFragment folds one LFN slot into the run. isStart marks the physically
// first fragment of a run (sequence bit 6 set), which always restarts the
// accumulator regardless of what came before it.
func (r *lfnRun) addFragment(data []byte, isStart bool) {
	seq := int(data[0] & 0x1F)
	checksum := data[direntOffChecksumOrTenths]

	if isStart {
		r.active = true
		r.expectedSeq = seq
		r.checksum = checksum
		r.name = ""
	} else if !r.active || seq != r.expectedSeq || checksum != r.checksum {
		r.reset()
		return
	}

	r.name = decodeLFNFragment(data) + r.name
	r.expectedSeq--
}

// decodeLFNFragment extracts the up-to-13 UTF-16LE characters from one LFN
// slot, stopping at the first embedded NUL.
func decodeLFNFragment(data []byte) string {
	units := make([]uint16, 0, 13)
	for _, span := range [][2]int{{1, 11}, {14, 26}, {28, 32}} {
		for off := span[0]; off < span[1]; off += 2 {
			units = append(units, binary.LittleEndian.Uint16(data[off:off+2]))
		}
	}
	for i, u := range units {
		if u == 0 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

// decodedShortEntry is everything decodeShortEntry can tell its caller about
// one short directory entry slot.
type decodedShortEntry struct {
	Name  string
	Entry FsEntry
}

// decodeShortEntry parses a non-LFN, non-free, non-skip 32-byte slot,
// preferring a completed and checksum-matching LFN run's name over the
// canonical 8.3 name -- §4.7, §8 property 8.
func decodeShortEntry(data []byte, run *lfnRun, rootCluster ClusterID) decodedShortEntry {
	checksum := shortNameChecksum(data[0:11])
	canonical, isDot := canonicalShortName(data)

	name := canonical
	if run.complete() && run.checksum == checksum && !isDot {
		name = run.name
	}
	run.reset()

	attrs := data[direntOffAttrs]
	entryType := EntryFile
	if attrs&attrDirectory != 0 {
		entryType = EntryDirectory
	}

	hi := binary.LittleEndian.Uint16(data[direntOffFirstClusterHi : direntOffFirstClusterHi+2])
	lo := binary.LittleEndian.Uint16(data[direntOffFirstClusterLo : direntOffFirstClusterLo+2])
	cluster := ClusterID((uint32(hi)<<16 | uint32(lo)) & fatEntryValueMask)
	size := binary.LittleEndian.Uint32(data[direntOffSize : direntOffSize+4])

	if isDot && cluster == 0 {
		cluster = rootCluster
	}

	return decodedShortEntry{
		Name: name,
		Entry: FsEntry{
			Type:     entryType,
			FileSize: size,
			Cluster:  cluster,
		},
	}
}

// canonicalShortName builds the "NAME.EXT" form of an 8.3 entry, applying
// the 0x05/0xE5 substitution, trailing-space trimming, lowercase flags, and
// OEM codepage decoding. It also reports whether the entry is "." or "..".
func canonicalShortName(data []byte) (name string, isDot bool) {
	nameBytes := make([]byte, 8)
	copy(nameBytes, data[0:8])
	if nameBytes[0] == 0x05 {
		nameBytes[0] = 0xE5
	}
	extBytes := make([]byte, 3)
	copy(extBytes, data[8:11])

	ntFlags := data[direntOffNTReserved]

	base := strings.TrimRight(decodeOEMBytes(nameBytes), " ")
	ext := strings.TrimRight(decodeOEMBytes(extBytes), " ")

	if ntFlags&0x08 != 0 {
		base = strings.ToLower(base)
	}
	if ntFlags&0x10 != 0 {
		ext = strings.ToLower(ext)
	}

	if ext == "" {
		name = base
	} else {
		name = base + "." + ext
	}
	return name, base == "." || base == ".."
}

// DirEntryRef pins a single 32-byte directory-entry slot and exposes the two
// fields File and ClusterChain care about: first cluster and size.
type DirEntryRef struct {
	ref        *blockcache.Ref
	byteOffset uint
}

// NewDirEntryRef wraps an already-pinned block holding the slot at
// byteOffset.
func NewDirEntryRef(ref *blockcache.Ref, byteOffset uint) *DirEntryRef {
	return &DirEntryRef{ref: ref, byteOffset: byteOffset}
}

func (d *DirEntryRef) slot() []byte {
	return d.ref.Bytes()[d.byteOffset : d.byteOffset+DirEntrySize]
}

// FirstCluster returns the entry's first-cluster field. A stored value of 0
// means "empty file", not EndOfChainMarker -- callers translate between the
// two as described in §4.6.
func (d *DirEntryRef) FirstCluster() ClusterID {
	slot := d.slot()
	hi := binary.LittleEndian.Uint16(slot[direntOffFirstClusterHi : direntOffFirstClusterHi+2])
	lo := binary.LittleEndian.Uint16(slot[direntOffFirstClusterLo : direntOffFirstClusterLo+2])
	return ClusterID((uint32(hi)<<16 | uint32(lo)) & fatEntryValueMask)
}

// SetFirstCluster writes a new first-cluster value and marks the block
// dirty.
func (d *DirEntryRef) SetFirstCluster(c ClusterID) {
	slot := d.slot()
	hi := uint16((uint32(c) & fatEntryValueMask) >> 16)
	lo := uint16(uint32(c) & 0xFFFF)
	binary.Write(bytewriter.New(slot[direntOffFirstClusterHi:direntOffFirstClusterHi+2]), binary.LittleEndian, hi)
	binary.Write(bytewriter.New(slot[direntOffFirstClusterLo:direntOffFirstClusterLo+2]), binary.LittleEndian, lo)
	d.ref.MarkDirty()
}

// FileSize returns the entry's size field.
func (d *DirEntryRef) FileSize() uint32 {
	slot := d.slot()
	return binary.LittleEndian.Uint32(slot[direntOffSize : direntOffSize+4])
}

// SetFileSize writes a new size value and marks the block dirty.
func (d *DirEntryRef) SetFileSize(size uint32) {
	slot := d.slot()
	binary.Write(bytewriter.New(slot[direntOffSize:direntOffSize+4]), binary.LittleEndian, size)
	d.ref.MarkDirty()
}

// Release gives up the pin on the underlying block.
func (d *DirEntryRef) Release() {
	d.ref.Release()
}
