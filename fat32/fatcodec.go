package fat32

import (
	"encoding/binary"

	"github.com/noxer/bytewriter"

	"github.com/skyformat99/aprinter/blockcache"
)

// readFatEntry reads the masked (reserved bits stripped) FAT entry at
// byteOffset within a block already pinned by ref: FatEntryCodec's read side.
func readFatEntry(ref *blockcache.Ref, byteOffset uint) ClusterID {
	raw := binary.LittleEndian.Uint32(ref.Bytes()[byteOffset : byteOffset+4])
	return ClusterID(raw & fatEntryValueMask)
}

// writeFatEntry writes value into the FAT entry at byteOffset within a
// pinned block, preserving the 4 reserved high bits already on disk (§3
// invariant 4, §4.3), and marks the block dirty. value is masked to its low
// 28 bits; callers pass the value they want on disk, such as
// EndOfChainMarker.
func writeFatEntry(ref *blockcache.Ref, byteOffset uint, value ClusterID) {
	buf := ref.Bytes()[byteOffset : byteOffset+4]
	reserved := binary.LittleEndian.Uint32(buf) &^ fatEntryValueMask
	raw := reserved | (uint32(value) & fatEntryValueMask)

	w := bytewriter.New(buf)
	binary.Write(w, binary.LittleEndian, raw)
	ref.MarkDirty()
}

// cleanBitOffset is the byte offset of FAT entry #1 within the first FAT
// block -- entry #1 always lives at byte offset 4 of the first FAT block,
// since entry #0 occupies the first 4 bytes.
const cleanBitOffset = 4

// readCleanBit reports bit 27 of FAT entry #1, given a ref pinned to the
// first FAT block.
func readCleanBit(ref *blockcache.Ref) bool {
	raw := binary.LittleEndian.Uint32(ref.Bytes()[cleanBitOffset : cleanBitOffset+4])
	return raw&cleanBitMask != 0
}

// setCleanBit sets or clears bit 27 of FAT entry #1 without disturbing any
// other bit, including the other 3 reserved bits.
func setCleanBit(ref *blockcache.Ref, set bool) {
	buf := ref.Bytes()[cleanBitOffset : cleanBitOffset+4]
	raw := binary.LittleEndian.Uint32(buf)
	if set {
		raw |= cleanBitMask
	} else {
		raw &^= cleanBitMask
	}
	w := bytewriter.New(buf)
	binary.Write(w, binary.LittleEndian, raw)
	ref.MarkDirty()
}
