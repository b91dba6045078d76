// Package testingutil builds small, fully in-memory FAT32 images for unit
// tests: just enough EBPB, FSInfo, FAT, and directory-entry machinery to
// exercise package fat32 without a real disk image on hand.
package testingutil

import (
	"encoding/binary"
	"strings"

	"github.com/skyformat99/aprinter/blockdev"
	"github.com/skyformat99/aprinter/errors"
)

// ImageBuilder assembles a raw FAT32 volume byte-by-byte.
type ImageBuilder struct {
	BlockSize         uint
	SectorsPerCluster uint
	ReservedSectors   uint
	NumFats           uint
	SectorsPerFat     uint
	TotalSectors      uint
	RootCluster       uint32
	FsInfoSector      uint16

	data []byte
}

// NewImageBuilder allocates a zeroed image of totalSectors sectors (one
// sector == one block here) and writes a valid EBPB and FSInfo sector with
// rootCluster as the root directory's first cluster.
func NewImageBuilder(totalSectors, blockSize, sectorsPerCluster, sectorsPerFat, numFats uint, rootCluster uint32) *ImageBuilder {
	b := &ImageBuilder{
		BlockSize:         blockSize,
		SectorsPerCluster: sectorsPerCluster,
		ReservedSectors:   2, // block 0 (EBPB) + block 1 (FSInfo)
		NumFats:           numFats,
		SectorsPerFat:     sectorsPerFat,
		TotalSectors:      totalSectors,
		RootCluster:       rootCluster,
		FsInfoSector:      1,
		data:              make([]byte, totalSectors*blockSize),
	}
	b.writeEBPB()
	b.WriteFSInfo(0xFFFFFFFF, 2)
	b.SetCleanBit(true)
	return b
}

func (b *ImageBuilder) writeEBPB() {
	block := b.data[0:b.BlockSize]
	binary.LittleEndian.PutUint16(block[0x0B:], uint16(b.BlockSize))
	block[0x0D] = byte(b.SectorsPerCluster)
	binary.LittleEndian.PutUint16(block[0x0E:], uint16(b.ReservedSectors))
	block[0x10] = byte(b.NumFats)
	binary.LittleEndian.PutUint16(block[0x11:], 0) // max_root == 0: FAT32
	binary.LittleEndian.PutUint32(block[0x24:], uint32(b.SectorsPerFat))
	binary.LittleEndian.PutUint32(block[0x2C:], b.RootCluster)
	binary.LittleEndian.PutUint16(block[0x30:], b.FsInfoSector)
	block[0x42] = 0x29
}

// WriteFSInfo fills in the FSInfo sector's three signatures plus the given
// hint fields.
func (b *ImageBuilder) WriteFSInfo(freeClusters, lastAllocated uint32) {
	off := uint64(b.FsInfoSector) * uint64(b.BlockSize)
	block := b.data[off : off+uint64(b.BlockSize)]
	binary.LittleEndian.PutUint32(block[0x000:], 0x41615252)
	binary.LittleEndian.PutUint32(block[0x1E4:], 0x61417272)
	binary.LittleEndian.PutUint32(block[0x1E8:], freeClusters)
	binary.LittleEndian.PutUint32(block[0x1EC:], lastAllocated)
	binary.LittleEndian.PutUint32(block[0x1FC:], 0xAA550000)
}

func (b *ImageBuilder) fatBlockOffset(fatCopy uint, blockInFat uint64) uint64 {
	blocksPerFat := uint64(b.SectorsPerFat)
	base := uint64(b.ReservedSectors) + uint64(fatCopy)*blocksPerFat
	return (base + blockInFat) * uint64(b.BlockSize)
}

// SetFatEntry writes value into cluster's FAT entry, mirrored identically
// across every FAT copy, the way blockcache.Ref.MarkDirty does for a real
// mount.
func (b *ImageBuilder) SetFatEntry(cluster uint32, value uint32) {
	byteIndex := uint64(cluster) * 4
	blockInFat := byteIndex / uint64(b.BlockSize)
	byteOffset := byteIndex % uint64(b.BlockSize)
	for fatCopy := uint(0); fatCopy < b.NumFats; fatCopy++ {
		off := b.fatBlockOffset(fatCopy, blockInFat) + byteOffset
		binary.LittleEndian.PutUint32(b.data[off:off+4], value)
	}
}

// FatEntry reads back cluster's FAT entry from the first FAT copy.
func (b *ImageBuilder) FatEntry(cluster uint32) uint32 {
	byteIndex := uint64(cluster) * 4
	blockInFat := byteIndex / uint64(b.BlockSize)
	byteOffset := byteIndex % uint64(b.BlockSize)
	off := b.fatBlockOffset(0, blockInFat) + byteOffset
	return binary.LittleEndian.Uint32(b.data[off : off+4])
}

// SetCleanBit sets or clears bit 27 of FAT entry #1 in every FAT copy.
func (b *ImageBuilder) SetCleanBit(set bool) {
	entry := b.FatEntry(1)
	if set {
		entry |= 1 << 27
	} else {
		entry &^= 1 << 27
	}
	b.SetFatEntry(1, entry)
}

func (b *ImageBuilder) fatEndBlocks() uint64 {
	return uint64(b.ReservedSectors) + uint64(b.NumFats)*uint64(b.SectorsPerFat)
}

// ClusterOffset returns the byte offset of cluster's first block.
func (b *ImageBuilder) ClusterOffset(cluster uint32) uint64 {
	block := b.fatEndBlocks() + uint64(cluster-2)*uint64(b.SectorsPerCluster)
	return block * uint64(b.BlockSize)
}

// WriteClusterData copies data into the start of cluster's storage.
func (b *ImageBuilder) WriteClusterData(cluster uint32, data []byte) {
	off := b.ClusterOffset(cluster)
	copy(b.data[off:], data)
}

// ShortName8_3 packs name (already uppercase, "NAME.EXT" form) into the
// 11-byte padded field a short directory entry expects.
func ShortName8_3(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	if name == "." || name == ".." {
		copy(out[0:8], name)
		return out
	}
	base, ext, _ := strings.Cut(name, ".")
	copy(out[0:8], base)
	copy(out[8:11], ext)
	return out
}

// WriteDirEntry writes one 32-byte short directory entry at slot index
// within dirCluster's data.
func (b *ImageBuilder) WriteDirEntry(dirCluster uint32, slot int, name string, attrs byte, firstCluster uint32, size uint32) {
	off := b.ClusterOffset(dirCluster) + uint64(slot)*32
	entry := b.data[off : off+32]
	nameBytes := ShortName8_3(name)
	copy(entry[0:11], nameBytes[:])
	entry[0x0B] = attrs
	binary.LittleEndian.PutUint16(entry[0x14:], uint16(firstCluster>>16))
	binary.LittleEndian.PutUint16(entry[0x1A:], uint16(firstCluster&0xFFFF))
	binary.LittleEndian.PutUint32(entry[0x1C:], size)
}

// WriteLFNEntry writes one 32-byte VFAT LFN fragment at slot index within
// dirCluster's data. seq is the 1-based sequence number; isLast marks the
// physically-first fragment of a run (the standard's "last" bit).
func (b *ImageBuilder) WriteLFNEntry(dirCluster uint32, slot int, seq byte, isLast bool, checksum byte, chars string) {
	off := b.ClusterOffset(dirCluster) + uint64(slot)*32
	entry := b.data[off : off+32]
	for i := range entry {
		entry[i] = 0xFF
	}

	seqByte := seq
	if isLast {
		seqByte |= 0x40
	}
	entry[0] = seqByte
	entry[0x0B] = 0x0F
	entry[0x0C] = 0
	entry[0x0D] = checksum
	binary.LittleEndian.PutUint16(entry[0x1A:], 0)

	units := []uint16(nil)
	for _, r := range chars {
		units = append(units, uint16(r))
	}
	units = append(units, 0) // NUL terminator

	spans := [][2]int{{1, 11}, {14, 26}, {28, 32}}
	idx := 0
	for _, span := range spans {
		for o := span[0]; o < span[1]; o += 2 {
			if idx < len(units) {
				binary.LittleEndian.PutUint16(entry[o:o+2], units[idx])
			}
			idx++
		}
	}
}

// Bytes returns the assembled image.
func (b *ImageBuilder) Bytes() []byte { return b.data }

// MemoryDevice wraps the assembled image as a blockdev.Device.
func (b *ImageBuilder) MemoryDevice(writable bool) (*blockdev.MemoryDevice, errors.DriverError) {
	return blockdev.NewMemoryDevice(b.data, b.BlockSize, writable)
}
