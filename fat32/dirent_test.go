package fat32

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortNameChecksum_Known(t *testing.T) {
	// "HI      TXT" with trailing spaces, the canonical 11-byte form of
	// hi.txt.
	name := []byte("HI      TXT")
	assert.Equal(t, byte(0x2B), shortNameChecksum(name))
}

func TestCanonicalShortName_TrimsAndLowercases(t *testing.T) {
	slot := make([]byte, 32)
	copy(slot[0:11], []byte("HI      TXT"))
	slot[direntOffNTReserved] = 0x08 | 0x10 // lowercase both name and ext

	name, isDot := canonicalShortName(slot)
	assert.Equal(t, "hi.txt", name)
	assert.False(t, isDot)
}

func TestCanonicalShortName_DotEntry(t *testing.T) {
	slot := make([]byte, 32)
	copy(slot[0:11], []byte(".          "))
	_, isDot := canonicalShortName(slot)
	assert.True(t, isDot)
}

func TestLFNRun_ReconstructsName(t *testing.T) {
	var run lfnRun

	// "Réadme.md" fits in a single 13-char fragment.
	slot := make([]byte, 32)
	for i := range slot {
		slot[i] = 0xFF
	}
	slot[0] = 1 | 0x40
	slot[direntOffAttrs] = attrLongName
	slot[12] = 0
	checksum := byte(0x42)
	slot[direntOffChecksumOrTenths] = checksum

	chars := []uint16{'R', 'é', 'a', 'd', 'm', 'e', '.', 'm', 'd', 0}
	spans := [][2]int{{1, 11}, {14, 26}, {28, 32}}
	idx := 0
	for _, span := range spans {
		for o := span[0]; o < span[1]; o += 2 {
			if idx < len(chars) {
				slot[o] = byte(chars[idx])
				slot[o+1] = byte(chars[idx] >> 8)
			}
			idx++
		}
	}

	run.addFragment(slot, true)
	assert.True(t, run.complete())
	assert.Equal(t, checksum, run.checksum)
	assert.Equal(t, "Réadme.md", run.name)
}

func TestLFNRun_DropsOnChecksumMismatch(t *testing.T) {
	var run lfnRun
	run.active = true
	run.expectedSeq = 2
	run.checksum = 0x11

	slot := make([]byte, 32)
	// Matching sequence number, so only the checksum differs.
	slot[0] = 2
	slot[direntOffChecksumOrTenths] = 0x22 // mismatched checksum
	run.addFragment(slot, false)

	assert.False(t, run.active)
}
