// Package format detects audio container formats from magic bytes and
// repairs header-less chunks by splicing a cached per-session header
// template onto their payload.
package format

import (
	"bytes"

	"github.com/scribelive/server/domain/entities"
)

var (
	// EBML header magic, start of every WebM/Matroska file.
	ebmlMagic = []byte{0x1a, 0x45, 0xdf, 0xa3}

	// Matroska Cluster element ID. Media data starts here; everything
	// before the first cluster is header.
	clusterMagic = []byte{0x1f, 0x43, 0xb6, 0x75}

	oggMagic  = []byte("OggS")
	riffMagic = []byte("RIFF")
	waveMagic = []byte("WAVE")

	// ISO-BMFF box names that only appear in fragmented streams.
	fragmentBoxes = [][]byte{
		[]byte("moof"),
		[]byte("styp"),
		[]byte("trun"),
		[]byte("tfhd"),
	}
)

// mp4ScanWindow bounds how far into a chunk box markers are searched.
// Headers of interest sit near the front; scanning whole multi-megabyte
// chunks buys nothing.
const mp4ScanWindow = 512

// Detect sniffs the container format of raw chunk bytes.
func Detect(data []byte) entities.ContainerFormat {
	if len(data) < 4 {
		return entities.FormatUnknown
	}

	if bytes.HasPrefix(data, ebmlMagic) {
		return entities.FormatWebM
	}

	if bytes.HasPrefix(data, oggMagic) {
		return entities.FormatOgg
	}

	if bytes.HasPrefix(data, riffMagic) && len(data) >= 12 && bytes.Equal(data[8:12], waveMagic) {
		return entities.FormatWAV
	}

	window := data
	if len(window) > mp4ScanWindow {
		window = window[:mp4ScanWindow]
	}

	for _, box := range fragmentBoxes {
		if bytes.Contains(window, box) {
			return entities.FormatFragmentedMP4
		}
	}

	if bytes.Contains(window, []byte("ftyp")) || bytes.Contains(window, []byte("moov")) {
		return entities.FormatMP4
	}

	return entities.FormatUnknown
}

// HasCompleteHeader reports whether the chunk opens with its own container
// header rather than being a continuation slice.
func HasCompleteHeader(data []byte) bool {
	switch Detect(data) {
	case entities.FormatWebM:
		// A structurally complete WebM header carries the EBML prefix and
		// reaches a Cluster element.
		return bytes.Contains(data, clusterMagic)
	case entities.FormatUnknown:
		return false
	default:
		return true
	}
}
