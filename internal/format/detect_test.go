package format

import (
	"bytes"
	"testing"

	"github.com/scribelive/server/domain/entities"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want entities.ContainerFormat
	}{
		{
			name: "webm ebml magic",
			data: []byte{0x1a, 0x45, 0xdf, 0xa3, 0x01, 0x02, 0x03, 0x04},
			want: entities.FormatWebM,
		},
		{
			name: "ogg page",
			data: []byte("OggS\x00\x02rest-of-page"),
			want: entities.FormatOgg,
		},
		{
			name: "riff wave",
			data: append([]byte("RIFF\x24\x08\x00\x00WAVE"), []byte("fmt ")...),
			want: entities.FormatWAV,
		},
		{
			name: "standard mp4 ftyp",
			data: []byte("\x00\x00\x00\x20ftypisom\x00\x00\x02\x00isomiso2avc1mp41"),
			want: entities.FormatMP4,
		},
		{
			name: "fragmented mp4 styp and moof",
			data: []byte("\x00\x00\x00\x18stypmsdh\x00\x00\x00\x00msdhmsix\x00\x00\x00\x10moof"),
			want: entities.FormatFragmentedMP4,
		},
		{
			name: "fragment run box without moov",
			data: []byte("\x00\x00\x00\x10trun\x00\x00\x00\x00data"),
			want: entities.FormatFragmentedMP4,
		},
		{
			name: "too short",
			data: []byte{0x1a, 0x45},
			want: entities.FormatUnknown,
		},
		{
			name: "garbage",
			data: bytes.Repeat([]byte{0xab}, 64),
			want: entities.FormatUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.data); got != tt.want {
				t.Errorf("Detect() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetectRiffWithoutWave(t *testing.T) {
	// RIFF container that is not WAVE (e.g. AVI) must not sniff as WAV.
	data := append([]byte("RIFF\x24\x08\x00\x00AVI "), []byte("hdrl")...)
	if got := Detect(data); got == entities.FormatWAV {
		t.Errorf("RIFF/AVI detected as WAV")
	}
}

func TestHasCompleteHeader(t *testing.T) {
	complete := buildWebMChunk(t, 128, 64)
	if !HasCompleteHeader(complete) {
		t.Error("chunk with EBML header and cluster should be complete")
	}

	headerless := complete[bytes.Index(complete, clusterMagic):]
	if HasCompleteHeader(headerless) {
		t.Error("cluster-only continuation chunk should not be complete")
	}

	wav := append([]byte("RIFF\x24\x08\x00\x00WAVE"), bytes.Repeat([]byte{0}, 32)...)
	if !HasCompleteHeader(wav) {
		t.Error("WAV chunk should count as complete")
	}
}

// buildWebMChunk fabricates a minimal chunk shaped like a WebM stream:
// EBML magic, headerFill bytes of header, a cluster marker, then payload.
func buildWebMChunk(t testing.TB, headerFill, payloadSize int) []byte {
	t.Helper()
	data := append([]byte(nil), ebmlMagic...)
	data = append(data, bytes.Repeat([]byte{0x42}, headerFill)...)
	data = append(data, clusterMagic...)
	data = append(data, bytes.Repeat([]byte{0x99}, payloadSize)...)
	return data
}
