package sniffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectHead(t *testing.T) {
	cases := []struct {
		name     string
		head     []byte
		want     MediaType
		rateable bool
	}{
		{"jpeg", []byte{0xff, 0xd8, 0xff, 0xe0}, TypeJPEG, true},
		{"png", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, TypePNG, true},
		{"gif", []byte("GIF89a...."), TypeGIF, true},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), TypeWEBP, true},
		{"tiff", []byte{'I', 'I', 0x2a, 0x00, 0x08}, TypeTIFF, false},
		{"heic", []byte("\x00\x00\x00\x18ftypheic\x00\x00\x00\x00"), TypeHEIC, false},
		{"avif", []byte("\x00\x00\x00\x1cftypavif\x00\x00\x00\x00"), TypeAVIF, false},
		{"svg", []byte("  <svg xmlns='x'></svg>"), TypeSVG, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DetectHead(tc.head)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Type)
			assert.Equal(t, tc.rateable, got.Rateable())
		})
	}
}

func TestDetectHeadUnknown(t *testing.T) {
	_, err := DetectHead(nil)
	assert.ErrorIs(t, err, ErrUnknownType)
	_, err = DetectHead([]byte("plain text"))
	assert.ErrorIs(t, err, ErrUnknownType)
}
