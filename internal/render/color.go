package render

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Color is an opaque sRGB color.
type Color struct {
	R, G, B uint8
}

// Hex returns the color as #rrggbb.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

var palette = []Color{
	{0x4e, 0x79, 0xa7},
	{0xf2, 0x8e, 0x2b},
	{0xe1, 0x57, 0x59},
	{0x76, 0xb7, 0xb2},
	{0x59, 0xa1, 0x4f},
	{0xed, 0xc9, 0x48},
	{0xb0, 0x7a, 0xa1},
	{0xff, 0x9d, 0xa7},
	{0x9c, 0x75, 0x5f},
	{0xba, 0xb0, 0xac},
	{0x86, 0xbc, 0xb6},
	{0xd3, 0x72, 0x95},
	{0xa0, 0xcb, 0xe8},
	{0xff, 0xbe, 0x7d},
	{0x8c, 0xd1, 0x7d},
	{0xd4, 0xa6, 0xc8},
}

var (
	// MergedSpanColor fills spans produced by LOD merging (scope hash 0).
	MergedSpanColor = Color{0x88, 0x88, 0x88}
	BackgroundColor = Color{0xff, 0xff, 0xff}
	TextColor       = Color{0x11, 0x11, 0x11}
	GridColor       = Color{0xdd, 0xdd, 0xdd}
	SelectionColor  = Color{0x1f, 0x6f, 0xeb}
)

// ColorForScope is a pure function of the scope hash.
func ColorForScope(hash uint32) Color {
	if hash == 0 {
		return MergedSpanColor
	}
	return palette[hash%uint32(len(palette))]
}

// ColorForTrack colors rows that carry no scope, e.g. metric lanes.
func ColorForTrack(i int) Color {
	if i < 0 {
		i = -i
	}
	return palette[i%len(palette)]
}

// ColorForName hashes a name into the palette, so a metric keeps its
// color regardless of the order series were listed in.
func ColorForName(name string) Color {
	return palette[xxhash.Sum64String(name)%uint64(len(palette))]
}
