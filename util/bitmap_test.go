package util

import (
	"testing"

	"github.com/go-test/deep"
)

func TestBitmapSetClear(t *testing.T) {
	b := make([]byte, 2)
	bm := BitmapWithBytes(b)
	if err := bm.Set(0); err != nil {
		t.Fatal(err)
	}
	if err := bm.Set(9); err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(b, []byte{0x01, 0x02}); diff != nil {
		t.Errorf("after set: %v", diff)
	}
	if set, _ := bm.IsSet(9); !set {
		t.Errorf("bit 9 not set")
	}
	if err := bm.Clear(0); err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(b, []byte{0x00, 0x02}); diff != nil {
		t.Errorf("after clear: %v", diff)
	}
	if err := bm.Set(16); err == nil {
		t.Errorf("expected error setting bit past end")
	}
}

func TestBitmapRanges(t *testing.T) {
	b := make([]byte, 3)
	bm := BitmapWithBytes(b)
	if err := bm.SetRange(4, 10); err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(b, []byte{0xf0, 0x3f, 0x00}); diff != nil {
		t.Errorf("after SetRange: %v", diff)
	}
	if err := bm.ClearRange(6, 2); err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(b, []byte{0x30, 0x3f, 0x00}); diff != nil {
		t.Errorf("after ClearRange: %v", diff)
	}
	if err := bm.SetRange(20, 5); err == nil {
		t.Errorf("expected error for range past end")
	}
}

func TestBitmapFirstFree(t *testing.T) {
	tests := []struct {
		name       string
		bits       []byte
		start, end int
		expected   int
	}{
		{"empty", []byte{0x00, 0x00}, 0, 16, 0},
		{"first byte full", []byte{0xff, 0x00}, 0, 16, 8},
		{"mid byte", []byte{0xff, 0x07}, 0, 16, 11},
		{"unaligned start", []byte{0x0f, 0xff, 0xfe}, 2, 24, 4},
		{"skip to end", []byte{0xff, 0xff, 0x7f}, 3, 24, 23},
		{"end excludes", []byte{0xff, 0xff, 0x7f}, 0, 23, -1},
		{"full", []byte{0xff, 0xff}, 0, 16, -1},
		{"end capped", []byte{0xff}, 0, 100, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bm := BitmapWithBytes(tt.bits)
			if got := bm.FirstFree(tt.start, tt.end); got != tt.expected {
				t.Errorf("FirstFree(%d, %d) = %d, expected %d", tt.start, tt.end, got, tt.expected)
			}
		})
	}
}

func TestBitmapCountClear(t *testing.T) {
	bm := BitmapWithBytes([]byte{0xff, 0x0f, 0x01})
	if got := bm.CountClear(24); got != 11 {
		t.Errorf("CountClear(24) = %d, expected 11", got)
	}
	if got := bm.CountClear(12); got != 0 {
		t.Errorf("CountClear(12) = %d, expected 0", got)
	}
	if got := bm.CountClear(14); got != 2 {
		t.Errorf("CountClear(14) = %d, expected 2", got)
	}
}
