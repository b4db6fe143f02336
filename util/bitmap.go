package util

import (
	"fmt"
	"math/bits"
)

// Bitmap is a view over a byte slice where bit i lives in byte i/8 at position i%8,
// the on-disk layout of ext4 block and inode bitmaps. Modifications write through to
// the underlying slice.
type Bitmap struct {
	bits []byte
}

// BitmapWithBytes returns a Bitmap backed by b, without copying.
func BitmapWithBytes(b []byte) *Bitmap {
	return &Bitmap{bits: b}
}

// Len is the number of addressable bits.
func (bm *Bitmap) Len() int {
	return len(bm.bits) * 8
}

func (bm *Bitmap) check(location int) error {
	if location < 0 || location >= bm.Len() {
		return fmt.Errorf("location %d is outside of bitmap of %d bits", location, bm.Len())
	}
	return nil
}

// IsSet check if a specific bit location is set
func (bm *Bitmap) IsSet(location int) (bool, error) {
	if err := bm.check(location); err != nil {
		return false, err
	}
	return bm.bits[location/8]&(1<<(location%8)) != 0, nil
}

// Set a specific bit location
func (bm *Bitmap) Set(location int) error {
	if err := bm.check(location); err != nil {
		return err
	}
	bm.bits[location/8] |= 1 << (location % 8)
	return nil
}

// Clear a specific bit location
func (bm *Bitmap) Clear(location int) error {
	if err := bm.check(location); err != nil {
		return err
	}
	bm.bits[location/8] &^= 1 << (location % 8)
	return nil
}

// SetRange sets count bits starting at first.
func (bm *Bitmap) SetRange(first, count int) error {
	if count == 0 {
		return nil
	}
	if err := bm.check(first); err != nil {
		return err
	}
	if err := bm.check(first + count - 1); err != nil {
		return err
	}
	for i := first; i < first+count; i++ {
		bm.bits[i/8] |= 1 << (i % 8)
	}
	return nil
}

// ClearRange clears count bits starting at first.
func (bm *Bitmap) ClearRange(first, count int) error {
	if count == 0 {
		return nil
	}
	if err := bm.check(first); err != nil {
		return err
	}
	if err := bm.check(first + count - 1); err != nil {
		return err
	}
	for i := first; i < first+count; i++ {
		bm.bits[i/8] &^= 1 << (i % 8)
	}
	return nil
}

// FirstFree returns the first clear bit in [start, end), or -1 if there is none.
// end is capped at Len.
func (bm *Bitmap) FirstFree(start, end int) int {
	if end > bm.Len() {
		end = bm.Len()
	}
	if start < 0 {
		start = 0
	}
	i := start
	// walk bit by bit up to a byte boundary, then skip full bytes
	for i < end && i%8 != 0 {
		if bm.bits[i/8]&(1<<(i%8)) == 0 {
			return i
		}
		i++
	}
	for i+8 <= end {
		if b := bm.bits[i/8]; b != 0xff {
			return i + bits.TrailingZeros8(^b)
		}
		i += 8
	}
	for ; i < end; i++ {
		if bm.bits[i/8]&(1<<(i%8)) == 0 {
			return i
		}
	}
	return -1
}

// CountClear returns the number of clear bits in [0, end).
func (bm *Bitmap) CountClear(end int) int {
	if end > bm.Len() {
		end = bm.Len()
	}
	var set int
	full := end / 8
	for _, b := range bm.bits[:full] {
		set += bits.OnesCount8(b)
	}
	for i := full * 8; i < end; i++ {
		if bm.bits[i/8]&(1<<(i%8)) != 0 {
			set++
		}
	}
	return end - set
}
