package focus

import (
	"fmt"
	"math"

	"focusstack/internal/imaging"
)

// WinnerMap records, per pixel, which frame supplied the output colour.
type WinnerMap struct {
	Width  int
	Height int
	Index  []uint16
}

// At returns the winning frame index at (x, y).
func (w *WinnerMap) At(x, y int) int { return int(w.Index[y*w.Width+x]) }

// Counts returns how many pixels each of n frames won.
func (w *WinnerMap) Counts(n int) []int {
	counts := make([]int, n)
	for _, idx := range w.Index {
		if int(idx) < n {
			counts[idx]++
		}
	}
	return counts
}

// Composite picks, for every pixel, the colour of the frame whose sharpness
// magnitude is largest there. Ties go to the lowest frame index.
func Composite(frames []*imaging.Image, maps []*imaging.Map) (*imaging.Image, *WinnerMap, error) {
	if len(frames) == 0 {
		return nil, nil, ErrEmptyStack
	}
	if len(maps) != len(frames) {
		return nil, nil, fmt.Errorf("%d frames but %d sharpness maps: %w", len(frames), len(maps), ErrDimensionMismatch)
	}
	if len(frames) > math.MaxUint16+1 {
		return nil, nil, fmt.Errorf("stack of %d frames exceeds %d", len(frames), math.MaxUint16+1)
	}
	w, h := frames[0].Width, frames[0].Height
	for i := range frames {
		if frames[i].Width != w || frames[i].Height != h {
			return nil, nil, fmt.Errorf("frame %d is %s, want %dx%d: %w", i, frames[i].Size(), w, h, ErrDimensionMismatch)
		}
		if maps[i].Width != w || maps[i].Height != h {
			return nil, nil, fmt.Errorf("sharpness map %d is %dx%d, want %dx%d: %w", i, maps[i].Width, maps[i].Height, w, h, ErrDimensionMismatch)
		}
	}

	out := imaging.NewImage(w, h)
	winners := &WinnerMap{Width: w, Height: h, Index: make([]uint16, w*h)}
	for p := 0; p < w*h; p++ {
		best, bestVal := 0, math.Abs(maps[0].Data[p])
		for k := 1; k < len(maps); k++ {
			if v := math.Abs(maps[k].Data[p]); v > bestVal {
				best, bestVal = k, v
			}
		}
		winners.Index[p] = uint16(best)
		copy(out.Pix[p*3:p*3+3], frames[best].Pix[p*3:p*3+3])
	}
	return out, winners, nil
}
