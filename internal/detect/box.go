package detect

import (
	"fmt"
	"sort"
)

// Box is a detection in inclusive pixel coordinates: the box covers columns
// X1..X2 and rows Y1..Y2.
type Box struct {
	X1, Y1, X2, Y2 int
	Score          float32
}

// Width returns the inclusive width.
func (b Box) Width() int { return b.X2 - b.X1 + 1 }

// Height returns the inclusive height.
func (b Box) Height() int { return b.Y2 - b.Y1 + 1 }

// Area returns the inclusive area.
func (b Box) Area() int { return b.Width() * b.Height() }

// Valid reports x1<=x2 and y1<=y2.
func (b Box) Valid() bool { return b.X1 <= b.X2 && b.Y1 <= b.Y2 }

func (b Box) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)@%.3f", b.X1, b.Y1, b.X2, b.Y2, b.Score)
}

// Set is the bounded, ordered list of boxes found in one frame.
type Set []Box

// IoU returns the intersection over union of a and b using the +1
// pixel-inclusive area convention. The result is symmetric and in [0,1].
func IoU(a, b Box) float64 {
	ix1 := max(a.X1, b.X1)
	iy1 := max(a.Y1, b.Y1)
	ix2 := min(a.X2, b.X2)
	iy2 := min(a.Y2, b.Y2)

	inter := max(0, ix2-ix1+1) * max(0, iy2-iy1+1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// NMS suppresses overlapping boxes.
//
// Boxes are ordered by descending score; ties keep their input order. The
// best remaining box is kept and every remaining box overlapping it with
// IoU > iouThreshold is discarded, until no box remains or maxBoxes are kept.
// The input slice is not modified.
func NMS(boxes []Box, iouThreshold float64, maxBoxes int) Set {
	if len(boxes) == 0 || maxBoxes <= 0 {
		return Set{}
	}

	remaining := make([]Box, len(boxes))
	copy(remaining, boxes)
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].Score > remaining[j].Score
	})

	kept := make(Set, 0, min(maxBoxes, len(remaining)))
	for len(remaining) > 0 && len(kept) < maxBoxes {
		best := remaining[0]
		kept = append(kept, best)

		next := remaining[:0]
		for _, b := range remaining[1:] {
			if IoU(best, b) <= iouThreshold {
				next = append(next, b)
			}
		}
		remaining = next
	}
	return kept
}
