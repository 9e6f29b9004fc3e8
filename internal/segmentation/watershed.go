package segmentation

import (
	"container/heap"

	"plexalign/internal/morphology"
)

type floodItem struct {
	value float64
	order int
	idx   int
}

// floodQueue pops the lowest value first; equal values leave in insertion order.
type floodQueue []floodItem

func (q floodQueue) Len() int { return len(q) }
func (q floodQueue) Less(i, j int) bool {
	if q[i].value != q[j].value {
		return q[i].value < q[j].value
	}
	return q[i].order < q[j].order
}
func (q floodQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *floodQueue) Push(x any)   { *q = append(*q, x.(floodItem)) }
func (q *floodQueue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

// watershed floods surface from the non-zero markers with 8-connectivity.
// Only pixels inside mask are labeled; everything else stays 0.
func watershed(surface []float64, markers, mask *morphology.Labels) *morphology.Labels {
	w, h := mask.Width, mask.Height
	out := morphology.NewLabels(w, h)
	q := &floodQueue{}
	order := 0
	for i, m := range markers.Pix {
		if m == 0 || mask.Pix[i] == 0 {
			continue
		}
		out.Pix[i] = m
		heap.Push(q, floodItem{value: surface[i], order: order, idx: i})
		order++
	}

	for q.Len() > 0 {
		it := heap.Pop(q).(floodItem)
		x, y := it.idx%w, it.idx/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if (dx == 0 && dy == 0) || nx < 0 || nx >= w || ny < 0 || ny >= h {
					continue
				}
				n := ny*w + nx
				if mask.Pix[n] == 0 || out.Pix[n] != 0 {
					continue
				}
				out.Pix[n] = out.Pix[it.idx]
				heap.Push(q, floodItem{value: surface[n], order: order, idx: n})
				order++
			}
		}
	}
	return out
}
