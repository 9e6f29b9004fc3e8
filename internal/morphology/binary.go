package morphology

// Binary morphology with the 3x3 cross structuring element. Pixels outside
// the image count as background.

var cross = [4]point{{0, -1}, {-1, 0}, {1, 0}, {0, 1}}

// Erode keeps a foreground pixel only when its four neighbours are foreground.
func Erode(l *Labels) *Labels {
	out := NewLabels(l.Width, l.Height)
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			if l.At(x, y) == 0 {
				continue
			}
			keep := true
			for _, d := range cross {
				nx, ny := x+d.X, y+d.Y
				if nx < 0 || nx >= l.Width || ny < 0 || ny >= l.Height || l.At(nx, ny) == 0 {
					keep = false
					break
				}
			}
			if keep {
				out.Set(x, y, 1)
			}
		}
	}
	return out
}

// Dilate sets every pixel that is foreground or 4-adjacent to foreground.
func Dilate(l *Labels) *Labels {
	out := NewLabels(l.Width, l.Height)
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			if l.At(x, y) == 0 {
				continue
			}
			out.Set(x, y, 1)
			for _, d := range cross {
				nx, ny := x+d.X, y+d.Y
				if nx >= 0 && nx < l.Width && ny >= 0 && ny < l.Height {
					out.Set(nx, ny, 1)
				}
			}
		}
	}
	return out
}

// Open is erosion followed by dilation.
func Open(l *Labels) *Labels { return Dilate(Erode(l)) }
