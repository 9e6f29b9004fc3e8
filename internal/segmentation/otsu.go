package segmentation

// otsu returns the threshold t that maximises the between-class variance of
// the split {v <= t} / {v > t} over an 8-bit histogram.
func otsu(values []uint8) uint8 {
	var hist [256]float64
	for _, v := range values {
		hist[v]++
	}
	total := float64(len(values))
	if total == 0 {
		return 0
	}

	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i) * c
	}

	var (
		best    uint8
		bestVar float64
		weight0 float64
		sum0    float64
	)
	for t := 0; t < 255; t++ {
		weight0 += hist[t]
		sum0 += float64(t) * hist[t]
		weight1 := total - weight0
		if weight0 == 0 || weight1 == 0 {
			continue
		}
		mu0 := sum0 / weight0
		mu1 := (sumAll - sum0) / weight1
		between := weight0 * weight1 * (mu0 - mu1) * (mu0 - mu1)
		if between > bestVar {
			bestVar = between
			best = uint8(t)
		}
	}
	return best
}
