package grouping

import "math"

// Cluster runs agglomerative clustering with Ward linkage over vectors and
// returns a cluster label per vector. Clusters stop merging once the
// cheapest merge reaches threshold.
func Cluster(vectors [][]float32, threshold float64) []int {
	n := len(vectors)
	labels := make([]int, n)
	if n == 0 {
		return labels
	}

	// dist[i][j] is the Ward linkage distance between live clusters i and j.
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := 0; j < i; j++ {
			d := euclidean(vectors[i], vectors[j])
			dist[i][j], dist[j][i] = d, d
		}
	}
	size := make([]int, n)
	members := make([][]int, n)
	alive := make([]bool, n)
	for i := range size {
		size[i] = 1
		members[i] = []int{i}
		alive[i] = true
	}

	for {
		a, b, best := -1, -1, math.Inf(1)
		for i := 0; i < n; i++ {
			if !alive[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if alive[j] && dist[i][j] < best {
					a, b, best = i, j, dist[i][j]
				}
			}
		}
		if a < 0 || best >= threshold {
			break
		}

		// Lance-Williams update for Ward linkage, merging b into a.
		for k := 0; k < n; k++ {
			if !alive[k] || k == a || k == b {
				continue
			}
			nk, na, nb := float64(size[k]), float64(size[a]), float64(size[b])
			d2 := ((nk+na)*dist[k][a]*dist[k][a] + (nk+nb)*dist[k][b]*dist[k][b] - nk*best*best) / (nk + na + nb)
			d := math.Sqrt(math.Max(d2, 0))
			dist[k][a], dist[a][k] = d, d
		}
		size[a] += size[b]
		members[a] = append(members[a], members[b]...)
		alive[b] = false
	}

	label := 0
	for i := 0; i < n; i++ {
		if !alive[i] {
			continue
		}
		for _, m := range members[i] {
			labels[m] = label
		}
		label++
	}
	return labels
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		if i >= len(b) {
			break
		}
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
