package tracker

import "math"

// forbidden marks a track/detection pair that may never be assigned.
var forbidden = math.Inf(1)

// hungarianAssign solves the rectangular assignment problem for an n×m cost
// matrix with the Kuhn-Munkres algorithm (potentials form). Allowed costs
// must lie in [0, 1); pairs set to forbidden are never selected. The result
// matches as many pairs as possible and, among those, has the lowest total
// cost. It returns assign[i] = column for row i, or -1 when row i stays
// unassigned.
func hungarianAssign(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	result := make([]int, n)
	for i := range result {
		result[i] = -1
	}
	if m == 0 {
		return result
	}

	// Any real matching costs less than min(n,m), so one more real pair always
	// beats a padded or forbidden cell. A small sentinel keeps the potentials
	// in the same range as the costs and the float arithmetic exact enough.
	big := float64(min(n, m) + 1)

	dim := max(n, m)
	c := make([][]float64, dim)
	for i := range c {
		c[i] = make([]float64, dim)
		for j := range c[i] {
			c[i][j] = big
			if i < n && j < m && allowed(cost[i][j]) {
				c[i][j] = cost[i][j]
			}
		}
	}

	const inf = math.MaxFloat64 / 2
	// 1-indexed; column 0 is virtual.
	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	p := make([]int, dim+1)
	way := make([]int, dim+1)
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0
		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1
			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				break
			}
			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	for j := 1; j <= dim; j++ {
		row := p[j] - 1
		col := j - 1
		if row < 0 || row >= n || col >= m {
			continue
		}
		if allowed(cost[row][col]) {
			result[row] = col
		}
	}
	return result
}

func allowed(c float64) bool {
	return c >= 0 && c < 1
}
