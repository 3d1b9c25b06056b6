package tracking

import "math"

// forbiddenCost marks a pair the assignment must never select. Real costs
// must stay many orders of magnitude below it.
const forbiddenCost = 1e9

// Assign solves the rectangular minimum-cost assignment problem with the
// Kuhn-Munkres algorithm. cost[i][j] is the cost of pairing row i with
// column j; entries at or above forbiddenCost are never paired. It returns
// assignment[i] = j, or -1 when row i stays unpaired.
func Assign(cost [][]float64) []int {
	rows := len(cost)
	if rows == 0 {
		return nil
	}
	cols := len(cost[0])
	assignment := make([]int, rows)
	for i := range assignment {
		assignment[i] = -1
	}
	if cols == 0 {
		return assignment
	}

	n := max(rows, cols)
	at := func(i, j int) float64 {
		if i < rows && j < cols {
			return cost[i][j]
		}
		return forbiddenCost
	}

	// Shortest augmenting path with row/column potentials, 1-indexed with
	// column 0 as the virtual source.
	const inf = math.MaxFloat64 / 2
	rowPot := make([]float64, n+1)
	colPot := make([]float64, n+1)
	owner := make([]int, n+1) // owner[j] = row holding column j
	prev := make([]int, n+1)
	slack := make([]float64, n+1)
	visited := make([]bool, n+1)

	for row := 1; row <= n; row++ {
		owner[0] = row
		cur := 0
		for j := range slack {
			slack[j] = inf
			visited[j] = false
		}
		for owner[cur] != 0 {
			visited[cur] = true
			i := owner[cur]
			delta, next := inf, -1
			for j := 1; j <= n; j++ {
				if visited[j] {
					continue
				}
				if c := at(i-1, j-1) - rowPot[i] - colPot[j]; c < slack[j] {
					slack[j] = c
					prev[j] = cur
				}
				if slack[j] < delta {
					delta, next = slack[j], j
				}
			}
			if next < 0 {
				break
			}
			for j := 0; j <= n; j++ {
				if visited[j] {
					rowPot[owner[j]] += delta
					colPot[j] -= delta
				} else {
					slack[j] -= delta
				}
			}
			cur = next
		}
		for cur != 0 {
			owner[cur] = owner[prev[cur]]
			cur = prev[cur]
		}
	}

	for j := 1; j <= n; j++ {
		i := owner[j] - 1
		if i < 0 || i >= rows || j-1 >= cols {
			continue
		}
		if cost[i][j-1] < forbiddenCost {
			assignment[i] = j - 1
		}
	}
	return assignment
}
