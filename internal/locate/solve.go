package locate

import "math"

// solve returns the weighted, damped least-squares step m minimizing
// sum w_i (r_i - G_i m)^2 + damping*|m|^2 via the normal equations.
func solve(g [][]float64, r, w []float64, n int, damping float64) ([]float64, bool) {
	a := make([][]float64, n)
	for i := range a {
		a[i] = make([]float64, n+1)
	}
	for k, row := range g {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				a[i][j] += w[k] * row[i] * row[j]
			}
			a[i][n] += w[k] * row[i] * r[k]
		}
	}
	for i := 0; i < n; i++ {
		a[i][i] += damping * (1 + a[i][i])
	}

	// Gaussian elimination with partial pivoting
	for col := 0; col < n; col++ {
		piv := col
		for i := col + 1; i < n; i++ {
			if math.Abs(a[i][col]) > math.Abs(a[piv][col]) {
				piv = i
			}
		}
		if math.Abs(a[piv][col]) < 1e-15 {
			return nil, false
		}
		a[col], a[piv] = a[piv], a[col]
		for i := col + 1; i < n; i++ {
			f := a[i][col] / a[col][col]
			for j := col; j <= n; j++ {
				a[i][j] -= f * a[col][j]
			}
		}
	}
	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		s := a[i][n]
		for j := i + 1; j < n; j++ {
			s -= a[i][j] * x[j]
		}
		x[i] = s / a[i][i]
	}
	return x, true
}
