package ml

// polyIDs lists the monomials of a polynomial basis of the given degree
// over n inputs. Each id holds degree indices; 0 stands for the constant 1
// and i for input i-1. The all-constant monomial is dropped, so degree 1
// yields the inputs themselves.
func polyIDs(n, degree int) [][]int {
	var out [][]int
	cur := make([]int, degree)
	var rec func(pos, start int)
	rec = func(pos, start int) {
		if pos == degree {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := start; i <= n; i++ {
			cur[pos] = i
			rec(pos+1, i)
		}
	}
	rec(0, 0)
	// combinations with replacement in lexicographic order start with the
	// constant term
	return out[1:]
}

// expand applies the basis described by ids to x.
func expand(ids [][]int, x []float64) []float64 {
	out := make([]float64, len(ids))
	for i, id := range ids {
		p := 1.0
		for _, j := range id {
			if j > 0 {
				p *= x[j-1]
			}
		}
		out[i] = p
	}
	return out
}
