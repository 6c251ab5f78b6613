package snapshot

import "sort"

// BHSelect runs Benjamini-Hochberg at level alpha over the given p-values
// and returns the indices of the selected entries, in ascending p order.
// Selection takes the largest k with p_(k) <= (k/n)*alpha and keeps the
// first k of the sorted order, so an intermediate index failing the
// inequality does not cut the prefix short.
func BHSelect(pvalues []float64, alpha float64) []int {
	n := len(pvalues)
	if n == 0 {
		return nil
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if pvalues[order[a]] != pvalues[order[b]] {
			return pvalues[order[a]] < pvalues[order[b]]
		}
		return order[a] < order[b]
	})

	kstar := 0
	for i := 1; i <= n; i++ {
		if pvalues[order[i-1]] <= (float64(i)/float64(n))*alpha {
			kstar = i
		}
	}
	return order[:kstar]
}
