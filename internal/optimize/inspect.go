package optimize

import (
	"fmt"
	"slices"
	"strings"

	"github.com/arkilian/catalogopt/internal/btree"
)

// Distribution maps a bucket size to the number of buckets of that size.
type Distribution map[int]int

// Inspect walks the chain starting at first and tallies bucket sizes. With
// trackHandles it also returns every visited bucket, in chain order.
func Inspect(first btree.Bucket, trackHandles bool) (Distribution, []btree.Bucket) {
	dist := make(Distribution)
	var handles []btree.Bucket
	for b := first; b != nil; b = b.Next() {
		dist[b.Len()]++
		if trackHandles {
			handles = append(handles, b)
		}
	}
	return dist, handles
}

// Buckets is the total number of buckets.
func (d Distribution) Buckets() int {
	n := 0
	for _, count := range d {
		n += count
	}
	return n
}

// Entries is the total number of entries across all buckets.
func (d Distribution) Entries() int {
	n := 0
	for size, count := range d {
		n += size * count
	}
	return n
}

// Sizes returns the distinct bucket sizes in ascending order.
func (d Distribution) Sizes() []int {
	sizes := make([]int, 0, len(d))
	for size := range d {
		sizes = append(sizes, size)
	}
	slices.Sort(sizes)
	return sizes
}

// AverageFill is the mean bucket size divided by capacity.
func (d Distribution) AverageFill(capacity int) float64 {
	buckets := d.Buckets()
	if buckets == 0 || capacity <= 0 {
		return 0
	}
	return float64(d.Entries()) / float64(buckets) / float64(capacity)
}

// MedianFill is the size found at position Buckets()/2 of the ascending
// multiset of bucket sizes, divided by capacity.
func (d Distribution) MedianFill(capacity int) float64 {
	buckets := d.Buckets()
	if buckets == 0 || capacity <= 0 {
		return 0
	}
	mid := buckets / 2
	for _, size := range d.Sizes() {
		if mid < d[size] {
			return float64(size) / float64(capacity)
		}
		mid -= d[size]
	}
	return 0
}

// Split separates sizes shared by several buckets from sizes that occur
// once.
func (d Distribution) Split() (many Distribution, single []int) {
	many = make(Distribution)
	for _, size := range d.Sizes() {
		if d[size] > 1 {
			many[size] = d[size]
		} else {
			single = append(single, size)
		}
	}
	return many, single
}

// String renders the distribution as {size: count, ...} by ascending size.
func (d Distribution) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, size := range d.Sizes() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d: %d", size, d[size])
	}
	sb.WriteByte('}')
	return sb.String()
}
