// Package partition splits ordered input into contiguous chunks, one per
// worker.
package partition

// Chunk is a contiguous run of items starting at Offset in the input.
type Chunk[T any] struct {
	Index  int
	Offset int
	Items  []T
}

// Split divides data into min(n, len(data)) contiguous chunks whose sizes
// differ by at most one; the first len(data)%n chunks get the extra item.
// Items are shared with data, not copied. n < 1 is treated as 1.
func Split[T any](data []T, n int) []Chunk[T] {
	if n < 1 {
		n = 1
	}
	n = min(n, len(data))
	if n == 0 {
		return nil
	}

	size, rem := len(data)/n, len(data)%n
	chunks := make([]Chunk[T], n)
	offset := 0
	for i := range chunks {
		end := offset + size
		if i < rem {
			end++
		}
		chunks[i] = Chunk[T]{Index: i, Offset: offset, Items: data[offset:end:end]}
		offset = end
	}
	return chunks
}

// Slots returns n empty chunks, one per worker slot.
func Slots[T any](n int) []Chunk[T] {
	if n < 1 {
		n = 1
	}
	chunks := make([]Chunk[T], n)
	for i := range chunks {
		chunks[i] = Chunk[T]{Index: i}
	}
	return chunks
}
