package prompt

// ReorderLongContext rearranges items (given most-relevant first) so
// the strongest hits sit at the head and tail of the context and weaker
// ones in the middle, countering attention decay mid-context. Inputs of
// two or fewer are returned unchanged.
func ReorderLongContext[T any](items []T) []T {
	if len(items) <= 2 {
		return items
	}

	out := make([]T, len(items))
	front, back := 0, len(items)-1
	for i, item := range items {
		if i%2 == 0 {
			out[front] = item
			front++
		} else {
			out[back] = item
			back--
		}
	}
	return out
}
