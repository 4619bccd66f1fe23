package index

// DefaultChunkSize applies when a caller passes a non-positive size.
const DefaultChunkSize = 500

// Chunk splits tokens into ordered slices of size, the last possibly short.
// Each slice is a copy.
func Chunk(tokens []string, size int) [][]string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if len(tokens) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(tokens)+size-1)/size)
	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		part := make([]string, end-start)
		copy(part, tokens[start:end])
		out = append(out, part)
	}
	return out
}
