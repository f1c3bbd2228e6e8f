package memory

// Chunk splits text into overlapping windows of at most size runes, each
// window starting overlap runes before the end of the previous one.
// Boundaries are rune-based so multi-byte content never splits mid
// character. A non-positive size or an overlap that does not leave the
// window moving forward disables the respective parameter.
func Chunk(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	step := size - overlap
	chunks := make([]string, 0, (len(runes)+step-1)/step)
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
