package memory

import (
	"strings"
	"testing"
)

func TestChunk(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []string
	}{
		{
			name: "empty text",
			text: "", size: 10, overlap: 2,
			want: nil,
		},
		{
			name: "shorter than window",
			text: "short", size: 10, overlap: 2,
			want: []string{"short"},
		},
		{
			name: "exact window",
			text: "abcdefghij", size: 10, overlap: 2,
			want: []string{"abcdefghij"},
		},
		{
			name: "overlapping windows",
			text: "abcdefghij", size: 4, overlap: 2,
			want: []string{"abcd", "cdef", "efgh", "ghij"},
		},
		{
			name: "tail shorter than window",
			text: "abcdefghi", size: 4, overlap: 1,
			want: []string{"abcd", "defg", "ghi"},
		},
		{
			name: "no overlap",
			text: "abcdef", size: 2, overlap: 0,
			want: []string{"ab", "cd", "ef"},
		},
		{
			name: "invalid overlap disabled",
			text: "abcdef", size: 2, overlap: 5,
			want: []string{"ab", "cd", "ef"},
		},
		{
			name: "non-positive size keeps text whole",
			text: "abcdef", size: 0, overlap: 0,
			want: []string{"abcdef"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Chunk(tc.text, tc.size, tc.overlap)
			if len(got) != len(tc.want) {
				t.Fatalf("Chunk() = %q, want %q", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestChunk_RuneBoundaries(t *testing.T) {
	// Multi-byte runes; windows must never split a rune.
	text := "héllo wörld über ærlig"
	chunks := Chunk(text, 5, 1)
	var rebuilt []rune
	for i, c := range chunks {
		if !strings.Contains(text, c) {
			t.Fatalf("chunk %d %q is not a substring of the input", i, c)
		}
		rebuilt = append(rebuilt, []rune(c)...)
	}
	if len(rebuilt) < len([]rune(text)) {
		t.Fatalf("chunks lost content: %d runes rebuilt from %d", len(rebuilt), len([]rune(text)))
	}
}

func TestChunk_CoversWholeText(t *testing.T) {
	text := strings.Repeat("evidence ", 200) // 1800 chars
	chunks := Chunk(text, 800, 100)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if !strings.HasPrefix(text, chunks[0]) {
		t.Error("first chunk is not the text prefix")
	}
	if !strings.HasSuffix(text, chunks[len(chunks)-1]) {
		t.Error("last chunk is not the text suffix")
	}
	// Consecutive chunks share the overlap region.
	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1])
		tail := string(prev[len(prev)-100:])
		if !strings.HasPrefix(chunks[i], tail) {
			t.Errorf("chunk %d does not overlap its predecessor", i)
		}
	}
}
