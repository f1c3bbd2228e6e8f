package policy

import "testing"

func TestExtractJSONArray(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"bare array",
			`[{"kind":"leaf"}]`,
			`[{"kind":"leaf"}]`,
		},
		{
			"fenced with language tag",
			"Here you go:\n```json\n[{\"kind\":\"leaf\"}]\n```\nDone.",
			`[{"kind":"leaf"}]`,
		},
		{
			"fenced without language tag",
			"```\n[1, 2, 3]\n```",
			`[1, 2, 3]`,
		},
		{
			"prose prefix",
			`I propose the following children: [{"kind":"merge","problem":"combine"}] as discussed.`,
			`[{"kind":"merge","problem":"combine"}]`,
		},
		{
			"nested arrays",
			`[[1,2],[3,[4]]] trailing`,
			`[[1,2],[3,[4]]]`,
		},
		{
			"brackets inside strings",
			`[{"problem":"lists [like this] are fine"}]`,
			`[{"problem":"lists [like this] are fine"}]`,
		},
		{
			"escaped quotes inside strings",
			`[{"problem":"she said \"hello [world]\""}]`,
			`[{"problem":"she said \"hello [world]\""}]`,
		},
		{
			"empty array",
			`[]`,
			`[]`,
		},
		{
			"no array at all",
			`I cannot decompose this problem.`,
			"",
		},
		{
			"unbalanced",
			`[{"kind":"leaf"`,
			"",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractJSONArray(tc.in); got != tc.want {
				t.Fatalf("extractJSONArray(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
