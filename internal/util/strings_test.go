package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{
			name:   "string shorter than maxLen",
			input:  "short",
			maxLen: 10,
			want:   "short",
		},
		{
			name:   "string equal to maxLen",
			input:  "exactly10c",
			maxLen: 10,
			want:   "exactly10c",
		},
		{
			name:   "string longer than maxLen",
			input:  "this-is-a-very-long-token-string",
			maxLen: 8,
			want:   "this-is-",
		},
		{
			name:   "empty string",
			input:  "",
			maxLen: 5,
			want:   "",
		},
		{
			name:   "maxLen is zero",
			input:  "test",
			maxLen: 0,
			want:   "",
		},
		{
			name:   "maxLen is negative (edge case)",
			input:  "test",
			maxLen: -1,
			want:   "",
		},
		{
			name:   "unicode characters",
			input:  "hello世界test",
			maxLen: 8,
			want:   "hello世",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SafeTruncate(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestParseScopes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty", input: "", want: nil},
		{name: "whitespace only", input: "   ", want: nil},
		{name: "single", input: "openid", want: []string{"openid"}},
		{name: "extra spaces", input: " openid   profile ", want: []string{"openid", "profile"}},
		{name: "duplicates dropped", input: "openid profile openid", want: []string{"openid", "profile"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseScopes(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseScopes(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ParseScopes(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDifference(t *testing.T) {
	got := Difference([]string{"a", "b", "c"}, []string{"b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("Difference() = %v, want [a c]", got)
	}

	if got := Difference(nil, []string{"a"}); len(got) != 0 {
		t.Errorf("Difference(nil) = %v, want empty", got)
	}
}

func TestIsSubset(t *testing.T) {
	tests := []struct {
		name     string
		subset   []string
		superset []string
		want     bool
	}{
		{name: "empty subset", subset: nil, superset: []string{"a"}, want: true},
		{name: "equal sets", subset: []string{"a", "b"}, superset: []string{"b", "a"}, want: true},
		{name: "strict subset", subset: []string{"a"}, superset: []string{"a", "b"}, want: true},
		{name: "exceeds superset", subset: []string{"a", "c"}, superset: []string{"a", "b"}, want: false},
		{name: "empty superset", subset: []string{"a"}, superset: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSubset(tt.subset, tt.superset); got != tt.want {
				t.Errorf("IsSubset(%v, %v) = %v, want %v", tt.subset, tt.superset, got, tt.want)
			}
		})
	}
}

func TestJoinScopes(t *testing.T) {
	if got := JoinScopes([]string{"openid", "profile"}); got != "openid profile" {
		t.Errorf("JoinScopes() = %q, want %q", got, "openid profile")
	}
}
