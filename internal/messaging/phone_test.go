package messaging

import "testing"

func TestNormalizeE164(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"+14045550101", "+14045550101"},
		{"+1 (404) 555-0101", "+14045550101"},
		{"(404) 555-0101", "+14045550101"},
		{"404-555-0101", "+14045550101"},
		{"14045550101", "+14045550101"},
		{" +14045550101 ", "+14045550101"},
		{"+447911123456", "+447911123456"},
		{"", ""},
		{"no digits", ""},
	}
	for _, tc := range cases {
		if got := NormalizeE164(tc.in); got != tc.want {
			t.Fatalf("NormalizeE164(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}
