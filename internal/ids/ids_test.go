package ids

import "testing"

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("expected %s > %s", next, prev)
		}
		prev = next
	}
}

func TestIsEntity(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{NewEntity(), true},
		{"00000000-0000-0000-0000-000000000001", true},
		{"not-a-uuid", false},
		{"", false},
		{"{00000000-0000-0000-0000-000000000001}", false},
		{"urn:uuid:00000000-0000-0000-0000-000000000001", false},
	}
	for _, tc := range cases {
		if got := IsEntity(tc.in); got != tc.want {
			t.Fatalf("IsEntity(%q)=%v, want %v", tc.in, got, tc.want)
		}
	}
}
