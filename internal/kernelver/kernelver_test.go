package kernelver

import "testing"

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"5.15", "5.15", 0},
		{"5.15", "5.16", -1},
		{"5.16", "5.15", 1},
		{"5.5", "5.19", -1},
		{"6.8.0-generic", "6.8.0", 0},
		{"5.11", "5.1", 1},
		{"5.1", "5.11", -1},
		{"6.8.0-generic", "6.7", 1},
	}
	for _, c := range cases {
		if got := Compare(c.a, c.b); got != c.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestAtLeast(t *testing.T) {
	if !AtLeast("0.0") {
		t.Error("AtLeast(\"0.0\") should always be true on a real kernel")
	}
	if AtLeast("999.0") {
		t.Error("AtLeast(\"999.0\") should never be true")
	}
}

func TestFlagsMemoized(t *testing.T) {
	a1, b1, c1, d1 := Flags()
	a2, b2, c2, d2 := Flags()
	if a1 != a2 || b1 != b2 || c1 != c2 || d1 != d2 {
		t.Error("Flags() should return the same memoized values across calls")
	}
}
