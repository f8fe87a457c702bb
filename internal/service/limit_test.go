package service

import "testing"

func TestClampLimit(t *testing.T) {
	cases := []struct {
		name                   string
		limit, defaultL, maxL int
		want                   int
	}{
		{"non-positive yields default", 0, 25, 500, 25},
		{"negative yields default", -3, 25, 500, 25},
		{"within range passes through", 100, 25, 500, 100},
		{"above max clamps to max", 9000, 25, 500, 500},
		{"zero default falls back to DefaultListLimit", 0, 0, 500, DefaultListLimit},
		{"zero max falls back to default", 600, 25, 0, 25},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClampLimit(tc.limit, tc.defaultL, tc.maxL)
			if got != tc.want {
				t.Errorf("ClampLimit(%d, %d, %d) = %d, want %d", tc.limit, tc.defaultL, tc.maxL, got, tc.want)
			}
		})
	}
}
