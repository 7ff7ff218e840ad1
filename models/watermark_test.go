package models_test

import (
	"testing"

	"github.com/lengolf/possync_backend/models"
)

func TestComparePositions(t *testing.T) {
	cases := []struct {
		name   string
		source string
		a, b   string
		want   int
	}{
		{"equal strings", models.SourceLegacy, "42", "42", 0},
		{"empty sorts first", models.SourceLegacy, "", "1", -1},
		{"anything beats empty", models.SourceLive, "2025-02-10T09:30:05Z", "", 1},

		// Legacy positions are row ids and must compare numerically,
		// not lexicographically: "9" < "10".
		{"legacy numeric order", models.SourceLegacy, "9", "10", -1},
		{"legacy numeric order reversed", models.SourceLegacy, "100", "99", 1},

		// Live positions are RFC3339 timestamps; string order is time order.
		{"live timestamp order", models.SourceLive, "2025-02-10T09:30:05Z", "2025-02-10T09:31:00Z", -1},
		{"live timestamp equal", models.SourceLive, "2025-02-10T09:30:05Z", "2025-02-10T09:30:05Z", 0},
		{"live timestamp later", models.SourceLive, "2025-03-01T00:00:00Z", "2025-02-28T23:59:59Z", 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := models.ComparePositions(tc.source, tc.a, tc.b); got != tc.want {
				t.Errorf("ComparePositions(%s, %q, %q) = %d, want %d", tc.source, tc.a, tc.b, got, tc.want)
			}
		})
	}
}
