package models_test

import (
	"testing"
	"time"

	"github.com/lengolf/possync_backend/models"
)

func TestCutoverResolve(t *testing.T) {
	cutover := models.CutoverConfig{
		CutoverDate: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	}

	cases := []struct {
		name string
		date time.Time
		want string
	}{
		{"well before boundary", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), models.SourceLegacy},
		{"boundary day itself", time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), models.SourceLegacy},
		{"day after boundary", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), models.SourceLive},
		{"well after boundary", time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC), models.SourceLive},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cutover.Resolve(tc.date); got != tc.want {
				t.Errorf("Resolve(%s) = %s, want %s", tc.date.Format("2006-01-02"), got, tc.want)
			}
		})
	}
}
