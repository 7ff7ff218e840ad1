package models_test

import (
	"testing"

	"github.com/lengolf/possync_backend/models"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in     string
		want   string
		wantOk bool
	}{
		// Internationally and locally formatted numbers for the same
		// subscriber must collapse to the same key.
		{in: "+66-81-234-5678", want: "812345678", wantOk: true},
		{in: "081-234-5678", want: "812345678", wantOk: true},
		{in: "0812345678", want: "812345678", wantOk: true},
		{in: "66812345678", want: "812345678", wantOk: true},
		{in: "(081) 234 5678", want: "812345678", wantOk: true},

		{in: "", wantOk: false},
		{in: "call me", wantOk: false},
		{in: "12345", wantOk: false},
	}

	for _, tc := range cases {
		key, ok := models.NormalizePhone(tc.in)
		if ok != tc.wantOk {
			t.Errorf("NormalizePhone(%q) ok = %v, want %v", tc.in, ok, tc.wantOk)
			continue
		}
		if ok && key != tc.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tc.in, key, tc.want)
		}
	}
}
