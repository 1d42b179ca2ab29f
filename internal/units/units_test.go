package units

import (
	"math"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Unit
		wantErr bool
	}{
		{"", MPS, false},
		{"mps", MPS, false},
		{"KMPH", KMPH, false},
		{"kph", KMPH, false},
		{" mph ", MPH, false},
		{"knots", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromMPS(t *testing.T) {
	tests := []struct {
		unit Unit
		want float64
	}{
		{MPS, 1.5},
		{KMPH, 5.4},
		{MPH, 3.35541},
	}
	for _, tt := range tests {
		if got := tt.unit.FromMPS(1.5); math.Abs(got-tt.want) > 1e-4 {
			t.Errorf("%s.FromMPS(1.5) = %f, want %f", tt.unit, got, tt.want)
		}
	}
}

func TestLabel(t *testing.T) {
	if MPS.Label() != "m/s" || KMPH.Label() != "km/h" || MPH.Label() != "mph" {
		t.Errorf("unexpected labels %q %q %q", MPS.Label(), KMPH.Label(), MPH.Label())
	}
}
