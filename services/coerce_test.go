package services

import "testing"

func TestParseFloat(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"25000000", 25000000},
		{"25 000 000 〒", 25000000},
		{"25 000 000 тг.", 25000000},
		{"45,5 м²", 45.5},
		{"45.5", 45.5},
		{"1,250,000", 1250000},
		{"Площадь: 64 м²", 64},
		{"54,3 м², жилая \u2014 30 м², кухня \u2014 9 м²", 54.3},
		{"54 м², жилая \u2014 30 м², кухня \u2014 9 м²", 54},
		{"1,250", 1250},
		{"1.250.000 тг", 1250000},
		{"1,250,000.5", 1250000.5},
		{"этаж 5, из 9", 5},
	}
	for _, c := range cases {
		got, err := ParseFloat(c.in)
		if err != nil {
			t.Fatalf("ParseFloat(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseFloat(%q) = %v, want %v", c.in, got, c.want)
		}
	}

	for _, bad := range []string{"N/A", "", "договорная"} {
		if _, err := ParseFloat(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseInt_Truncates(t *testing.T) {
	got, err := ParseInt("5.9")
	if err != nil || got != 5 {
		t.Fatalf("ParseInt(5.9) = %d, %v", got, err)
	}
	got, err = ParseInt("12 этаж")
	if err != nil || got != 12 {
		t.Fatalf("ParseInt(12 этаж) = %d, %v", got, err)
	}
}

func TestParseInt_OutOfRange(t *testing.T) {
	for _, in := range []string{"99999999999999999999", "-3000000000"} {
		if got, err := ParseInt(in); err == nil {
			t.Fatalf("ParseInt(%q) = %d, expected range error", in, got)
		}
	}
	got, err := ParseInt("2147483647")
	if err != nil || got != 2147483647 {
		t.Fatalf("ParseInt(max int32) = %d, %v", got, err)
	}
}
