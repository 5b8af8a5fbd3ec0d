package app

import "testing"

func TestNormalizeMSISDN(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "national with leading zero", raw: "0712345678", want: "+254712345678"},
		{name: "e164", raw: "+254712345678", want: "+254712345678"},
		{name: "country code without plus", raw: "254712345678", want: "+254712345678"},
		{name: "surrounding whitespace", raw: "  0712345678 ", want: "+254712345678"},
		{name: "empty", raw: "", want: ""},
		{name: "whitespace only", raw: "   ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeMSISDN(tt.raw, "KE")
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSameMSISDN(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want bool
	}{
		{name: "leading zero vs e164", a: "0712345678", b: "+254712345678", want: true},
		{name: "country code without plus vs e164", a: "254712345678", b: "+254712345678", want: true},
		{name: "identical", a: "+254712345678", b: "+254712345678", want: true},
		{name: "different subscribers", a: "0712345678", b: "0722000111", want: false},
		{name: "empty side never matches", a: "", b: "+254712345678", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SameMSISDN(tt.a, tt.b, "KE")
			if got != tt.want {
				t.Fatalf("expected %t, got %t", tt.want, got)
			}
		})
	}
}
