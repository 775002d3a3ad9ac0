package normalizer

import "testing"

func TestCountry_LongestPrefixWins(t *testing.T) {
	n := NewPrefixNormalizer()

	cases := map[string]string{
		"+8613800000000": "CN",
		"14155550100":    "US",
		"+919876543210":  "IN",
	}
	for phone, want := range cases {
		got, err := n.Country(phone)
		if err != nil {
			t.Errorf("Country(%s) errored: %v", phone, err)
			continue
		}
		if got != want {
			t.Errorf("Country(%s) = %s, want %s", phone, got, want)
		}
	}
}

func TestCountry_Unknown(t *testing.T) {
	n := NewPrefixNormalizer()
	if _, err := n.Country("+9999999"); err == nil {
		t.Fatal("expected error for unknown prefix")
	}
	if _, err := n.Country(""); err == nil {
		t.Fatal("expected error for empty number")
	}
}
