// Package normalizer resolves phone numbers to countries by dial-code
// prefix. The settlement engine only depends on the interface; this is
// the default table-driven implementation.
package normalizer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"courier/pkg/config"
)

var defaultPrefixes = map[string]string{
	"1":  "US",
	"44": "GB",
	"49": "DE",
	"55": "BR",
	"62": "ID",
	"63": "PH",
	"84": "VN",
	"86": "CN",
	"91": "IN",
}

// PrefixNormalizer maps the longest matching dial-code prefix of a
// number to its country.
type PrefixNormalizer struct {
	prefixes map[string]string
	// longest first so "86" wins over a hypothetical "8"
	ordered []string
}

// NewPrefixNormalizer builds a normalizer from the PHONE_PREFIXES env
// JSON ({"dialcode": "ISO"}), falling back to a built-in table.
func NewPrefixNormalizer() *PrefixNormalizer {
	prefixes := defaultPrefixes
	if raw := config.GetEnv("PHONE_PREFIXES", ""); raw != "" {
		parsed := make(map[string]string)
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil && len(parsed) > 0 {
			prefixes = parsed
		}
	}

	ordered := make([]string, 0, len(prefixes))
	for p := range prefixes {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i]) != len(ordered[j]) {
			return len(ordered[i]) > len(ordered[j])
		}
		return ordered[i] < ordered[j]
	})

	return &PrefixNormalizer{prefixes: prefixes, ordered: ordered}
}

// Country resolves a number like +8613800000000 or 8613800000000.
func (n *PrefixNormalizer) Country(phone string) (string, error) {
	digits := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if digits == "" {
		return "", fmt.Errorf("empty phone number")
	}
	for _, prefix := range n.ordered {
		if strings.HasPrefix(digits, prefix) {
			return n.prefixes[prefix], nil
		}
	}
	return "", fmt.Errorf("no country for number %s", phone)
}
