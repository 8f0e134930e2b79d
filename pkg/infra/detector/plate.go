package detector

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

var platePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[A-Z]{2}[0-9]{2}[A-Z]{2}[0-9]{4}$`), // DL01AB1234
	regexp.MustCompile(`^[A-Z]{2}[0-9]{2}[A-Z][0-9]{4}$`),    // DL01A1234
	regexp.MustCompile(`^[A-Z]{2}[0-9]{2}[0-9]{4}$`),         // DL011234
}

var nonPlateChars = regexp.MustCompile(`[^A-Z0-9]`)

// NormalizePlate upper-cases text and strips everything but letters and digits.
func NormalizePlate(text string) string {
	return nonPlateChars.ReplaceAllString(strings.ToUpper(text), "")
}

// ValidatePlate reports whether text is a registration number in one of the
// recognised layouts. Valid plates are returned in their dashed form;
// anything else is returned normalized.
func ValidatePlate(text string) (bool, string) {
	raw := NormalizePlate(text)
	for _, p := range platePatterns {
		if p.MatchString(raw) {
			return true, FormatPlate(raw)
		}
	}
	return false, raw
}

// FormatPlate inserts dashes by length: AA-00-AA-0000, AA-00-A-0000 or
// AA-00-0000. Shorter input is returned unchanged.
func FormatPlate(raw string) string {
	switch {
	case len(raw) >= 10:
		return raw[:2] + "-" + raw[2:4] + "-" + raw[4:6] + "-" + raw[6:]
	case len(raw) >= 9:
		return raw[:2] + "-" + raw[2:4] + "-" + raw[4:5] + "-" + raw[5:]
	case len(raw) >= 8:
		return raw[:2] + "-" + raw[2:4] + "-" + raw[4:]
	default:
		return raw
	}
}

var plateStates = []string{"TN", "KA", "AP", "MH", "DL", "UP", "GJ", "WB"}

// RandomPlate builds a plausible dashed registration number.
func RandomPlate(rnd *rand.Rand) string {
	state := plateStates[rnd.Intn(len(plateStates))]
	district := 1 + rnd.Intn(99)
	letters := string([]byte{byte('A' + rnd.Intn(26)), byte('A' + rnd.Intn(26))})
	number := 1000 + rnd.Intn(9000)
	return fmt.Sprintf("%s-%02d-%s-%04d", state, district, letters, number)
}
