package config

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	kilobyte = 1000
	megabyte = 1000 * kilobyte
	gigabyte = 1000 * megabyte

	kibibyte = 1024
	mebibyte = 1024 * kibibyte
	gibibyte = 1024 * mebibyte
)

// sizeSuffixes is ordered so longer suffixes match first.
var sizeSuffixes = []struct {
	suffix     string
	multiplier int64
}{
	{"GIB", gibibyte},
	{"MIB", mebibyte},
	{"KIB", kibibyte},
	{"GB", gigabyte},
	{"MB", megabyte},
	{"KB", kilobyte},
	{"B", 1},
}

// ParseSize converts "100MiB", "1.5GB" or a bare byte count to bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	num, mult := s, int64(1)

	upper := strings.ToUpper(s)
	for _, sf := range sizeSuffixes {
		if strings.HasSuffix(upper, sf.suffix) {
			num, mult = strings.TrimSpace(s[:len(s)-len(sf.suffix)]), sf.multiplier
			break
		}
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	if f < 0 {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	return int64(f * float64(mult)), nil
}

// FormatSize renders n with the largest exact IEC suffix.
func FormatSize(n int64) string {
	switch {
	case n != 0 && n%gibibyte == 0:
		return fmt.Sprintf("%dGiB", n/gibibyte)
	case n != 0 && n%mebibyte == 0:
		return fmt.Sprintf("%dMiB", n/mebibyte)
	case n != 0 && n%kibibyte == 0:
		return fmt.Sprintf("%dKiB", n/kibibyte)
	default:
		return strconv.FormatInt(n, 10)
	}
}
