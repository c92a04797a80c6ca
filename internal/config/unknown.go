package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxSuggestDistance is the largest edit distance offered as "did you mean".
const maxSuggestDistance = 3

// knownKeys lists every valid key per section; "" is the top level.
var knownKeys = map[string][]string{
	"":                   {"log_level", "log_format", "server", "storage", "vault", "retry", "conflict", "notify", "vendors"},
	"server":             {"listen", "jwt_secret", "jwt_issuer", "max_upload_size", "spool_dir", "origin_patterns", "requests_per_second", "burst", "shutdown_timeout"},
	"storage":            {"driver", "dsn"},
	"vault":              {"expire_margin", "encryption_key", "retired_keys"},
	"retry":              {"max_rate_limited_attempts", "max_transient_attempts", "default_backoff", "max_backoff", "requests_per_second"},
	"conflict":           {"new_session_workflow", "fork_label", "max_name_attempts", "dedup_ttl"},
	"notify":             {"publish_timeout"},
	"vendors":            {"onedrive", "sharepoint", "dropbox"},
	"vendors.onedrive":   {"client_id", "client_secret", "tenant", "base_url"},
	"vendors.sharepoint": {"client_id", "client_secret", "tenant", "base_url"},
	"vendors.dropbox":    {"client_id", "client_secret", "private_folder"},
}

// checkUnknownKeys reports every undecoded key at its outermost unknown
// name, with a suggestion from the same section when one is close enough.
func checkUnknownKeys(undecoded []toml.Key) error {
	var errs []error

	reported := make(map[string]bool)

	for _, key := range undecoded {
		full, section, name, ok := firstUnknown(key)
		if !ok || reported[full] {
			continue
		}

		reported[full] = true

		if s := closestMatch(name, knownKeys[section]); s != "" {
			errs = append(errs, fmt.Errorf("unknown config key %q: did you mean %q?", full, s))
		} else {
			errs = append(errs, fmt.Errorf("unknown config key %q", full))
		}
	}

	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })

	return errors.Join(errs...)
}

// firstUnknown walks key from the top and returns the first component that
// its section does not define.
func firstUnknown(key toml.Key) (string, string, string, bool) {
	for i, name := range key {
		section := strings.Join(key[:i], ".")

		known, isSection := knownKeys[section]
		if !isSection {
			return "", "", "", false
		}

		if !slices.Contains(known, name) {
			return strings.Join(key[:i+1], "."), section, name, true
		}
	}

	return "", "", "", false
}

func closestMatch(unknown string, known []string) string {
	best, bestDist := "", maxSuggestDistance+1

	for _, k := range known {
		if d := editDistance(unknown, k); d < bestDist {
			best, bestDist = k, d
		}
	}

	return best
}

// editDistance is the Levenshtein distance over bytes.
func editDistance(a, b string) int {
	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}

	for i := 1; i <= len(a); i++ {
		diag := row[0]
		row[0] = i

		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			next := min(row[j]+1, row[j-1]+1, diag+cost)
			diag, row[j] = row[j], next
		}
	}

	return row[len(b)]
}
