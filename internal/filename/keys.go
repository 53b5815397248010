package filename

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultKeyPrefix is the top-level storage prefix for recordings
const DefaultKeyPrefix = "calls"

// ErrFormat is returned when a filename carries no embedded recording date.
// Retrying will not help unless the file is renamed externally.
var ErrFormat = errors.New("filename has no embedded recording date")

var keyDatePattern = regexp.MustCompile(`^.*?_(\d{4})-(\d{2})-(\d{2})-\d{2}-\d{2}-\d{2}_.*\.(?i:wav)$`)

// DeriveKey returns the date-partitioned storage key <prefix>/YYYY/MM/DD/<name>
func DeriveKey(prefix, name string) (string, error) {
	m := keyDatePattern.FindStringSubmatch(name)
	if m == nil {
		return "", fmt.Errorf("%w: %s", ErrFormat, name)
	}

	datePath := fmt.Sprintf("%s/%s/%s/%s", m[1], m[2], m[3], name)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return datePath, nil
	}
	return prefix + "/" + datePath, nil
}
