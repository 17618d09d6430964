// Package normalize implements project-name normalization shared by the
// index, aggregator and file-cache packages.
package normalize

import (
	"regexp"
	"strings"
)

var runRe = regexp.MustCompile(`[-_.]+`)

// Name returns the canonical cache key for a project name: lowercased,
// with runs of '-', '_' and '.' collapsed to a single '-'.
func Name(name string) string {
	return runRe.ReplaceAllString(strings.ToLower(name), "-")
}
