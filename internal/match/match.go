// Package match searches command output and extracts file names from
// directory listings.
package match

import (
	"fmt"
	"regexp"
	"strings"
)

// Result summarises the matches of one pattern in one output.
type Result struct {
	Pattern string
	Count   int

	// First is the first match. With capture groups it is the group values
	// joined by "| "; a single group yields just that group.
	First string
}

// Found reports whether the pattern matched at least once.
func (r Result) Found() bool {
	return r.Count > 0
}

// Summary renders the result for the transcript and logs.
func (r Result) Summary() string {
	if !r.Found() {
		return fmt.Sprintf("Pattern '%s' not found", r.Pattern)
	}
	return fmt.Sprintf("Pattern '%s' found: %d hits, first: %s", r.Pattern, r.Count, r.First)
}

// Scan finds all non-overlapping matches of re in text.
func Scan(re *regexp.Regexp, text string) Result {
	res := Result{Pattern: re.String()}

	all := re.FindAllStringSubmatch(text, -1)
	res.Count = len(all)
	if len(all) == 0 {
		return res
	}

	first := all[0]
	switch len(first) {
	case 1:
		res.First = first[0]
	case 2:
		res.First = first[1]
	default:
		res.First = strings.Join(first[1:], "| ")
	}
	return res
}

// listingLine matches "<index> <size-or-flags> ... <name>". The second
// column is a byte count (ls -s) or a permission string (Cisco dir).
var listingLine = regexp.MustCompile(`^\s*\d+\s+(\d+|[-dlrwxstST]{4,})\s+(?:.*\s)?(\S+)\s*$`)

// ExtractFilenames returns the file names listed in a directory listing, in
// listing order. Malformed lines and directories are skipped. A non-nil
// selector keeps only names it matches anywhere.
func ExtractFilenames(listing string, selector *regexp.Regexp) []string {
	var names []string
	for _, line := range strings.Split(listing, "\n") {
		m := listingLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		flags, name := m[1], m[2]
		if strings.HasPrefix(flags, "d") || strings.HasSuffix(name, "/") {
			continue
		}
		if selector != nil && !selector.MatchString(name) {
			continue
		}
		names = append(names, name)
	}
	return names
}
