package filter

import (
	"fmt"

	"iptv-relay/work/parser"

	"github.com/grafana/regexp"
)

// Filter decides which imported tracks make it into the registry. Include
// wins first: when set, a track must match it; Exclude then removes matches.
type Filter struct {
	include *regexp.Regexp
	exclude *regexp.Regexp
}

// Compile builds a filter from the import config's patterns. Empty patterns
// disable the corresponding check.
func Compile(includePattern, excludePattern string) (*Filter, error) {
	f := &Filter{}

	if includePattern != "" {
		re, err := regexp.Compile(includePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern: %w", err)
		}
		f.include = re
	}

	if excludePattern != "" {
		re, err := regexp.Compile(excludePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern: %w", err)
		}
		f.exclude = re
	}

	return f, nil
}

// Match reports whether the track passes the filter. Patterns are tested
// against the display name and the group title.
func (f *Filter) Match(t *parser.Track) bool {
	if f.include != nil && !f.include.MatchString(t.Name) && !f.include.MatchString(t.Group) {
		return false
	}
	if f.exclude != nil && (f.exclude.MatchString(t.Name) || f.exclude.MatchString(t.Group)) {
		return false
	}
	return true
}

// Apply returns the tracks that pass the filter, preserving order.
func (f *Filter) Apply(tracks []*parser.Track) []*parser.Track {
	if f.include == nil && f.exclude == nil {
		return tracks
	}
	kept := tracks[:0:0]
	for _, t := range tracks {
		if f.Match(t) {
			kept = append(kept, t)
		}
	}
	return kept
}
