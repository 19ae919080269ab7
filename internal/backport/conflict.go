package backport

import (
	"fmt"
	"strings"
)

// Git conflict marker prefixes. The ours/theirs markers carry a trailing
// label ("<<<<<<< HEAD"), the separator stands alone.
const (
	markerOurs      = "<<<<<<<"
	markerBase      = "|||||||"
	markerSeparator = "======="
	markerTheirs    = ">>>>>>>"
)

// ConflictRegion is one conflicted span: the target branch's side and the
// incoming change's side. The diff3 base section, when present, is dropped.
type ConflictRegion struct {
	Ours   string
	Theirs string
}

// HasConflictMarkers reports whether content contains at least one opening
// conflict marker. Used as a cheap pre-check before full parsing.
func HasConflictMarkers(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, markerOurs) {
			return true
		}
	}
	return false
}

// ParseConflictRegions scans content for marker triads and returns the
// ordered conflicted regions. Marker lines are only interpreted inside a
// region, so stray separator-looking lines in ordinary content do not
// confuse the scan. An unterminated region is a malformed file.
func ParseConflictRegions(content string) ([]ConflictRegion, error) {
	const (
		stateOutside = iota
		stateOurs
		stateBase
		stateTheirs
	)

	var (
		regions []ConflictRegion
		ours    []string
		theirs  []string
		state   = stateOutside
	)

	for i, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, markerOurs):
			if state != stateOutside {
				return nil, fmt.Errorf("nested conflict marker at line %d", i+1)
			}
			state = stateOurs
			ours = ours[:0]
			theirs = theirs[:0]
		case strings.HasPrefix(line, markerBase) && state == stateOurs:
			state = stateBase
		case strings.HasPrefix(line, markerSeparator) && (state == stateOurs || state == stateBase):
			state = stateTheirs
		case strings.HasPrefix(line, markerTheirs) && state == stateTheirs:
			regions = append(regions, ConflictRegion{
				Ours:   strings.Join(ours, "\n"),
				Theirs: strings.Join(theirs, "\n"),
			})
			ours = nil
			theirs = nil
			state = stateOutside
		default:
			switch state {
			case stateOurs:
				ours = append(ours, line)
			case stateTheirs:
				theirs = append(theirs, line)
			case stateBase:
				// base content informs nothing downstream
			}
		}
	}

	if state != stateOutside {
		return nil, fmt.Errorf("unterminated conflict marker")
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("no conflict regions found")
	}
	return regions, nil
}

// JoinOurs concatenates the target-branch side of every region.
func JoinOurs(regions []ConflictRegion) string {
	parts := make([]string, 0, len(regions))
	for _, r := range regions {
		parts = append(parts, r.Ours)
	}
	return strings.Join(parts, "\n")
}

// JoinTheirs concatenates the incoming side of every region.
func JoinTheirs(regions []ConflictRegion) string {
	parts := make([]string, 0, len(regions))
	for _, r := range regions {
		parts = append(parts, r.Theirs)
	}
	return strings.Join(parts, "\n")
}
