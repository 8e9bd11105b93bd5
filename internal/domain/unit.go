package domain

import (
	"strings"
	"unicode"
)

// GroupPrefix marks group (epic) identifiers in the flat status namespace.
const GroupPrefix = "epic-"

const retrospectiveSuffix = "-retrospective"

type UnitKind string

const (
	KindStory         UnitKind = "story"
	KindGroup         UnitKind = "group"
	KindRetrospective UnitKind = "retrospective"
)

type Unit struct {
	ID     string     `json:"id"`
	Kind   UnitKind   `json:"kind"`
	Group  string     `json:"group,omitempty"`
	Status UnitStatus `json:"status"`
}

// KindOf classifies an identifier by the reserved prefix/suffix convention.
func KindOf(id string) UnitKind {
	switch {
	case strings.HasSuffix(id, retrospectiveSuffix):
		return KindRetrospective
	case strings.HasPrefix(id, GroupPrefix):
		return KindGroup
	default:
		return KindStory
	}
}

// GroupOf derives the parent group of a story from its leading number:
// "1-2-user-login" belongs to "epic-1". Empty when no number leads the id.
func GroupOf(storyID string) string {
	head, _, found := strings.Cut(storyID, "-")
	if !found || head == "" {
		return ""
	}
	for _, r := range head {
		if !unicode.IsDigit(r) {
			return ""
		}
	}
	return GroupPrefix + head
}
