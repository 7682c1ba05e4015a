package dicomindex

import (
	"fmt"
)

// TagEntryValidator validates raw add-tag requests before they reach the
// versioned tag store. Every offending entry is reported, not just the first.
type TagEntryValidator struct{}

// NewTagEntryValidator creates a validator
func NewTagEntryValidator() *TagEntryValidator {
	return &TagEntryValidator{}
}

// Validate checks a batch of raw entries. On failure it returns a
// *ValidationError listing one problem per offending entry/reason.
func (v *TagEntryValidator) Validate(entries []AddExtendedQueryTagEntry) error {
	var problems []string

	if len(entries) == 0 {
		problems = append(problems, "at least one extended query tag entry is required")
		return &ValidationError{Problems: problems}
	}

	seen := make(map[string]int, len(entries))
	for i, entry := range entries {
		path, err := CanonicalTagPath(entry.Path)
		if err != nil {
			problems = append(problems, fmt.Sprintf("entry %d: invalid tag path %q", i, entry.Path))
			continue
		}

		if IsPrivateTagPath(path) {
			problems = append(problems, fmt.Sprintf("entry %d: private tag %s cannot be promoted", i, path))
		}

		if IsCoreIndexedTag(path) {
			problems = append(problems, fmt.Sprintf("entry %d: tag %s is already indexed", i, path))
		}

		if !SupportedVR(entry.VR) {
			problems = append(problems, fmt.Sprintf("entry %d: unsupported VR %q for tag %s", i, entry.VR, path))
		}

		if !ValidQueryTagLevel(entry.Level) {
			problems = append(problems, fmt.Sprintf("entry %d: unknown level %q for tag %s", i, entry.Level, path))
		}

		if first, dup := seen[path]; dup {
			problems = append(problems, fmt.Sprintf("entry %d: duplicate tag %s (first at entry %d)", i, path, first))
		} else {
			seen[path] = i
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
