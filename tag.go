package dicomindex

import (
	"fmt"
	"regexp"
	"strings"
)

// ExtendedQueryTagStatus is the lifecycle status of an extended query tag
type ExtendedQueryTagStatus string

const (
	// TagStatusAdding means the tag exists but historical instances may not
	// be indexed yet. Tags in this status are invisible to the query path.
	TagStatusAdding ExtendedQueryTagStatus = "Adding"

	// TagStatusReady means the tag is fully indexed and queryable
	TagStatusReady ExtendedQueryTagStatus = "Ready"

	// TagStatusDeleting means the tag is being removed
	TagStatusDeleting ExtendedQueryTagStatus = "Deleting"
)

// QueryTagLevel is the DICOM hierarchy level a tag is indexed at
type QueryTagLevel string

const (
	QueryTagLevelStudy    QueryTagLevel = "Study"
	QueryTagLevelSeries   QueryTagLevel = "Series"
	QueryTagLevelInstance QueryTagLevel = "Instance"
)

// ValidQueryTagLevel reports whether level is one of the known levels
func ValidQueryTagLevel(level QueryTagLevel) bool {
	switch level {
	case QueryTagLevelStudy, QueryTagLevelSeries, QueryTagLevelInstance:
		return true
	}
	return false
}

// VRClass groups value representations by the typed index column they use
type VRClass int

const (
	VRClassString VRClass = iota
	VRClassLong
	VRClassDouble
	VRClassDateTime
)

// supportedVRs maps each indexable value representation to its column class
var supportedVRs = map[string]VRClass{
	"AE": VRClassString,
	"AS": VRClassString,
	"CS": VRClassString,
	"LO": VRClassString,
	"PN": VRClassString,
	"SH": VRClassString,
	"UI": VRClassString,
	"IS": VRClassLong,
	"SL": VRClassLong,
	"SS": VRClassLong,
	"UL": VRClassLong,
	"US": VRClassLong,
	"FL": VRClassDouble,
	"FD": VRClassDouble,
	"DA": VRClassDateTime,
	"DT": VRClassDateTime,
	"TM": VRClassDateTime,
}

// SupportedVR reports whether vr can back an extended query tag
func SupportedVR(vr string) bool {
	_, ok := supportedVRs[strings.ToUpper(vr)]
	return ok
}

// ClassOfVR returns the typed column class for a supported VR
func ClassOfVR(vr string) VRClass {
	return supportedVRs[strings.ToUpper(vr)]
}

// tagKeywords resolves well-known DICOM attribute keywords to tag paths
var tagKeywords = map[string]string{
	"PatientName":            "00100010",
	"PatientID":              "00100020",
	"PatientBirthDate":       "00100030",
	"PatientSex":             "00100040",
	"AccessionNumber":        "00080050",
	"Modality":               "00080060",
	"Manufacturer":           "00080070",
	"ReferringPhysicianName": "00080090",
	"StudyDate":              "00080020",
	"StudyTime":              "00080030",
	"StudyDescription":       "00081030",
	"SeriesDescription":      "0008103E",
	"BodyPartExamined":       "00180015",
	"InstitutionName":        "00080080",
	"StationName":            "00081010",
	"ProtocolName":           "00181030",
}

// coreIndexedTags are attributes the index always maintains; promoting them
// as extended query tags is rejected as redundant.
var coreIndexedTags = map[string]bool{
	"0020000D": true, // StudyInstanceUID
	"0020000E": true, // SeriesInstanceUID
	"00080018": true, // SOPInstanceUID
	"00100020": true, // PatientID
	"00080050": true, // AccessionNumber
	"00080060": true, // Modality
	"00080020": true, // StudyDate
}

var tagPathPattern = regexp.MustCompile(`^[0-9A-F]{8}$`)

// CanonicalTagPath normalizes a raw tag path into canonical form: eight
// uppercase hex digits (group then element). Accepted input forms are
// "ggggeeee", "gggg,eeee", "(gggg,eeee)" in any casing, and a known
// attribute keyword such as "PatientName".
func CanonicalTagPath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", WithContext(ErrTagValidation, map[string]interface{}{
			"path":   raw,
			"reason": "tag path is empty",
		})
	}

	if path, ok := tagKeywords[trimmed]; ok {
		return path, nil
	}

	candidate := strings.ToUpper(trimmed)
	candidate = strings.TrimPrefix(candidate, "(")
	candidate = strings.TrimSuffix(candidate, ")")
	candidate = strings.ReplaceAll(candidate, ",", "")

	if !tagPathPattern.MatchString(candidate) {
		return "", WithContext(ErrTagValidation, map[string]interface{}{
			"path":   raw,
			"reason": "tag path must be 8 hex digits or a known keyword",
		})
	}
	return candidate, nil
}

// IsPrivateTagPath reports whether a canonical path addresses a private tag
// (odd group number). Private tags cannot be promoted without a private
// creator, which ambiguous paths do not carry.
func IsPrivateTagPath(path string) bool {
	if len(path) != 8 {
		return false
	}
	// Low nibble of the group determines parity
	g := path[3]
	return g == '1' || g == '3' || g == '5' || g == '7' ||
		g == '9' || g == 'B' || g == 'D' || g == 'F'
}

// IsCoreIndexedTag reports whether a canonical path is already indexed by
// the ordinary instance index.
func IsCoreIndexedTag(path string) bool {
	return coreIndexedTags[path]
}

// AddExtendedQueryTagEntry is a client request to promote one attribute
type AddExtendedQueryTagEntry struct {
	Path  string        `json:"path"`
	VR    string        `json:"vr"`
	Level QueryTagLevel `json:"level"`
}

// Normalize returns the entry with its path canonicalized and VR uppercased.
// The entry must already have passed validation.
func (e AddExtendedQueryTagEntry) Normalize() AddExtendedQueryTagEntry {
	path, err := CanonicalTagPath(e.Path)
	if err != nil {
		// Validation runs first; keep the raw path if it somehow slipped through
		path = strings.ToUpper(strings.TrimSpace(e.Path))
	}
	return AddExtendedQueryTagEntry{
		Path:  path,
		VR:    strings.ToUpper(e.VR),
		Level: e.Level,
	}
}

// ExtendedQueryTagStoreEntry is a stored extended query tag
type ExtendedQueryTagStoreEntry struct {
	Key    int64                  `json:"key"`
	Path   string                 `json:"path"`
	VR     string                 `json:"vr"`
	Level  QueryTagLevel          `json:"level"`
	Status ExtendedQueryTagStatus `json:"status"`
}

func (e ExtendedQueryTagStoreEntry) String() string {
	return fmt.Sprintf("tag %s (key=%d vr=%s level=%s status=%s)", e.Path, e.Key, e.VR, e.Level, e.Status)
}
