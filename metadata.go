package dicomindex

// Well-known canonical tag paths for core identity attributes
const (
	TagStudyInstanceUID  = "0020000D"
	TagSeriesInstanceUID = "0020000E"
	TagSOPInstanceUID    = "00080018"
)

// Attribute is one DICOM attribute in a stored metadata document, in the
// DICOM JSON shape: a VR plus zero or more string-rendered values.
type Attribute struct {
	VR     string   `json:"vr"`
	Values []string `json:"Value,omitempty"`
}

// Dataset is a stored instance-metadata document keyed by canonical tag path
type Dataset map[string]Attribute

// First returns the first value of the attribute at path
func (d Dataset) First(path string) (string, bool) {
	attr, ok := d[path]
	if !ok || len(attr.Values) == 0 {
		return "", false
	}
	return attr.Values[0], true
}

// Set stores a single-valued attribute
func (d Dataset) Set(path, vr, value string) {
	d[path] = Attribute{VR: vr, Values: []string{value}}
}

// StudyInstanceUID returns the dataset's study UID, empty if absent
func (d Dataset) StudyInstanceUID() string {
	v, _ := d.First(TagStudyInstanceUID)
	return v
}

// SeriesInstanceUID returns the dataset's series UID, empty if absent
func (d Dataset) SeriesInstanceUID() string {
	v, _ := d.First(TagSeriesInstanceUID)
	return v
}

// SOPInstanceUID returns the dataset's SOP instance UID, empty if absent
func (d Dataset) SOPInstanceUID() string {
	v, _ := d.First(TagSOPInstanceUID)
	return v
}

// Validate checks that the identity attributes needed for indexing are present
func (d Dataset) Validate() error {
	for _, path := range []string{TagStudyInstanceUID, TagSeriesInstanceUID, TagSOPInstanceUID} {
		if _, ok := d.First(path); !ok {
			return WithContext(ErrInvalidData, map[string]interface{}{
				"reason":  "missing identity attribute",
				"missing": path,
			})
		}
	}
	return nil
}
