package dicomindex

import "fmt"

// Watermark is the strictly increasing sequence number assigned to every
// stored instance at write time. Watermark order is the only reliable notion
// of "all instances stored so far".
type Watermark = int64

// InstanceIdentifier locates one stored SOP instance
type InstanceIdentifier struct {
	StudyInstanceUID  string    `json:"study_instance_uid"`
	SeriesInstanceUID string    `json:"series_instance_uid"`
	SOPInstanceUID    string    `json:"sop_instance_uid"`
	Watermark         Watermark `json:"watermark"`
}

func (id InstanceIdentifier) String() string {
	return fmt.Sprintf("%s/%s/%s@%d", id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID, id.Watermark)
}

// WatermarkRange is an inclusive watermark interval. An empty range
// (Start > End) covers no instances.
type WatermarkRange struct {
	Start Watermark `json:"start"`
	End   Watermark `json:"end"`
}

// IsEmpty reports whether the range covers no watermarks
func (r WatermarkRange) IsEmpty() bool {
	return r.Start > r.End
}

// Count returns the number of watermarks covered by the range
func (r WatermarkRange) Count() int64 {
	if r.IsEmpty() {
		return 0
	}
	return r.End - r.Start + 1
}

func (r WatermarkRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// SplitBatches cuts the range into consecutive non-overlapping batches of at
// most batchSize watermarks, in ascending order. Re-running any batch is safe
// because index writes are idempotent upserts.
func (r WatermarkRange) SplitBatches(batchSize int) []WatermarkRange {
	if r.IsEmpty() || batchSize <= 0 {
		return nil
	}

	size := Watermark(batchSize)
	batches := make([]WatermarkRange, 0, (r.Count()+size-1)/size)
	for start := r.Start; start <= r.End; start += size {
		end := start + size - 1
		if end > r.End {
			end = r.End
		}
		batches = append(batches, WatermarkRange{Start: start, End: end})
	}
	return batches
}
