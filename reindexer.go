package dicomindex

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// ExtractTagValue reads the attribute a tag indexes out of a metadata
// document and converts it to the tag's typed index value.
//
// Returns (nil, nil) when the instance does not carry the attribute or the
// attribute is empty: absence is not an error, the instance simply gets no
// index row for this tag. A value that cannot be parsed for the tag's VR
// class is an error; callers log it and move on so one bad value never
// poisons a whole instance or batch.
func ExtractTagValue(tag ExtendedQueryTagStoreEntry, ds Dataset, watermark Watermark) (*TagValue, error) {
	raw, ok := ds.First(tag.Path)
	if !ok {
		return nil, nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	value := TagValue{TagKey: tag.Key, Watermark: watermark}

	switch ClassOfVR(tag.VR) {
	case VRClassString:
		value.ValueString = &raw

	case VRClassLong:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"reason": "not an integer value",
				"tag":    tag.Path,
				"vr":     tag.VR,
				"value":  raw,
			})
		}
		value.ValueLong = &n

	case VRClassDouble:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"reason": "not a decimal value",
				"tag":    tag.Path,
				"vr":     tag.VR,
				"value":  raw,
			})
		}
		value.ValueDouble = &f

	case VRClassDateTime:
		t, err := parseDicomTemporal(tag.VR, raw)
		if err != nil {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"reason": "not a temporal value",
				"tag":    tag.Path,
				"vr":     tag.VR,
				"value":  raw,
			})
		}
		unix := t.Unix()
		value.ValueTime = &unix

	default:
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"reason": "unsupported vr",
			"tag":    tag.Path,
			"vr":     tag.VR,
		})
	}

	return &value, nil
}

// parseDicomTemporal parses DA, TM and DT attribute values. Fractional
// seconds and DT zone offsets are accepted and dropped; TM values without a
// date anchor to the Unix epoch day.
func parseDicomTemporal(vr, raw string) (time.Time, error) {
	switch vr {
	case "DA":
		return time.Parse("20060102", raw)
	case "TM":
		return parseInLayouts(trimFraction(raw), "150405", "1504", "15")
	case "DT":
		// Strip an optional "&ZZXX" UTC offset suffix, then fraction
		if i := strings.IndexAny(raw, "+-"); i > 0 {
			raw = raw[:i]
		}
		return parseInLayouts(trimFraction(raw),
			"20060102150405", "200601021504", "2006010215", "20060102", "200601", "2006")
	default:
		return time.Time{}, WithContext(ErrInvalidData, map[string]interface{}{
			"reason": "not a temporal vr",
			"vr":     vr,
		})
	}
}

func trimFraction(s string) string {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

func parseInLayouts(s string, layouts ...string) (time.Time, error) {
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// InstanceReindexer replays stored instance metadata through the extended
// query tag index for a watermark range. It is the worker-side counterpart
// of the live fanout that runs at instance-create time.
type InstanceReindexer struct {
	provider IndexDataStoreProvider
	metadata *MetadataStore
	logger   Logger
	metrics  Metrics
}

// NewInstanceReindexer creates a reindexer over a version-resolving index
// store provider and the metadata blobs it indexes
func NewInstanceReindexer(provider IndexDataStoreProvider, metadata *MetadataStore) *InstanceReindexer {
	return &InstanceReindexer{
		provider: provider,
		metadata: metadata,
		logger:   &NoOpLogger{},
		metrics:  &NoOpMetrics{},
	}
}

// WithLogger sets the logger
func (r *InstanceReindexer) WithLogger(l Logger) *InstanceReindexer {
	if l != nil {
		r.logger = l
	}
	return r
}

// WithMetrics sets the metrics collector
func (r *InstanceReindexer) WithMetrics(m Metrics) *InstanceReindexer {
	if m != nil {
		r.metrics = m
	}
	return r
}

// ReindexBatch indexes every instance in rng against the given tags and
// returns the number of instances processed. Upserts make the operation
// safe to repeat: re-running a batch after a crash rewrites the same rows.
func (r *InstanceReindexer) ReindexBatch(ctx context.Context, tags []ExtendedQueryTagStoreEntry, rng WatermarkRange) (int, error) {
	if len(tags) == 0 || rng.IsEmpty() {
		return 0, nil
	}

	index, err := r.provider.GetInstance(ctx)
	if err != nil {
		return 0, err
	}

	instances, err := index.ListInstances(ctx, rng)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, id := range instances {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		ds, err := r.metadata.Get(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				// Instance deleted since the batch range was computed
				r.logger.Warn("metadata missing during reindex, skipping",
					"watermark", id.Watermark, "sop", id.SOPInstanceUID)
				continue
			}
			return processed, err
		}

		values := make([]TagValue, 0, len(tags))
		for _, tag := range tags {
			value, err := ExtractTagValue(tag, ds, id.Watermark)
			if err != nil {
				r.logger.Warn("skipping unindexable attribute value",
					"tag", tag.Path, "watermark", id.Watermark, "error", err)
				continue
			}
			if value == nil {
				continue
			}
			values = append(values, *value)
		}

		if len(values) > 0 {
			if err := index.UpsertTagValues(ctx, id, values); err != nil {
				return processed, err
			}
		}

		processed++
		r.metrics.Increment(MetricReindexedCount)
	}

	return processed, nil
}
