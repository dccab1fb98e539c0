package tags

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/eddielth/relay-sync/model"
)

// HistoryBatch is the combined, time-ordered history of one sync page
type HistoryBatch struct {
	Records []model.HistoryRecord
	// MaxTimestamp is the newest point in Records, zero when empty
	MaxTimestamp time.Time
	// Skipped counts points whose value could not be mapped
	Skipped int
	// Duplicates counts points dropped because an identical path/timestamp
	// pair appeared later in the page
	Duplicates int
}

// InterpolationFor returns the historian interpolation mode for a data type
func InterpolationFor(dt model.DataType) model.Interpolation {
	if dt == model.DataTypeFloat {
		return model.InterpolationAnalog
	}
	return model.InterpolationDiscrete
}

type pointKey struct {
	path string
	ts   int64
}

// MapHistory builds one history batch from every tag with history in the
// given devices, sorted ascending by timestamp.
func MapHistory(devices []model.Device) HistoryBatch {
	var batch HistoryBatch
	index := make(map[pointKey]int)

	for _, device := range devices {
		for _, tag := range device.Tags {
			if len(tag.History) == 0 {
				continue
			}
			path := BuildPath(device.Name, tag.Name)
			mode := InterpolationFor(tag.DataType)

			for _, point := range tag.History {
				value, err := MapValue(point.RawValue, tag.DataType)
				if err != nil {
					batch.Skipped++
					continue
				}
				rec := model.HistoryRecord{
					Path:          path,
					Timestamp:     point.Timestamp.UTC(),
					Value:         value,
					Quality:       point.Quality,
					Interpolation: mode,
				}

				key := pointKey{path: path, ts: rec.Timestamp.UnixNano()}
				if i, seen := index[key]; seen {
					batch.Records[i] = rec
					batch.Duplicates++
					continue
				}
				index[key] = len(batch.Records)
				batch.Records = append(batch.Records, rec)

				if rec.Timestamp.After(batch.MaxTimestamp) {
					batch.MaxTimestamp = rec.Timestamp
				}
			}
		}
	}

	sort.SliceStable(batch.Records, func(i, j int) bool {
		return batch.Records[i].Timestamp.Before(batch.Records[j].Timestamp)
	})
	return batch
}

// MapDeviceValues maps the current value of every tag of a detailed device.
// Tags without a value produce no update. Tags that cannot be mapped are
// left out and reported in the joined error.
func MapDeviceValues(device model.Device) ([]model.TagUpdate, error) {
	updates := make([]model.TagUpdate, 0, len(device.Tags))
	var errs []error

	ts := device.LastSync
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	for _, tag := range device.Tags {
		value, err := MapValue(tag.RawValue, tag.DataType)
		if errors.Is(err, ErrNoValue) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("tag %s/%s: %w", device.Name, tag.Name, err))
			continue
		}
		updates = append(updates, model.TagUpdate{
			Device:    model.DeviceRef{ID: device.ID, Name: device.Name},
			Tag:       model.TagRef{ID: tag.ID, Name: tag.Name, DataType: tag.DataType},
			Path:      BuildPath(device.Name, tag.Name),
			Value:     value,
			Quality:   tag.Quality,
			Timestamp: ts,
		})
	}

	return updates, errors.Join(errs...)
}
