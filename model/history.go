package model

import "time"

// Interpolation tells the historian how to render values between samples
type Interpolation string

const (
	// InterpolationAnalog is used for continuous (float) tags
	InterpolationAnalog Interpolation = "analog"
	// InterpolationDiscrete is used for everything else
	InterpolationDiscrete Interpolation = "discrete"
)

// HistoryRecord is one point handed to the historian
type HistoryRecord struct {
	Path          string        `json:"path"`
	Timestamp     time.Time     `json:"timestamp"`
	Value         Value         `json:"-"`
	Quality       Quality       `json:"quality"`
	Interpolation Interpolation `json:"interpolation"`
}

// TagUpdate is one realtime value destined for the tag provider
type TagUpdate struct {
	Device    DeviceRef
	Tag       TagRef
	Path      string
	Value     Value
	Quality   Quality
	Timestamp time.Time
}

// SyncCursor is the persisted progress of the historical sync
type SyncCursor struct {
	LastTransactionID int64     `json:"last_transaction_id"`
	LastLocalSync     time.Time `json:"last_local_sync"`
	LastRemoteHistory time.Time `json:"last_remote_history"`
	LastDeviceChange  time.Time `json:"last_device_change"`
	SuccessCount      int64     `json:"success_count"`
	FailureCount      int64     `json:"failure_count"`
	PointsProcessed   int64     `json:"points_processed"`
}

// Reset returns the cursor to its initial position and clears counters
func (c *SyncCursor) Reset() {
	c.LastTransactionID = 0
	c.LastLocalSync = time.Unix(0, 0).UTC()
	c.SuccessCount = 0
	c.FailureCount = 0
	c.PointsProcessed = 0
}
