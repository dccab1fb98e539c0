package model

import "time"

// Device is a remote device as reported by the mailbox API
type Device struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	LastSync time.Time `json:"last_sync"`
	TimeZone string    `json:"time_zone,omitempty"`
	// Tags is only populated by detail and sync responses
	Tags []Tag `json:"tags,omitempty"`
}

// Tag belongs to exactly one device. RawValue holds the decoded wire value:
// json.Number, string, bool or nil. Use tags.MapValue to obtain a typed Value.
type Tag struct {
	ID       int64          `json:"id"`
	Name     string         `json:"name"`
	DataType DataType       `json:"data_type"`
	RawValue interface{}    `json:"value"`
	Quality  Quality        `json:"quality"`
	History  []HistoryPoint `json:"history,omitempty"`
}

// HistoryPoint is one historical sample of a tag
type HistoryPoint struct {
	Timestamp time.Time   `json:"timestamp"`
	RawValue  interface{} `json:"value"`
	Quality   Quality     `json:"quality"`
}

// DeviceList is the envelope of the device list endpoint
type DeviceList struct {
	Devices []Device
}

// SyncEnvelope is one page of current or transactional data
type SyncEnvelope struct {
	TransactionID     int64
	MoreDataAvailable bool
	Devices           []Device
}

// TagWrite is one tag assignment inside a relay write call
type TagWrite struct {
	Name  string
	Value Value
}

// WriteResult is the outcome reported by the relay for a write call
type WriteResult struct {
	Success bool
	Message string
}

// DeviceRef identifies the device a buffered write targets
type DeviceRef struct {
	ID   int64
	Name string
}

// TagRef identifies the tag a buffered write targets
type TagRef struct {
	ID       int64
	Name     string
	DataType DataType
}
