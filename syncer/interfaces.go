package syncer

import (
	"context"
	"time"

	"github.com/eddielth/relay-sync/model"
	"github.com/eddielth/relay-sync/writer"
)

// API is the part of the remote client the orchestrator drives
type API interface {
	ListDevices(ctx context.Context) (model.DeviceList, error)
	GetDevice(ctx context.Context, id int64) (model.Device, error)
	SyncTransactional(ctx context.Context, lastID *int64) (model.SyncEnvelope, error)
}

// WriteHandler receives a raw value written to a tag path by the sink
type WriteHandler func(ctx context.Context, raw interface{}) error

// Sink is the local tag provider and historian
type Sink interface {
	UpdateValue(path string, value model.Value, quality model.Quality, ts time.Time)
	RegisterWriteHandler(path string, handler WriteHandler) error
	StoreHistory(ctx context.Context, provider string, records []model.HistoryRecord) error
}

// Writer accepts sink-originated tag writes
type Writer interface {
	Write(ctx context.Context, req writer.Request)
}

// ValueTransformer post-processes live values of a device
type ValueTransformer interface {
	TransformValue(device, tag string, value model.Value) (model.Value, error)
}
