package remote

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
)

// Decode kinds used in DecodeError
const (
	KindDeviceList  = "device list"
	KindDevice      = "device"
	KindSync        = "sync envelope"
	KindLogin       = "login"
	KindWriteResult = "write result"
)

type wireStatus struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type wireHistory struct {
	Date    *string     `json:"date"`
	Value   interface{} `json:"value"`
	Quality string      `json:"quality"`
}

type wireTag struct {
	ID       *int64        `json:"id"`
	Name     *string       `json:"name"`
	DataType *string       `json:"dataType"`
	Value    interface{}   `json:"value"`
	Quality  string        `json:"quality"`
	History  []wireHistory `json:"history"`
}

type wireDevice struct {
	wireStatus
	ID           *int64    `json:"id"`
	Name         *string   `json:"name"`
	LastSyncDate string    `json:"lastSyncDate"`
	TimeZone     string    `json:"timeZone"`
	Tags         []wireTag `json:"tags"`
}

type wireDeviceList struct {
	wireStatus
	Devices *[]wireDevice `json:"devices"`
}

type wireSync struct {
	wireStatus
	TransactionID     *int64       `json:"transactionId"`
	MoreDataAvailable bool         `json:"moreDataAvailable"`
	Devices           []wireDevice `json:"devices"`
}

type wireLogin struct {
	wireStatus
	Session *string `json:"session"`
}

// Decoder maps wire JSON into the domain model. Unknown fields are ignored.
type Decoder struct {
	// SkipMalformedHistory drops history points with an unparseable
	// timestamp instead of failing the whole envelope.
	SkipMalformedHistory bool
}

func unmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (s wireStatus) check() error {
	if s.Success != nil && !*s.Success {
		return &RemoteError{Code: s.Code, Message: s.Message}
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// DecodeDeviceList decodes the device list endpoint
func (d Decoder) DecodeDeviceList(data []byte) (model.DeviceList, error) {
	var w wireDeviceList
	if err := unmarshal(data, &w); err != nil {
		return model.DeviceList{}, &DecodeError{Kind: KindDeviceList, Err: err}
	}
	if err := w.check(); err != nil {
		return model.DeviceList{}, err
	}
	if w.Devices == nil {
		return model.DeviceList{}, &DecodeError{Kind: KindDeviceList, Err: missing("devices")}
	}

	list := model.DeviceList{Devices: make([]model.Device, 0, len(*w.Devices))}
	for i, wd := range *w.Devices {
		dev, err := d.device(wd)
		if err != nil {
			return model.DeviceList{}, &DecodeError{Kind: KindDeviceList, Err: fmt.Errorf("device %d: %w", i, err)}
		}
		list.Devices = append(list.Devices, dev)
	}
	return list, nil
}

// DecodeDevice decodes the device detail endpoint
func (d Decoder) DecodeDevice(data []byte) (model.Device, error) {
	var w wireDevice
	if err := unmarshal(data, &w); err != nil {
		return model.Device{}, &DecodeError{Kind: KindDevice, Err: err}
	}
	if err := w.check(); err != nil {
		return model.Device{}, err
	}
	dev, err := d.device(w)
	if err != nil {
		return model.Device{}, &DecodeError{Kind: KindDevice, Err: err}
	}
	return dev, nil
}

// DecodeSyncEnvelope decodes the current-data and transactional endpoints.
// requireTransaction makes transactionId mandatory.
func (d Decoder) DecodeSyncEnvelope(data []byte, requireTransaction bool) (model.SyncEnvelope, error) {
	var w wireSync
	if err := unmarshal(data, &w); err != nil {
		return model.SyncEnvelope{}, &DecodeError{Kind: KindSync, Err: err}
	}
	if err := w.check(); err != nil {
		return model.SyncEnvelope{}, err
	}

	env := model.SyncEnvelope{MoreDataAvailable: w.MoreDataAvailable}
	if w.TransactionID != nil {
		env.TransactionID = *w.TransactionID
	} else if requireTransaction {
		return model.SyncEnvelope{}, &DecodeError{Kind: KindSync, Err: missing("transactionId")}
	}

	env.Devices = make([]model.Device, 0, len(w.Devices))
	for i, wd := range w.Devices {
		dev, err := d.device(wd)
		if err != nil {
			return model.SyncEnvelope{}, &DecodeError{Kind: KindSync, Err: fmt.Errorf("device %d: %w", i, err)}
		}
		env.Devices = append(env.Devices, dev)
	}
	return env, nil
}

// DecodeLogin decodes the relay login response into a session token
func (d Decoder) DecodeLogin(data []byte) (string, error) {
	var w wireLogin
	if err := unmarshal(data, &w); err != nil {
		return "", &DecodeError{Kind: KindLogin, Err: err}
	}
	if err := w.check(); err != nil {
		return "", err
	}
	if w.Session == nil || *w.Session == "" {
		return "", &DecodeError{Kind: KindLogin, Err: missing("session")}
	}
	return *w.Session, nil
}

// DecodeWriteResult decodes the relay write response. An empty body is a
// successful write.
func (d Decoder) DecodeWriteResult(data []byte) (model.WriteResult, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return model.WriteResult{Success: true}, nil
	}
	var w wireStatus
	if err := unmarshal(data, &w); err != nil {
		return model.WriteResult{}, &DecodeError{Kind: KindWriteResult, Err: err}
	}
	if err := w.check(); err != nil {
		return model.WriteResult{Success: false, Message: w.Message}, err
	}
	return model.WriteResult{Success: true, Message: w.Message}, nil
}

func (d Decoder) device(w wireDevice) (model.Device, error) {
	if w.ID == nil {
		return model.Device{}, missing("id")
	}
	if w.Name == nil {
		return model.Device{}, missing("name")
	}

	dev := model.Device{ID: *w.ID, Name: *w.Name, TimeZone: w.TimeZone}
	if w.LastSyncDate != "" {
		ts, err := parseTime(w.LastSyncDate)
		if err != nil {
			return model.Device{}, fmt.Errorf("device %q lastSyncDate: %w", dev.Name, err)
		}
		dev.LastSync = ts
	}

	if len(w.Tags) > 0 {
		dev.Tags = make([]model.Tag, 0, len(w.Tags))
	}
	for _, wt := range w.Tags {
		tag, err := d.tag(dev.Name, wt)
		if err != nil {
			return model.Device{}, err
		}
		dev.Tags = append(dev.Tags, tag)
	}
	return dev, nil
}

func (d Decoder) tag(device string, w wireTag) (model.Tag, error) {
	if w.ID == nil {
		return model.Tag{}, missing("tag id")
	}
	if w.Name == nil {
		return model.Tag{}, missing("tag name")
	}

	tag := model.Tag{
		ID:       *w.ID,
		Name:     *w.Name,
		RawValue: w.Value,
		Quality:  model.ParseQuality(w.Quality),
	}
	if w.DataType != nil {
		tag.DataType = model.ParseDataType(*w.DataType)
	}

	for _, wh := range w.History {
		if wh.Date == nil {
			return model.Tag{}, missing("history date")
		}
		ts, err := parseTime(*wh.Date)
		if err != nil {
			if d.SkipMalformedHistory {
				logger.Warn("skipping history point of %s/%s with malformed timestamp %q", device, tag.Name, *wh.Date)
				continue
			}
			return model.Tag{}, fmt.Errorf("history of %s/%s: %w", device, tag.Name, err)
		}
		tag.History = append(tag.History, model.HistoryPoint{
			Timestamp: ts,
			RawValue:  wh.Value,
			Quality:   model.ParseQuality(wh.Quality),
		})
	}
	return tag, nil
}
