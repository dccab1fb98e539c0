package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/relay-sync/config"
	"github.com/eddielth/relay-sync/model"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "plant/Press1/Temp", ValueTopic("plant", "Press1/Temp"))
	assert.Equal(t, "plant/Press1/Temp", ValueTopic("plant/", "/Press1/Temp"))
	assert.Equal(t, "plant/Press1/Temp/set", SetTopic("plant", "Press1/Temp"))

	path, ok := PathFromSetTopic("plant", "plant/Press1/Zone/Temp/set")
	require.True(t, ok)
	assert.Equal(t, "Press1/Zone/Temp", path)

	_, ok = PathFromSetTopic("plant", "plant/Press1/Temp")
	assert.False(t, ok)
	_, ok = PathFromSetTopic("plant", "other/Press1/Temp/set")
	assert.False(t, ok)
}

func TestEncodeValue(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	data, err := encodeValue(model.FloatValue(21.5), model.QualityGood, ts)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":21.5,"quality":"good","timestamp":"2024-03-01T10:00:00Z"}`, string(data))
}

func TestDecodeWritePayload(t *testing.T) {
	v, err := decodeWritePayload([]byte(`{"value": 12}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("12"), v)

	v, err = decodeWritePayload([]byte(`true`))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = decodeWritePayload([]byte(`"auto"`))
	require.NoError(t, err)
	assert.Equal(t, "auto", v)

	_, err = decodeWritePayload([]byte(`{"val": 1}`))
	assert.Error(t, err)
	_, err = decodeWritePayload([]byte(`{`))
	assert.Error(t, err)
}

func TestDispatchCallsHandler(t *testing.T) {
	p, err := NewProvider(config.MQTTConfig{Broker: "tcp://localhost:1883", TopicPrefix: "plant"})
	require.NoError(t, err)

	var got interface{}
	require.NoError(t, p.RegisterWriteHandler("Press1/Setpoint", func(_ context.Context, raw interface{}) error {
		got = raw
		return nil
	}))

	p.dispatch("plant/Press1/Setpoint/set", []byte(`{"value": 3.5}`))
	assert.Equal(t, json.Number("3.5"), got)

	got = nil
	p.dispatch("plant/Press1/Other/set", []byte(`1`))
	assert.Nil(t, got)
}

func TestNewProviderRequiresBroker(t *testing.T) {
	_, err := NewProvider(config.MQTTConfig{})
	assert.Error(t, err)
}
