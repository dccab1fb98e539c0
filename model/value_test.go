package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDataTypeFallsBackToInt(t *testing.T) {
	assert.Equal(t, DataTypeFloat, ParseDataType(" Real "))
	assert.Equal(t, DataTypeBool, ParseDataType("boolean"))
	assert.Equal(t, DataTypeString, ParseDataType("string"))
	assert.Equal(t, DataTypeInt, ParseDataType(""))
	assert.Equal(t, DataTypeInt, ParseDataType("bitfield"))
}

func TestParseQuality(t *testing.T) {
	assert.Equal(t, QualityGood, ParseQuality(""))
	assert.Equal(t, QualityCancelled, ParseQuality("canceled"))
	assert.Equal(t, QualityBad, ParseQuality("unknown"))
}

func TestValueAccessorsCheckKind(t *testing.T) {
	v := FloatValue(2.5)

	f, ok := v.Float()
	assert.True(t, ok)
	assert.Equal(t, 2.5, f)

	_, ok = v.Int()
	assert.False(t, ok)

	var zero Value
	i, ok := zero.Int()
	assert.True(t, ok)
	assert.Zero(t, i)
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "1", BoolValue(true).String())
	assert.Equal(t, "0", BoolValue(false).String())
	assert.Equal(t, "0.1", FloatValue(0.1).String())
	assert.Equal(t, "-7", IntValue(-7).String())
	assert.Equal(t, "abc", StringValue("abc").String())
}

func TestValueEqualComparesKind(t *testing.T) {
	assert.True(t, IntValue(1).Equal(IntValue(1)))
	assert.False(t, IntValue(1).Equal(FloatValue(1)))
}

func TestCursorResetKeepsRemoteTimes(t *testing.T) {
	remote := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	c := SyncCursor{
		LastTransactionID: 42,
		LastLocalSync:     remote,
		LastRemoteHistory: remote,
		LastDeviceChange:  remote,
		SuccessCount:      3,
		FailureCount:      1,
		PointsProcessed:   90,
	}

	c.Reset()

	assert.Zero(t, c.LastTransactionID)
	assert.Equal(t, int64(0), c.LastLocalSync.Unix())
	assert.Zero(t, c.SuccessCount)
	assert.Zero(t, c.FailureCount)
	assert.Zero(t, c.PointsProcessed)
	assert.Equal(t, remote, c.LastRemoteHistory)
	assert.Equal(t, remote, c.LastDeviceChange)
}
