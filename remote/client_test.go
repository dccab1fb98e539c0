package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/relay-sync/model"
)

type recordedRequest struct {
	path     string
	rawQuery string
	query    map[string]string
}

type fakeRemote struct {
	mu       sync.Mutex
	requests []recordedRequest
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeRemote(t *testing.T) (*fakeRemote, *httptest.Server) {
	t.Helper()
	f := &fakeRemote{handlers: make(map[string]func(w http.ResponseWriter, r *http.Request))}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := make(map[string]string)
		for k, v := range r.URL.Query() {
			q[k] = v[0]
		}
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{path: r.URL.Path, rawQuery: r.URL.RawQuery, query: q})
		h, ok := f.handlers[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRemote) handle(path string, h func(w http.ResponseWriter, r *http.Request)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = h
}

func (f *fakeRemote) reply(path, body string) {
	f.handle(path, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, body)
	})
}

func (f *fakeRemote) calls(path string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.path == path {
			out = append(out, r)
		}
	}
	return out
}

func newTestClient(srv *httptest.Server, opts Options) *Client {
	opts.MailboxURL = srv.URL + "/mailbox"
	opts.RelayURL = srv.URL + "/relay"
	opts.HTTPClient = srv.Client()
	return NewClient(Credentials{
		Account:        "acme",
		Username:       "operator",
		Password:       "p&ss w%rd",
		DeveloperID:    "dev-1",
		DeviceUsername: "adm",
		DevicePassword: "secret",
	}, opts)
}

func TestCredentialsEscapedOnce(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.reply("/mailbox/getdevices", `{"success":true,"devices":[]}`)
	c := newTestClient(srv, Options{})

	_, err := c.ListDevices(context.Background())
	require.NoError(t, err)

	calls := f.calls("/mailbox/getdevices")
	require.Len(t, calls, 1)
	assert.Equal(t, "p&ss w%rd", calls[0].query["password"])
	assert.Contains(t, calls[0].rawQuery, "password=p%26ss+w%25rd")
	assert.NotContains(t, calls[0].rawQuery, "%2526")
	assert.Equal(t, "acme", calls[0].query["account"])
	assert.Equal(t, "dev-1", calls[0].query["devid"])
	_, hasDevice := calls[0].query["deviceUsername"]
	assert.False(t, hasDevice, "device credentials only go to device-scoped calls")
}

func TestListDevices(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.reply("/mailbox/getdevices", `{"success":true,"extra":1,"devices":[
		{"id":1,"name":"Press1","lastSyncDate":"2024-05-01T10:00:00Z","timeZone":"Europe/Paris"},
		{"id":2,"name":"Press2"}]}`)
	c := newTestClient(srv, Options{})

	list, err := c.ListDevices(context.Background())

	require.NoError(t, err)
	require.Len(t, list.Devices, 2)
	assert.Equal(t, "Press1", list.Devices[0].Name)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), list.Devices[0].LastSync)
	assert.Equal(t, "Europe/Paris", list.Devices[0].TimeZone)
	assert.True(t, list.Devices[1].LastSync.IsZero())
}

func TestGetDeviceDecodesTags(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.reply("/mailbox/getdevice", `{"id":1,"name":"Press1","lastSyncDate":"2024-05-01T10:00:00Z","tags":[
		{"id":10,"name":"Temp","dataType":"Float","value":21.75,"quality":"good"},
		{"id":11,"name":"Mode","dataType":null,"value":3},
		{"id":12,"name":"Label","dataType":"String","value":"auto","quality":"uncertain"}]}`)
	c := newTestClient(srv, Options{})

	dev, err := c.GetDevice(context.Background(), 1)

	require.NoError(t, err)
	require.Len(t, dev.Tags, 3)
	assert.Equal(t, model.DataTypeFloat, dev.Tags[0].DataType)
	assert.Equal(t, "21.75", fmt.Sprint(dev.Tags[0].RawValue))
	assert.Equal(t, model.DataTypeInt, dev.Tags[1].DataType)
	assert.Equal(t, model.QualityGood, dev.Tags[1].Quality)
	assert.Equal(t, model.QualityUncertain, dev.Tags[2].Quality)

	calls := f.calls("/mailbox/getdevice")
	require.Len(t, calls, 1)
	assert.Equal(t, "1", calls[0].query["id"])
	assert.Equal(t, "adm", calls[0].query["deviceUsername"])
}

func TestSyncTransactionalParameters(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.reply("/mailbox/syncdata", `{"transactionId":42,"moreDataAvailable":true,"devices":[]}`)
	c := newTestClient(srv, Options{})

	env, err := c.SyncTransactional(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), env.TransactionID)
	assert.True(t, env.MoreDataAvailable)

	id := int64(42)
	_, err = c.SyncTransactional(context.Background(), &id)
	require.NoError(t, err)

	calls := f.calls("/mailbox/syncdata")
	require.Len(t, calls, 2)
	assert.Equal(t, "true", calls[0].query["createTransaction"])
	_, hasLast := calls[0].query["lastTransactionId"]
	assert.False(t, hasLast)
	assert.Equal(t, "42", calls[1].query["lastTransactionId"])
	_, hasCreate := calls[1].query["createTransaction"]
	assert.False(t, hasCreate)
}

func TestSyncTransactionalRequiresTransactionID(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.reply("/mailbox/syncdata", `{"moreDataAvailable":false,"devices":[]}`)
	c := newTestClient(srv, Options{})

	_, err := c.SyncTransactional(context.Background(), nil)

	require.Error(t, err)
	assert.True(t, IsDecode(err))
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestHistoryTimestampPolicy(t *testing.T) {
	body := `{"transactionId":5,"devices":[{"id":1,"name":"Press1","tags":[{"id":1,"name":"Temp","dataType":"float","history":[
		{"date":"2024-05-01T10:00:00Z","value":1.5},
		{"date":"yesterday","value":2.5}]}]}]}`

	t.Run("fail", func(t *testing.T) {
		_, err := Decoder{}.DecodeSyncEnvelope([]byte(body), true)
		require.Error(t, err)
		assert.True(t, IsDecode(err))
	})

	t.Run("skip", func(t *testing.T) {
		env, err := Decoder{SkipMalformedHistory: true}.DecodeSyncEnvelope([]byte(body), true)
		require.NoError(t, err)
		require.Len(t, env.Devices, 1)
		require.Len(t, env.Devices[0].Tags[0].History, 1)
		assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), env.Devices[0].Tags[0].History[0].Timestamp)
	})
}

func TestDecodeMissingFields(t *testing.T) {
	d := Decoder{}

	_, err := d.DecodeDeviceList([]byte(`{"success":true}`))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = d.DecodeDeviceList([]byte(`{"devices":[{"name":"x"}]}`))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = d.DecodeDevice([]byte(`{"id":1,"name":"x","tags":[{"id":1}]}`))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = d.DecodeDevice([]byte(`{"id":1,"name":"x","lastSyncDate":"not a date"}`))
	assert.True(t, IsDecode(err))

	_, err = d.DecodeDevice([]byte(`not json`))
	assert.True(t, IsDecode(err))
}

func TestTransportErrors(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.handle("/mailbox/getdevices", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	f.reply("/mailbox/getdevice", `{"success":false,"code":401,"message":"bad credentials"}`)
	c := newTestClient(srv, Options{})

	_, err := c.ListDevices(context.Background())
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)

	_, err = c.GetDevice(context.Background(), 3)
	require.True(t, IsTransport(err))
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "bad credentials", re.Message)
}

func TestWriteTagValuesCachesSession(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.reply("/relay/login", `{"success":true,"session":"s-1"}`)
	f.reply("/relay/get/Press 1/rcgi.bin/UpdateTagForm", `{"success":true}`)
	c := newTestClient(srv, Options{})

	writes := []model.TagWrite{
		{Name: "Setpoint", Value: model.FloatValue(12.5)},
		{Name: "Run", Value: model.BoolValue(true)},
	}
	res, err := c.WriteTagValues(context.Background(), "Press 1", writes)
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = c.WriteTagValues(context.Background(), "Press 1", writes[:1])
	require.NoError(t, err)

	assert.Len(t, f.calls("/relay/login"), 1)
	calls := f.calls("/relay/get/Press 1/rcgi.bin/UpdateTagForm")
	require.Len(t, calls, 2)
	assert.Equal(t, "s-1", calls[0].query["session"])
	assert.Equal(t, "Setpoint", calls[0].query["TagName1"])
	assert.Equal(t, "12.5", calls[0].query["TagValue1"])
	assert.Equal(t, "Run", calls[0].query["TagName2"])
	assert.Equal(t, "1", calls[0].query["TagValue2"])
	assert.Equal(t, "secret", calls[0].query["devicePassword"])
}

func TestWriteTagValuesDropsRejectedSession(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.reply("/relay/login", `{"success":true,"session":"s-1"}`)
	f.handle("/relay/get/Press1/rcgi.bin/UpdateTagForm", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "session expired", http.StatusUnauthorized)
	})
	c := newTestClient(srv, Options{})
	writes := []model.TagWrite{{Name: "Setpoint", Value: model.IntValue(1)}}

	_, err := c.WriteTagValues(context.Background(), "Press1", writes)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionRejected)

	_, err = c.WriteTagValues(context.Background(), "Press1", writes)
	require.Error(t, err)

	assert.Len(t, f.calls("/relay/login"), 2, "rejected session must not be reused")
	assert.Len(t, f.calls("/relay/get/Press1/rcgi.bin/UpdateTagForm"), 2)
}

func TestGetCurrentDataParameters(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.reply("/mailbox/getdata", `{"devices":[]}`)
	c := newTestClient(srv, Options{})

	since := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	_, err := c.GetCurrentData(context.Background(), DataQuery{DeviceID: 4, Limit: 10, Since: since})
	require.NoError(t, err)

	calls := f.calls("/mailbox/getdata")
	require.Len(t, calls, 1)
	assert.Equal(t, "4", calls[0].query["deviceId"])
	assert.Equal(t, "10", calls[0].query["limit"])
	assert.Equal(t, "2024-05-01T10:00:00Z", calls[0].query["from"])
	assert.False(t, strings.Contains(calls[0].rawQuery, "tagId"))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	f, srv := newFakeRemote(t)
	f.handle("/mailbox/getdevices", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	c := newTestClient(srv, Options{Breaker: true})

	for i := 0; i < 5; i++ {
		_, err := c.ListDevices(context.Background())
		require.True(t, IsTransport(err))
	}

	_, err := c.ListDevices(context.Background())
	require.True(t, IsTransport(err))
	assert.Len(t, f.calls("/mailbox/getdevices"), 5, "open breaker must not reach the server")
}
