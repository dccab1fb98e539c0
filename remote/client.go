package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
)

// maxErrorBodySize limits how much of a failed response is kept for the error
const maxErrorBodySize = 4 * 1024

// Credentials are attached to every call. Device credentials are only sent
// to device-scoped endpoints.
type Credentials struct {
	Account        string
	Username       string
	Password       string
	DeveloperID    string
	DeviceUsername string
	DevicePassword string
}

// Options configures a Client
type Options struct {
	MailboxURL string
	RelayURL   string
	Timeout    time.Duration
	// RequestsPerSecond paces outgoing calls, 0 disables pacing
	RequestsPerSecond float64
	Burst             int
	// Breaker enables the circuit breaker around every call
	Breaker              bool
	SkipMalformedHistory bool
	// HTTPClient overrides the default client, mainly for tests
	HTTPClient *http.Client
}

// DataQuery narrows the current-data endpoint. Zero fields are not sent.
type DataQuery struct {
	DeviceID int64
	TagID    int64
	Limit    int
	Since    time.Time
}

// Client talks to the mailbox and relay APIs. It keeps no sync state; the
// only cached data is the relay session token.
type Client struct {
	mailboxURL string
	relayURL   string
	http       *http.Client
	// accountQuery and deviceQuery are escaped once at construction
	accountQuery string
	deviceQuery  string
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker[[]byte]
	decoder      Decoder

	sessionMu sync.Mutex
	sessions  map[string]string
}

// NewClient creates a client. Blank credentials are accepted; the remote API
// rejects them and the caller sees a TransportError.
func NewClient(creds Credentials, opts Options) *Client {
	if creds.Account == "" || creds.Username == "" || creds.Password == "" || creds.DeveloperID == "" {
		logger.Warn("remote credentials are incomplete, calls will be rejected until they are configured")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		mailboxURL:   strings.TrimRight(opts.MailboxURL, "/"),
		relayURL:     strings.TrimRight(opts.RelayURL, "/"),
		http:         httpClient,
		accountQuery: encodeOnce([][2]string{{"account", creds.Account}, {"username", creds.Username}, {"password", creds.Password}, {"devid", creds.DeveloperID}}),
		deviceQuery:  encodeOnce([][2]string{{"deviceUsername", creds.DeviceUsername}, {"devicePassword", creds.DevicePassword}}),
		decoder:      Decoder{SkipMalformedHistory: opts.SkipMalformedHistory},
		sessions:     make(map[string]string),
	}

	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	if opts.Breaker {
		c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        "remote-api",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker %s: %s -> %s", name, from, to)
			},
		})
	}

	return c
}

// encodeOnce escapes key/value pairs in a fixed order
func encodeOnce(pairs [][2]string) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, url.QueryEscape(p[0])+"="+url.QueryEscape(p[1]))
	}
	return strings.Join(parts, "&")
}

// ListDevices returns every device of the account with its last change time
func (c *Client) ListDevices(ctx context.Context) (model.DeviceList, error) {
	body, err := c.get(ctx, "list devices", c.mailboxURL+"/getdevices", nil, false)
	if err != nil {
		return model.DeviceList{}, err
	}
	list, err := c.decoder.DecodeDeviceList(body)
	return list, c.wrap("list devices", err)
}

// GetDevice returns one device with the current value of all its tags
func (c *Client) GetDevice(ctx context.Context, id int64) (model.Device, error) {
	params := url.Values{}
	params.Set("id", strconv.FormatInt(id, 10))

	body, err := c.get(ctx, "get device", c.mailboxURL+"/getdevice", params, true)
	if err != nil {
		return model.Device{}, err
	}
	dev, err := c.decoder.DecodeDevice(body)
	return dev, c.wrap("get device", err)
}

// GetCurrentData returns the latest values, optionally narrowed by q
func (c *Client) GetCurrentData(ctx context.Context, q DataQuery) (model.SyncEnvelope, error) {
	params := url.Values{}
	if q.DeviceID != 0 {
		params.Set("deviceId", strconv.FormatInt(q.DeviceID, 10))
	}
	if q.TagID != 0 {
		params.Set("tagId", strconv.FormatInt(q.TagID, 10))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Since.IsZero() {
		params.Set("from", q.Since.UTC().Format(time.RFC3339))
	}

	body, err := c.get(ctx, "get data", c.mailboxURL+"/getdata", params, q.DeviceID != 0)
	if err != nil {
		return model.SyncEnvelope{}, err
	}
	env, err := c.decoder.DecodeSyncEnvelope(body, false)
	return env, c.wrap("get data", err)
}

// SyncTransactional fetches one page of historical data. A nil lastID asks
// the remote to create a new transaction; otherwise the page continues from
// the given transaction.
func (c *Client) SyncTransactional(ctx context.Context, lastID *int64) (model.SyncEnvelope, error) {
	params := url.Values{}
	params.Set("includeHistory", "true")
	if lastID == nil {
		params.Set("createTransaction", "true")
	} else {
		params.Set("lastTransactionId", strconv.FormatInt(*lastID, 10))
	}

	body, err := c.get(ctx, "sync data", c.mailboxURL+"/syncdata", params, false)
	if err != nil {
		return model.SyncEnvelope{}, err
	}
	env, err := c.decoder.DecodeSyncEnvelope(body, true)
	return env, c.wrap("sync data", err)
}

// Login opens a relay session and caches it for the relay server
func (c *Client) Login(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "login", c.relayURL+"/login", nil, false)
	if err != nil {
		return "", err
	}
	session, err := c.decoder.DecodeLogin(body)
	if err != nil {
		return "", c.wrap("login", err)
	}

	c.sessionMu.Lock()
	c.sessions[c.relayURL] = session
	c.sessionMu.Unlock()
	return session, nil
}

func (c *Client) session(ctx context.Context) (string, error) {
	c.sessionMu.Lock()
	session, ok := c.sessions[c.relayURL]
	c.sessionMu.Unlock()
	if ok {
		return session, nil
	}
	return c.Login(ctx)
}

func (c *Client) invalidateSession(session string) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.sessions[c.relayURL] == session {
		delete(c.sessions, c.relayURL)
	}
}

// WriteTagValues writes several tags of one device in a single relay call
func (c *Client) WriteTagValues(ctx context.Context, deviceName string, writes []model.TagWrite) (model.WriteResult, error) {
	if len(writes) == 0 {
		return model.WriteResult{Success: true}, nil
	}

	session, err := c.session(ctx)
	if err != nil {
		return model.WriteResult{}, err
	}

	params := url.Values{}
	for i, w := range writes {
		n := strconv.Itoa(i + 1)
		params.Set("TagName"+n, w.Name)
		params.Set("TagValue"+n, w.Value.String())
	}
	params.Set("session", session)

	endpoint := c.relayURL + "/get/" + url.PathEscape(deviceName) + "/rcgi.bin/UpdateTagForm"
	body, err := c.get(ctx, "write tags", endpoint, params, true)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) && (te.StatusCode == http.StatusUnauthorized || te.StatusCode == http.StatusForbidden) {
			c.invalidateSession(session)
			return model.WriteResult{}, &TransportError{Op: te.Op, StatusCode: te.StatusCode, Err: fmt.Errorf("%w: %v", ErrSessionRejected, te.Err)}
		}
		return model.WriteResult{}, err
	}

	result, err := c.decoder.DecodeWriteResult(body)
	if err != nil {
		var re *RemoteError
		if errors.As(err, &re) && (re.Code == http.StatusUnauthorized || re.Code == http.StatusForbidden) {
			c.invalidateSession(session)
			err = fmt.Errorf("%w: %v", ErrSessionRejected, re)
		}
		return result, c.wrap("write tags", err)
	}
	return result, nil
}

// wrap turns a remote rejection into a TransportError, decode errors pass
func (c *Client) wrap(op string, err error) error {
	if err == nil || IsDecode(err) || IsTransport(err) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

func (c *Client) get(ctx context.Context, op, endpoint string, params url.Values, withDevice bool) ([]byte, error) {
	query := c.accountQuery
	if withDevice {
		query += "&" + c.deviceQuery
	}
	if len(params) > 0 {
		query += "&" + params.Encode()
	}
	reqURL := endpoint + "?" + query

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: op, Err: err}
		}
	}

	do := func() ([]byte, error) { return c.do(ctx, op, reqURL) }
	if c.breaker == nil {
		return do()
	}

	body, err := c.breaker.Execute(do)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TransportError{Op: op, Err: err}
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, op, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(excerpt)))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	return body, nil
}
