package ari

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNotFound is returned when the control plane reports 404 for a resource
// (channel gone, variable unset, recording not yet available).
var ErrNotFound = errors.New("ari: not found")

// Client issues REST commands against the control plane's ARI interface.
type Client struct {
	baseURL  string
	username string
	password string
	httpc    *http.Client
}

// ClientConfig configures a command client.
type ClientConfig struct {
	// BaseURL is the ARI root, for example "http://pbx:8088/ari".
	BaseURL  string
	Username string
	Password string

	// ConnectTimeout bounds dialing the control plane. Zero means 5s.
	ConnectTimeout time.Duration
	// RequestTimeout bounds individual commands that are not otherwise
	// bounded by a caller context. Zero means 15s.
	RequestTimeout time.Duration
}

// NewClient builds a command client with a transport tuned for many small
// requests against a single host.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ari: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("ari: parse base URL: %w", err)
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		username: cfg.Username,
		password: cfg.Password,
		httpc: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Channels lists all currently active channels.
func (c *Client) Channels(ctx context.Context) ([]Channel, error) {
	var out []Channel
	if err := c.getJSON(ctx, "/channels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Channel fetches a single channel descriptor.
func (c *Client) Channel(ctx context.Context, channelID string) (Channel, error) {
	var out Channel
	if err := c.getJSON(ctx, "/channels/"+url.PathEscape(channelID), nil, &out); err != nil {
		return Channel{}, err
	}
	return out, nil
}

// ChannelVariable reads a channel variable. Returns "" without error when the
// variable is unset or the channel does not expose it.
func (c *Client) ChannelVariable(ctx context.Context, channelID, name string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	q := url.Values{"variable": {name}}
	err := c.getJSON(ctx, "/channels/"+url.PathEscape(channelID)+"/variable", q, &out)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return out.Value, nil
}

// SetChannelVariable writes a channel variable.
func (c *Client) SetChannelVariable(ctx context.Context, channelID, name, value string) error {
	q := url.Values{"variable": {name}, "value": {value}}
	return c.post(ctx, "/channels/"+url.PathEscape(channelID)+"/variable", q, nil)
}

// Bridges lists all active bridges.
func (c *Client) Bridges(ctx context.Context) ([]Bridge, error) {
	var out []Bridge
	if err := c.getJSON(ctx, "/bridges", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Bridge fetches a single bridge descriptor.
func (c *Client) Bridge(ctx context.Context, bridgeID string) (Bridge, error) {
	var out Bridge
	if err := c.getJSON(ctx, "/bridges/"+url.PathEscape(bridgeID), nil, &out); err != nil {
		return Bridge{}, err
	}
	return out, nil
}

// ChannelBridge returns the bridge containing the channel, or ErrNotFound if
// the channel is not bridged. ARI has no direct lookup, so this scans bridges.
func (c *Client) ChannelBridge(ctx context.Context, channelID string) (Bridge, error) {
	bridges, err := c.Bridges(ctx)
	if err != nil {
		return Bridge{}, err
	}
	for _, b := range bridges {
		for _, ch := range b.Channels {
			if ch == channelID {
				return b, nil
			}
		}
	}
	return Bridge{}, ErrNotFound
}

// SnoopOptions configures a snoop channel. Spy selects which audio
// directions the snoop receives; Whisper selects what it can inject.
type SnoopOptions struct {
	App     string
	Spy     string // "none", "both", "out", "in"
	Whisper string // "none", "both", "out", "in"
}

// CreateSnoop starts a passive monitoring channel on target. The snoop enters
// the given Stasis application and can be recorded like any owned channel.
func (c *Client) CreateSnoop(ctx context.Context, channelID string, opts SnoopOptions) (string, error) {
	spy := opts.Spy
	if spy == "" {
		spy = "both"
	}
	whisper := opts.Whisper
	if whisper == "" {
		whisper = "none"
	}
	q := url.Values{
		"app":     {opts.App},
		"spy":     {spy},
		"whisper": {whisper},
	}
	var out Channel
	if err := c.post(ctx, "/channels/"+url.PathEscape(channelID)+"/snoop", q, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("ari: snoop response missing channel id")
	}
	return out.ID, nil
}

// StartRecording begins recording a channel into a named live recording.
// The control plane answers 200 or 201 depending on whether the recording
// starts immediately or is queued.
func (c *Client) StartRecording(ctx context.Context, channelID, name, format string) error {
	if format == "" {
		format = "wav"
	}
	q := url.Values{
		"name":               {name},
		"format":             {format},
		"maxDurationSeconds": {"0"},
		"maxSilenceSeconds":  {"0"},
		"ifExists":           {"overwrite"},
		"beep":               {"false"},
		"terminateOn":        {"#"},
	}
	return c.post(ctx, "/channels/"+url.PathEscape(channelID)+"/record", q, nil)
}

// StopRecording stops a named live recording.
func (c *Client) StopRecording(ctx context.Context, name string) error {
	return c.post(ctx, "/recordings/live/"+url.PathEscape(name)+"/stop", nil, nil)
}

// RecordingState fetches the state of a live recording.
func (c *Client) RecordingState(ctx context.Context, name string) (LiveRecording, error) {
	var out LiveRecording
	if err := c.getJSON(ctx, "/recordings/live/"+url.PathEscape(name), nil, &out); err != nil {
		return LiveRecording{}, err
	}
	return out, nil
}

// LiveRecordingBytes reads the bytes captured so far for a live recording.
// ErrNotFound means the recording has no data yet; callers poll again.
func (c *Client) LiveRecordingBytes(ctx context.Context, name string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/recordings/live/"+url.PathEscape(name)+"/file", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ari: live recording %s: %w", name, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("ari: read live recording %s: %w", name, err)
		}
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, statusError(resp)
	}
}

// ContinueToDialplan sends the channel back to the dialplan at the given
// context/extension. This is the conference-move primitive: continuing into
// the MeetMe extension places the channel in that conference.
func (c *Client) ContinueToDialplan(ctx context.Context, channelID, dpContext, exten string, priority int) error {
	q := url.Values{}
	if dpContext != "" {
		q.Set("context", dpContext)
	}
	if exten != "" {
		q.Set("extension", exten)
	}
	if priority > 0 {
		q.Set("priority", strconv.Itoa(priority))
	}
	return c.post(ctx, "/channels/"+url.PathEscape(channelID)+"/continue", q, nil)
}

// CreateBridge creates an application-owned mixing bridge.
func (c *Client) CreateBridge(ctx context.Context, bridgeType string) (string, error) {
	if bridgeType == "" {
		bridgeType = "mixing"
	}
	var out Bridge
	if err := c.post(ctx, "/bridges", url.Values{"type": {bridgeType}}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// AddChannelToBridge places a channel into an application-owned bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	return c.post(ctx, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil)
}

// Originate dials a new channel to endpoint and drops it into the Stasis app.
func (c *Client) Originate(ctx context.Context, endpoint, app string, timeout time.Duration) (string, error) {
	secs := int(timeout / time.Second)
	if secs <= 0 {
		secs = 30
	}
	q := url.Values{
		"endpoint": {endpoint},
		"app":      {app},
		"timeout":  {strconv.Itoa(secs)},
	}
	var out Channel
	if err := c.post(ctx, "/channels", q, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Hangup terminates a channel. Used for releasing snoop channels; a 404 is
// treated as already gone.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("ari: hangup %s: %w", channelID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode/100 == 2 {
		return nil
	}
	return statusError(resp)
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values) (*http.Request, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("ari: build request %s %s: %w", method, path, err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, q)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, q url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, q)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("ari: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("ari: %s %s: %w", req.Method, req.URL.Path, ErrNotFound)
	}
	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("ari: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("ari: %s %s: status %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, string(body))
}
