// Package provision creates simulator devices against the ThingsBoard REST
// API and collects their access tokens. The simulator core consumes only
// the resulting name -> token map.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const requestTimeout = 15 * time.Second

// Error is the single failure type surfaced by provisioning operations.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provisioning failed: %s: %v", e.Reason, e.Err)
	}
	return "provisioning failed: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func failf(err error, format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Client is a minimal ThingsBoard tenant API client.
type Client struct {
	base     string
	user     string
	password string
	http     *http.Client
	token    string
}

// NewClient validates the credentials triple and builds a client.
func NewClient(base, user, password string) (*Client, error) {
	base = strings.TrimRight(base, "/")
	if base == "" || user == "" || password == "" {
		return nil, &Error{Reason: "TB_URL, TB_USERNAME and TB_PASSWORD are required"}
	}
	return &Client{
		base:     base,
		user:     user,
		password: password,
		http:     &http.Client{Timeout: requestTimeout},
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && resp.StatusCode == http.StatusOK && len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, err
		}
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, strings.TrimSpace(string(data)))
	}
	return resp.StatusCode, nil
}

// Login obtains a short-lived tenant JWT used by subsequent calls.
func (c *Client) Login(ctx context.Context) error {
	var result struct {
		Token string `json:"token"`
	}
	status, err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"username": c.user,
		"password": c.password,
	}, &result)
	if err != nil {
		return failf(err, "login against %s", c.base)
	}
	if status != http.StatusOK || result.Token == "" {
		return failf(nil, "login returned status %d without a JWT", status)
	}
	c.token = result.Token
	return nil
}

type profilePage struct {
	Data []struct {
		Default bool `json:"default"`
		ID      struct {
			ID string `json:"id"`
		} `json:"id"`
	} `json:"data"`
}

// DefaultProfile returns the tenant's default device profile id, or "" when
// none is marked default.
func (c *Client) DefaultProfile(ctx context.Context) (string, error) {
	for _, endpoint := range []string{"deviceProfileInfos", "deviceProfiles"} {
		var page profilePage
		status, err := c.do(ctx, http.MethodGet, "/api/"+endpoint+"?pageSize=100&page=0", nil, &page)
		if err != nil || status != http.StatusOK {
			continue
		}
		for _, item := range page.Data {
			if item.Default {
				return item.ID.ID, nil
			}
		}
	}
	return "", nil
}

type deviceBody struct {
	Name            string         `json:"name"`
	Label           string         `json:"label"`
	Type            string         `json:"type"`
	DeviceProfileID map[string]any `json:"deviceProfileId,omitempty"`
	ID              *struct {
		ID string `json:"id"`
	} `json:"id,omitempty"`
}

func (c *Client) lookupDevice(ctx context.Context, name string) (string, error) {
	var device deviceBody
	status, err := c.do(ctx, http.MethodGet, "/api/tenant/devices?deviceName="+url.QueryEscape(name), nil, &device)
	if err == nil && status == http.StatusOK && device.ID != nil {
		return device.ID.ID, nil
	}

	var page struct {
		Data []deviceBody `json:"data"`
	}
	status, err = c.do(ctx, http.MethodGet, "/api/tenant/devices?limit=100&page=0&textSearch="+url.QueryEscape(name), nil, &page)
	if err != nil || status != http.StatusOK {
		return "", err
	}
	for _, item := range page.Data {
		if item.Name == name && item.ID != nil {
			return item.ID.ID, nil
		}
	}
	return "", nil
}

// SaveDevice upserts a device by name and returns its id. A device that
// already exists is looked up instead of recreated.
func (c *Client) SaveDevice(ctx context.Context, name, label, devType, profileID string) (string, error) {
	body := deviceBody{Name: name, Label: label, Type: devType}
	if profileID != "" {
		body.DeviceProfileID = map[string]any{"id": profileID, "entityType": "DEVICE_PROFILE"}
	}
	var created deviceBody
	status, err := c.do(ctx, http.MethodPost, "/api/device", body, &created)
	if status == http.StatusOK && created.ID != nil {
		return created.ID.ID, nil
	}
	if status == http.StatusBadRequest && err != nil && strings.Contains(strings.ToLower(err.Error()), "already") {
		id, lookupErr := c.lookupDevice(ctx, name)
		if lookupErr == nil && id != "" {
			return id, nil
		}
	}
	return "", failf(err, "could not create or recover device %q", name)
}

// Token fetches the device's access token. Anything other than an
// ACCESS_TOKEN credential is an error.
func (c *Client) Token(ctx context.Context, deviceID string) (string, error) {
	var creds struct {
		CredentialsType string `json:"credentialsType"`
		CredentialsID   string `json:"credentialsId"`
	}
	status, err := c.do(ctx, http.MethodGet, "/api/device/"+deviceID+"/credentials", nil, &creds)
	if err != nil || status != http.StatusOK {
		return "", failf(err, "credentials for device %s returned status %d", deviceID, status)
	}
	if creds.CredentialsType != "ACCESS_TOKEN" {
		return "", failf(nil, "device %s credential is not an ACCESS_TOKEN", deviceID)
	}
	if creds.CredentialsID == "" {
		return "", failf(nil, "device %s has an empty credentialsId", deviceID)
	}
	return creds.CredentialsID, nil
}

// SetAttributes pushes server-scope attributes onto the device. Failures
// are non-fatal for provisioning and reported to the caller as a plain
// error.
func (c *Client) SetAttributes(ctx context.Context, deviceID string, attrs map[string]any) error {
	status, err := c.do(ctx, http.MethodPost, "/api/plugins/telemetry/DEVICE/"+deviceID+"/SERVER_SCOPE", attrs, nil)
	if err != nil || status != http.StatusOK {
		return fmt.Errorf("could not save attributes for %s (status %d): %w", deviceID, status, err)
	}
	return nil
}

// Fleet provisions count devices named prefix0..prefix{count-1} and returns
// the name -> token map.
func Fleet(ctx context.Context, c *Client, prefix string, count int, label, devType, profileID string) (map[string]string, error) {
	if err := c.Login(ctx); err != nil {
		return nil, err
	}
	if profileID == "" {
		id, err := c.DefaultProfile(ctx)
		if err == nil {
			profileID = id
		}
	}

	tokens := make(map[string]string, count)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("%s%d", prefix, i)
		deviceID, err := c.SaveDevice(ctx, name, label, devType, profileID)
		if err != nil {
			return nil, err
		}
		token, err := c.Token(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		tokens[name] = token
		if err := c.SetAttributes(ctx, deviceID, map[string]any{
			"batch": label,
			"group": devType,
			"index": i,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] %v\n", err)
		}
	}
	return tokens, nil
}

// WriteTokensFile persists the token map as the JSON store the simulator
// loads at startup.
func WriteTokensFile(path string, tokens map[string]string) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
