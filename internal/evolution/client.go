package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	listTimeout    = 20 * time.Second
	connectTimeout = 10 * time.Second
	logoutTimeout  = 15 * time.Second
	sendTimeout    = 15 * time.Second
)

// statusErrMessage is the generic user-facing text for a failed connect poll.
// Internal detail never leaks to the pairing page.
const statusErrMessage = "Could not reach the server. Check the connection and try again."

// Client calls the Evolution API server.
type Client struct {
	baseURL       string
	globalKey     string
	adminInstance string
	adminKey      string
	httpClient    *http.Client
	limiter       *rate.Limiter
}

// Options configures a Client.
type Options struct {
	// Domain of the Evolution server; "https://" is assumed when no scheme
	// is present.
	Domain string
	// GlobalKey authenticates the instance listing call.
	GlobalKey string
	// AdminInstance and AdminKey are the fixed sender identity for link
	// delivery. Optional; SendText fails cleanly when unset.
	AdminInstance string
	AdminKey      string
	// RPM limits outbound calls per minute. 0 disables limiting.
	RPM int
}

// NewClient builds a gateway client.
func NewClient(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.Domain), "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RPM)/60.0), opts.RPM)
	}

	return &Client{
		baseURL:       base,
		globalKey:     opts.GlobalKey,
		adminInstance: opts.AdminInstance,
		adminKey:      opts.AdminKey,
		httpClient:    &http.Client{Timeout: listTimeout},
		limiter:       limiter,
	}
}

// FetchInstances lists all instances on the server. Any failure logs and
// returns an empty slice — the loop treats that as "nothing to do this cycle".
func (c *Client) FetchInstances(ctx context.Context) []Instance {
	body, err := c.do(ctx, http.MethodGet, "/instance/fetchInstances", c.globalKey, nil, listTimeout)
	if err != nil {
		slog.Error("fetch instances failed", "error", err)
		return nil
	}

	rows, err := decodeInstanceRows(body)
	if err != nil {
		slog.Error("fetch instances: unexpected response shape", "error", err)
		return nil
	}

	out := make([]Instance, 0, len(rows))
	for _, row := range rows {
		if row.Name == "" || row.Token == "" {
			slog.Warn("instance row missing name or token, skipping", "name", row.Name)
			continue
		}
		out = append(out, Instance{
			Name:             row.Name,
			APIKey:           row.Token,
			RegisteredNumber: row.Number,
			OwnerJID:         row.OwnerJID,
			StatusHint:       strings.ToLower(row.ConnectionStatus),
		})
	}
	return out
}

type instanceRow struct {
	Name             string `json:"name"`
	Token            string `json:"token"`
	Number           string `json:"number"`
	OwnerJID         string `json:"ownerJid"`
	ConnectionStatus string `json:"connectionStatus"`
}

// decodeInstanceRows accepts either a bare JSON array or {"instances": [...]}.
func decodeInstanceRows(body []byte) ([]instanceRow, error) {
	var rows []instanceRow
	if err := json.Unmarshal(body, &rows); err == nil {
		return rows, nil
	}
	var wrapped struct {
		Instances []instanceRow `json:"instances"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode instance list: %w", err)
	}
	return wrapped.Instances, nil
}

// FetchStatus polls the connect endpoint for one instance and classifies the
// result. An explicit QR payload wins over any connected flag in the same
// body: the coarse status can lag the true device state, and a fresh QR means
// the customer still has pairing to do.
func (c *Client) FetchStatus(ctx context.Context, instance, apiKey string) QRStatus {
	body, err := c.do(ctx, http.MethodGet, "/instance/connect/"+instance, apiKey, nil, connectTimeout)
	if err != nil {
		slog.Warn("connect poll failed", "instance", instance, "error", err)
		return QRStatus{Kind: StatusError, Message: statusErrMessage}
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		slog.Warn("connect poll: malformed body", "instance", instance, "error", err)
		return QRStatus{Kind: StatusError, Message: statusErrMessage}
	}

	if code, format, ok := extractQR(raw); ok {
		return QRStatus{Kind: StatusQRCode, QRCode: code, QRFormat: format}
	}

	state := nestedStringField(raw, "instance", "state")
	rootStatus, _ := raw["status"].(string)
	rootStatus = strings.ToLower(rootStatus)
	if state == "open" || rootStatus == "open" || rootStatus == "connected" {
		return QRStatus{Kind: StatusConnected}
	}

	return QRStatus{Kind: StatusUnknown, Raw: json.RawMessage(body)}
}

// Logout forces the instance to unbind its device. Returns ok and a detail
// string for logging; never an error.
func (c *Client) Logout(ctx context.Context, instance, apiKey string) (bool, string) {
	body, err := c.do(ctx, http.MethodDelete, "/instance/logout/"+instance, apiKey, nil, logoutTimeout)
	if err != nil {
		return false, err.Error()
	}
	return true, strings.TrimSpace(string(body))
}

// SendText delivers text to number through the admin sender identity.
func (c *Client) SendText(ctx context.Context, number, text string) (bool, string) {
	if c.adminInstance == "" || c.adminKey == "" {
		return false, "admin sender identity not configured"
	}

	payload := map[string]interface{}{
		"linkPreview": true,
		"number":      number,
		"text":        text,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, err.Error()
	}

	body, err := c.do(ctx, http.MethodPost, "/message/sendText/"+c.adminInstance, c.adminKey, raw, sendTimeout)
	if err != nil {
		return false, err.Error()
	}
	return true, strings.TrimSpace(string(body))
}

// FetchProfile reads the bot's own profile via its instance key. Used by the
// pairing page to show who the customer is connecting to.
func (c *Client) FetchProfile(ctx context.Context, apiKey string) (Profile, error) {
	body, err := c.do(ctx, http.MethodGet, "/instance/fetchInstances", apiKey, nil, connectTimeout)
	if err != nil {
		return Profile{}, err
	}

	var rows []struct {
		Name          string `json:"name"`
		Number        string `json:"number"`
		ProfileName   string `json:"profileName"`
		ProfilePicURL string `json:"profilePicUrl"`
	}
	if err := json.Unmarshal(body, &rows); err != nil || len(rows) == 0 {
		return Profile{}, fmt.Errorf("empty or malformed profile list")
	}

	p := rows[0]
	name := p.ProfileName
	if name == "" {
		name = p.Name
	}
	return Profile{
		ProfileName:   name,
		Name:          name,
		Number:        p.Number,
		ProfilePicURL: p.ProfilePicURL,
	}, nil
}

// FetchImage streams an arbitrary image URL (profile photos live on WhatsApp's
// CDN, not the Evolution server). The caller must close the body.
func (c *Client) FetchImage(ctx context.Context, url string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create image request: %w", err)
	}
	client := &http.Client{Timeout: connectTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("image request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("image request status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return resp.Body, contentType, nil
}

// do performs one request against the Evolution server with the per-call
// timeout and the shared rate limit applied.
func (c *Client) do(ctx context.Context, method, path, apiKey string, body []byte, timeout time.Duration) ([]byte, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("evolution domain not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return respBody, nil
}

// nestedStringField reads raw[outer][inner] as a lower-cased string.
func nestedStringField(raw map[string]interface{}, outer, inner string) string {
	m, ok := raw[outer].(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := m[inner].(string)
	return strings.ToLower(s)
}
