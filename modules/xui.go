package modules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"vpnshop/models"

	"go.uber.org/zap"
)

var (
	ErrLoginFailed     = errors.New("panel login failed")
	ErrInboundNotFound = errors.New("inbound not found on panel")
	ErrPanelRejected   = errors.New("panel rejected request")
)

const clientFlow = "xtls-rprx-vision"

// XUIClient talks to 3x-ui panels. It keeps no per-host state; every Login
// returns a fresh Session.
type XUIClient struct {
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// Session is an authenticated connection to one host with its resolved
// inbound.
type Session struct {
	Host    models.Host
	Inbound *Inbound
	base    string
	http    *http.Client
}

type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

func NewXUIClient(timeout time.Duration, logger *zap.Logger) *XUIClient {
	return &XUIClient{timeout: timeout, logger: logger.Named("xui"), now: time.Now}
}

// WithClock replaces the time source used for expiry arithmetic.
func (c *XUIClient) WithClock(now func() time.Time) *XUIClient {
	c.now = now
	return c
}

// Login authenticates against host and resolves its configured inbound.
func (c *XUIClient) Login(ctx context.Context, host models.Host) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	s := &Session{
		Host: host,
		base: strings.TrimRight(host.URL, "/"),
		http: &http.Client{Timeout: c.timeout, Jar: jar},
	}

	form := url.Values{}
	form.Set("username", host.Username)
	form.Set("password", host.Password)
	if _, err := c.do(ctx, s, http.MethodPost, "/login", "application/x-www-form-urlencoded", strings.NewReader(form.Encode())); err != nil {
		return nil, fmt.Errorf("host %s: %w: %v", host.Name, ErrLoginFailed, err)
	}

	var inbounds []Inbound
	obj, err := c.do(ctx, s, http.MethodGet, "/panel/api/inbounds/list", "", nil)
	if err != nil {
		return nil, fmt.Errorf("host %s: list inbounds: %w", host.Name, err)
	}
	if err := json.Unmarshal(obj, &inbounds); err != nil {
		return nil, fmt.Errorf("host %s: decode inbounds: %w", host.Name, err)
	}
	for i := range inbounds {
		if inbounds[i].ID == host.InboundID {
			s.Inbound = &inbounds[i]
			return s, nil
		}
	}
	return nil, fmt.Errorf("host %s inbound %d: %w", host.Name, host.InboundID, ErrInboundNotFound)
}

func (c *XUIClient) inbound(ctx context.Context, s *Session) (*Inbound, error) {
	obj, err := c.do(ctx, s, http.MethodGet, fmt.Sprintf("/panel/api/inbounds/get/%d", s.Host.InboundID), "", nil)
	if err != nil {
		return nil, err
	}
	var inbound Inbound
	if err := json.Unmarshal(obj, &inbound); err != nil {
		return nil, fmt.Errorf("decode inbound: %w", err)
	}
	return &inbound, nil
}

// ListClients returns every client under the session's inbound keyed by
// email.
func (c *XUIClient) ListClients(ctx context.Context, s *Session) (map[string]RemoteClient, error) {
	inbound, err := c.inbound(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", s.Host.Name, err)
	}
	return inbound.Clients()
}

// UpsertClient creates the client for email or extends it. A client whose
// expiry is still ahead gets days added to it; otherwise the new expiry is
// counted from now.
func (c *XUIClient) UpsertClient(ctx context.Context, s *Session, email string, days int) (string, time.Time, error) {
	clients, err := c.ListClients(ctx, s)
	if err != nil {
		return "", time.Time{}, err
	}

	now := c.now()
	duration := time.Duration(days) * day
	existing, found := clients[email]

	newExpiry := now.Add(duration)
	if found && existing.Expiry().After(now) {
		newExpiry = existing.Expiry().Add(duration)
	}

	client := RemoteClient{
		ID:         NewClientID(),
		Flow:       clientFlow,
		Email:      email,
		ExpiryTime: newExpiry.UnixMilli(),
		Enable:     true,
	}
	path := "/panel/api/inbounds/addClient"
	if found {
		client = existing
		client.ExpiryTime = newExpiry.UnixMilli()
		client.Enable = true
		client.Reset = 0
		path = "/panel/api/inbounds/updateClient/" + url.PathEscape(existing.ID)
	}

	body, err := clientPayload(s.Host.InboundID, client)
	if err != nil {
		return "", time.Time{}, err
	}
	if _, err := c.do(ctx, s, http.MethodPost, path, "application/json", bytes.NewReader(body)); err != nil {
		return "", time.Time{}, fmt.Errorf("host %s: upsert client %s: %w", s.Host.Name, email, err)
	}

	c.logger.Info("client upserted",
		zap.String("host", s.Host.Name),
		zap.String("email", email),
		zap.Bool("existed", found),
		zap.Time("expiry", newExpiry))
	return client.ID, time.UnixMilli(client.ExpiryTime), nil
}

// DeleteClient removes the client for email. A client that is already gone
// counts as deleted.
func (c *XUIClient) DeleteClient(ctx context.Context, s *Session, email string) error {
	clients, err := c.ListClients(ctx, s)
	if err != nil {
		return err
	}
	client, ok := clients[email]
	if !ok {
		c.logger.Warn("client already absent", zap.String("host", s.Host.Name), zap.String("email", email))
		return nil
	}
	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", s.Host.InboundID, url.PathEscape(client.ID))
	if _, err := c.do(ctx, s, http.MethodPost, path, "", nil); err != nil {
		return fmt.Errorf("host %s: delete client %s: %w", s.Host.Name, email, err)
	}
	c.logger.Info("client deleted", zap.String("host", s.Host.Name), zap.String("email", email))
	return nil
}

// ConnectionString renders the link for clientID on the session's inbound.
func (c *XUIClient) ConnectionString(s *Session, clientID string) (string, error) {
	return ConnectionString(s.Inbound, clientID, s.Host.URL, s.Host.Name)
}

func clientPayload(inboundID int, client RemoteClient) ([]byte, error) {
	settings, err := json.Marshal(inboundSettings{Clients: []RemoteClient{client}})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"id":       inboundID,
		"settings": string(settings),
	})
}

func (c *XUIClient) do(ctx context.Context, s *Session, method, path, contentType string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %s", method, path, resp.Status)
	}

	var out apiResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if !out.Success {
		return nil, fmt.Errorf("%s %s: %w: %s", method, path, ErrPanelRejected, out.Msg)
	}
	return out.Obj, nil
}
