package modules

import (
	"context"
	"strings"
	"testing"
	"time"

	"vpnshop/models"
	"vpnshop/modules/xuitest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPanel(t *testing.T, clients ...xuitest.Client) (*xuitest.Server, models.Host) {
	t.Helper()
	panel := xuitest.NewServer(t, clients...)
	host := models.Host{Name: "H1", URL: panel.URL, Username: xuitest.Username, Password: xuitest.Password, InboundID: xuitest.InboundID}
	return panel, host
}

func newTestClient(now time.Time) *XUIClient {
	return NewXUIClient(5*time.Second, zap.NewNop()).WithClock(func() time.Time { return now })
}

func TestLogin_ResolvesInbound(t *testing.T) {
	_, host := newTestPanel(t)
	s, err := newTestClient(time.Now()).Login(context.Background(), host)
	require.NoError(t, err)
	require.NotNil(t, s.Inbound)
	assert.Equal(t, xuitest.InboundID, s.Inbound.ID)
	assert.Equal(t, xuitest.Port, s.Inbound.Port)
}

func TestLogin_Failures(t *testing.T) {
	panel, host := newTestPanel(t)
	c := newTestClient(time.Now())

	bad := host
	bad.Password = "wrong"
	_, err := c.Login(context.Background(), bad)
	assert.ErrorIs(t, err, ErrLoginFailed)

	missing := host
	missing.InboundID = 7
	_, err = c.Login(context.Background(), missing)
	assert.ErrorIs(t, err, ErrInboundNotFound)

	panel.SetDown(true)
	_, err = c.Login(context.Background(), host)
	assert.Error(t, err)
}

func TestUpsertClient_NewClient(t *testing.T) {
	panel, host := newTestPanel(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := newTestClient(now)
	ctx := context.Background()

	s, err := c.Login(ctx, host)
	require.NoError(t, err)

	id, expiry, err := c.UpsertClient(ctx, s, "user1-key1@H1", 30)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, expiry.Equal(now.Add(30*day)))

	remote := panel.Clients()["user1-key1@H1"]
	assert.Equal(t, id, remote.ID)
	assert.Equal(t, "xtls-rprx-vision", remote.Flow)
	assert.True(t, remote.Enable)
	assert.Equal(t, expiry.UnixMilli(), remote.ExpiryTime)
}

func TestUpsertClient_ExtendsActiveClient(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	current := now.Add(10 * day)
	panel, host := newTestPanel(t, xuitest.Client{ID: "keep-me", Email: "user1-key1@H1", ExpiryTime: current.UnixMilli(), Reset: 30})
	c := newTestClient(now)
	ctx := context.Background()

	s, err := c.Login(ctx, host)
	require.NoError(t, err)

	id, expiry, err := c.UpsertClient(ctx, s, "user1-key1@H1", 30)
	require.NoError(t, err)
	assert.Equal(t, "keep-me", id)
	assert.True(t, expiry.Equal(current.Add(30*day)))

	remote := panel.Clients()["user1-key1@H1"]
	assert.True(t, remote.Enable)
	assert.Equal(t, 0, remote.Reset)
	assert.Equal(t, current.Add(30*day).UnixMilli(), remote.ExpiryTime)
}

func TestUpsertClient_ResetsExpiredClient(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	_, host := newTestPanel(t, xuitest.Client{ID: "old", Email: "user1-key1@H1", ExpiryTime: now.Add(-40 * day).UnixMilli()})
	c := newTestClient(now)
	ctx := context.Background()

	s, err := c.Login(ctx, host)
	require.NoError(t, err)

	_, expiry, err := c.UpsertClient(ctx, s, "user1-key1@H1", 3)
	require.NoError(t, err)
	assert.True(t, expiry.Equal(now.Add(3*day)), "overdue time is discarded")

	_, expiry, err = c.UpsertClient(ctx, s, "user1-key1@H1", 3)
	require.NoError(t, err)
	assert.True(t, expiry.Equal(now.Add(6*day)), "second call extends the now active client")
}

func TestDeleteClient_IsIdempotent(t *testing.T) {
	panel, host := newTestPanel(t, xuitest.Client{ID: "a", Email: "user1-key1@H1"})
	c := newTestClient(time.Now())
	ctx := context.Background()

	s, err := c.Login(ctx, host)
	require.NoError(t, err)

	require.NoError(t, c.DeleteClient(ctx, s, "user1-key1@H1"))
	require.NoError(t, c.DeleteClient(ctx, s, "user1-key1@H1"))
	assert.Empty(t, panel.Clients())
	assert.Equal(t, 1, panel.Deletes())
}

func TestListClients(t *testing.T) {
	_, host := newTestPanel(t,
		xuitest.Client{ID: "a", Email: "user1-key1@H1", ExpiryTime: 2000},
		xuitest.Client{ID: "b", Email: "user2-key1@H1", ExpiryTime: 500, Reset: 1})
	c := newTestClient(time.Now())
	ctx := context.Background()

	s, err := c.Login(ctx, host)
	require.NoError(t, err)
	clients, err := c.ListClients(ctx, s)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, int64(2000), clients["user1-key1@H1"].ExpiryTime)
	assert.True(t, clients["user2-key1@H1"].EffectiveExpiry().Equal(time.UnixMilli(500).Add(day)))
}

func TestSessionConnectionString(t *testing.T) {
	_, host := newTestPanel(t)
	c := newTestClient(time.Now())
	s, err := c.Login(context.Background(), host)
	require.NoError(t, err)

	link, err := c.ConnectionString(s, "client-uuid")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, "vless://client-uuid@127.0.0.1:443?"))
	assert.Contains(t, link, "fp=firefox")
	assert.True(t, strings.HasSuffix(link, "#H1"))
}
