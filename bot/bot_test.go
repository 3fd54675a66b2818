package bot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"vpnshop/config"
	"vpnshop/models"
	"vpnshop/payment"
	"vpnshop/provision"
	"vpnshop/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/telebot.v3"
)

const adminID = 1000

type sent struct {
	Method string
	ChatID string
	Text   string
}

// fakeAPI answers Bot API calls and records them.
type fakeAPI struct {
	mu    sync.Mutex
	calls []sent
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	var params map[string]any
	_ = json.NewDecoder(r.Body).Decode(&params)
	chatID, _ := params["chat_id"].(string)
	text, _ := params["text"].(string)

	f.mu.Lock()
	f.calls = append(f.calls, sent{Method: method, ChatID: chatID, Text: text})
	f.mu.Unlock()

	if method == "sendMessage" {
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"},"text":"ok"}}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
}

func (f *fakeAPI) Calls() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.calls...)
}

func (f *fakeAPI) Last(t *testing.T) sent {
	t.Helper()
	calls := f.Calls()
	require.NotEmpty(t, calls)
	return calls[len(calls)-1]
}

type fakeProvisioner struct {
	result  *provision.Result
	err     error
	link    string
	trials  []string
	revoked []string
}

func (p *fakeProvisioner) ClaimTrial(_ context.Context, _ int64, hostName string) (*provision.Result, error) {
	p.trials = append(p.trials, hostName)
	return p.result, p.err
}

func (p *fakeProvisioner) ProcessPayment(context.Context, payment.Completed) (*provision.Result, error) {
	return p.result, p.err
}

func (p *fakeProvisioner) GetLiveConnectionDetails(context.Context, models.Key) (string, error) {
	return p.link, p.err
}

func (p *fakeProvisioner) RevokeKey(_ context.Context, email string) error {
	p.revoked = append(p.revoked, email)
	return p.err
}

type memAuthLog struct{ messages []string }

func (l *memAuthLog) LogAuthFail(message string) error {
	l.messages = append(l.messages, message)
	return nil
}

type fixture struct {
	c       *Controller
	api     *fakeAPI
	store   *store.Store
	prov    *fakeProvisioner
	authLog *memAuthLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SeedSettings(context.Background(), store.DefaultSettings))

	prov := &fakeProvisioner{}
	authLog := &memAuthLog{}
	c, err := New(Config{
		AdminID:     adminID,
		Token:       "test-token",
		Plans:       []config.Plan{{ID: "buy_1_month", Title: "1 month", Months: 1, Price: 50}},
		APIURL:      srv.URL,
		Offline:     true,
		Synchronous: true,
	}, st, prov, authLog, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &fixture{c: c, api: api, store: st, prov: prov, authLog: authLog}
}

func (f *fixture) command(userID int64, text string) {
	f.c.bot.ProcessUpdate(telebot.Update{Message: &telebot.Message{
		ID:     1,
		Sender: &telebot.User{ID: userID, Username: "u"},
		Chat:   &telebot.Chat{ID: userID, Type: telebot.ChatPrivate},
		Text:   text,
	}})
}

func (f *fixture) member(t *testing.T, userID int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.RegisterUser(ctx, userID, "u"))
	require.NoError(t, f.store.SetTermsAgreed(ctx, userID))
}

func TestStart_AsksForTermsThenWelcomes(t *testing.T) {
	f := newFixture(t)

	f.command(5, "/start")
	assert.Contains(t, f.api.Last(t).Text, "/terms")

	f.command(5, "/terms")
	assert.Contains(t, f.api.Last(t).Text, "Thank you")

	f.command(5, "/start")
	assert.Contains(t, f.api.Last(t).Text, store.DefaultSettings["about_text"])

	user, err := f.store.GetUser(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, user.AgreedToTerms)
}

func TestTrial_RequiresTerms(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.RegisterUser(context.Background(), 5, "u"))

	f.command(5, "/trial H1")
	assert.Contains(t, f.api.Last(t).Text, "/terms")
	assert.Empty(t, f.prov.trials)
}

func TestTrial_SingleHostIsPicked(t *testing.T) {
	f := newFixture(t)
	f.member(t, 5)
	require.NoError(t, f.store.UpsertHost(context.Background(), models.Host{Name: "H1", URL: "http://h1", InboundID: 1}))
	f.prov.result = &provision.Result{HostName: "H1", Expiry: time.Now().Add(72 * time.Hour), ConnectionString: "vless://abc"}

	f.command(5, "/trial")
	require.Equal(t, []string{"H1"}, f.prov.trials)
	last := f.api.Last(t)
	assert.Equal(t, "5", last.ChatID)
	assert.Contains(t, last.Text, "vless://abc")
}

func TestTrial_AlreadyUsed(t *testing.T) {
	f := newFixture(t)
	f.member(t, 5)
	f.prov.err = provision.ErrTrialUsed

	f.command(5, "/trial H1")
	assert.Contains(t, f.api.Last(t).Text, "already used")
}

func TestKey_OnlyOwnKeys(t *testing.T) {
	f := newFixture(t)
	f.member(t, 5)
	ctx := context.Background()
	other := &models.Key{UserID: 6, HostName: "H1", ClientUUID: "x", Email: "user6-key1@H1", ExpiryDate: time.Now().Add(time.Hour)}
	require.NoError(t, f.store.AddKey(ctx, other))
	mine := &models.Key{UserID: 5, HostName: "H1", ClientUUID: "y", Email: "user5-key1@H1", ExpiryDate: time.Now().Add(time.Hour)}
	require.NoError(t, f.store.AddKey(ctx, mine))
	f.prov.link = "vless://mine"

	f.command(5, "/key "+itoa(other.ID))
	assert.Contains(t, f.api.Last(t).Text, "Key not found")

	f.command(5, "/key "+itoa(mine.ID))
	assert.Contains(t, f.api.Last(t).Text, "vless://mine")

	f.command(5, "/keys")
	assert.Contains(t, f.api.Last(t).Text, "#"+itoa(mine.ID))
	assert.NotContains(t, f.api.Last(t).Text, "#"+itoa(other.ID)+" ")
}

func TestAdminCommands_RejectOthers(t *testing.T) {
	f := newFixture(t)
	f.member(t, 5)

	f.command(5, "/ban 6")
	assert.Equal(t, "Access denied.", f.api.Last(t).Text)
	require.Len(t, f.authLog.messages, 1)
	assert.Contains(t, f.authLog.messages[0], "user 5")
}

func TestBanAndUnban(t *testing.T) {
	f := newFixture(t)
	f.member(t, 5)

	f.command(adminID, "/ban 5")
	assert.Contains(t, f.api.Last(t).Text, "blocked")

	f.command(5, "/profile")
	assert.Contains(t, f.api.Last(t).Text, "Your account is blocked")

	f.command(adminID, "/unban 5")
	f.command(5, "/profile")
	assert.Contains(t, f.api.Last(t).Text, "Profile")

	f.command(adminID, "/ban 404")
	assert.Equal(t, "User not found.", f.api.Last(t).Text)
}

func TestSettingAndDelKey(t *testing.T) {
	f := newFixture(t)

	f.command(adminID, "/setting about_text Fast and private VPN")
	value, err := f.store.GetSetting(context.Background(), "about_text")
	require.NoError(t, err)
	assert.Equal(t, "Fast and private VPN", value)

	f.command(adminID, "/delkey user5-key1@H1")
	assert.Equal(t, []string{"user5-key1@H1"}, f.prov.revoked)
	assert.Contains(t, f.api.Last(t).Text, "deleted")
}

func TestSendExpiryNotice_NoOpWhileStopped(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.c.Active())

	require.NoError(t, f.c.SendExpiryNotice(context.Background(), 5, 1, 24, time.Now()))
	assert.Empty(t, f.api.Calls())

	f.c.running.Store(true)
	require.NoError(t, f.c.SendExpiryNotice(context.Background(), 5, 1, 72, time.Now()))
	last := f.api.Last(t)
	assert.Equal(t, "5", last.ChatID)
	assert.Contains(t, last.Text, "3 days")
}

func TestHandlePayment(t *testing.T) {
	f := newFixture(t)
	f.prov.result = &provision.Result{HostName: "H1", Expiry: time.Now().Add(30 * 24 * time.Hour), ConnectionString: "vless://paid", Created: true}

	p := payment.Completed{Provider: payment.ProviderYooKassa, UserID: 5, HostName: "H1", Action: payment.ActionNew, Months: 1, ChatID: 5, MessageID: 77}
	require.NoError(t, f.c.HandlePayment(context.Background(), p))

	calls := f.api.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "deleteMessage", calls[0].Method)
	assert.Equal(t, "sendMessage", calls[1].Method)
	assert.Contains(t, calls[1].Text, "vless://paid")
	assert.Contains(t, calls[1].Text, "new key")
}

func TestHandlePayment_Failure(t *testing.T) {
	f := newFixture(t)
	f.prov.err = provision.ErrPanelUnavailable

	err := f.c.HandlePayment(context.Background(), payment.Completed{UserID: 5})
	assert.ErrorIs(t, err, provision.ErrPanelUnavailable)
	assert.Contains(t, f.api.Last(t).Text, "try again later")
}

func TestHandlePayment_KeySavedWithoutLink(t *testing.T) {
	f := newFixture(t)
	f.prov.result = &provision.Result{KeyID: 7, HostName: "H1", Expiry: time.Now().Add(30 * 24 * time.Hour), Created: true}
	f.prov.err = provision.ErrConfigIncomplete

	err := f.c.HandlePayment(context.Background(), payment.Completed{UserID: 5, Months: 1, Action: payment.ActionNew})
	assert.ErrorIs(t, err, provision.ErrConfigIncomplete)
	last := f.api.Last(t)
	assert.Contains(t, last.Text, "Payment received")
	assert.Contains(t, last.Text, "/key 7")
}

func TestStopWithoutStart(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.c.Stop())
}

func TestFormatTimeLeft(t *testing.T) {
	tests := map[int]string{1: "1 hour", 5: "5 hours", 24: "1 day", 48: "2 days", 72: "3 days", 30: "1 day"}
	for hours, want := range tests {
		assert.Equal(t, want, formatTimeLeft(hours), "hours=%d", hours)
	}
}

func TestFailureText(t *testing.T) {
	assert.Contains(t, failureText(provision.ErrTrialUsed), "trial")
	assert.Contains(t, failureText(provision.ErrHostNotFound), "not available")
	assert.Contains(t, failureText(provision.ErrHostMismatch), "another server")
	assert.Contains(t, failureText(errors.New("boom")), "contact support")
}

func TestKeysText(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	text := keysText([]models.Key{
		{ID: 1, HostName: "H1", ExpiryDate: now.Add(time.Hour)},
		{ID: 2, HostName: "H2", ExpiryDate: now.Add(-time.Hour)},
	}, now)
	assert.Contains(t, text, "#1  H1  until 10.01.2026 01:00 (active)")
	assert.Contains(t, text, "#2  H2  until 09.01.2026 23:00 (expired)")
	assert.Equal(t, "You have no keys yet.", keysText(nil, now))
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
