package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"vpnshop/config"
	"vpnshop/models"
	"vpnshop/payment"
	"vpnshop/provision"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"
)

type Config struct {
	AdminID int64
	Token   string
	Plans   []config.Plan

	// APIURL overrides the Bot API endpoint.
	APIURL string
	// Offline skips the getMe round trip when the bot is created.
	Offline bool
	// Synchronous runs handlers on the polling goroutine.
	Synchronous bool
}

type Store interface {
	RegisterUser(ctx context.Context, telegramID int64, username string) error
	GetUser(ctx context.Context, telegramID int64) (*models.User, error)
	SetTermsAgreed(ctx context.Context, telegramID int64) error
	SetBanned(ctx context.Context, telegramID int64, banned bool) error
	UserKeys(ctx context.Context, userID int64) ([]models.Key, error)
	GetKey(ctx context.Context, id uint) (*models.Key, error)
	AllHosts(ctx context.Context) ([]models.Host, error)
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

type Provisioner interface {
	ClaimTrial(ctx context.Context, userID int64, hostName string) (*provision.Result, error)
	ProcessPayment(ctx context.Context, p payment.Completed) (*provision.Result, error)
	GetLiveConnectionDetails(ctx context.Context, key models.Key) (string, error)
	RevokeKey(ctx context.Context, email string) error
}

type AuthFailLogger interface {
	LogAuthFail(message string) error
}

const handlerTimeout = 2 * time.Minute

// Controller owns the telegram bot and its polling lifecycle. It is the
// messaging front-end the scheduler and the payment webhook talk to.
type Controller struct {
	cfg       Config
	store     Store
	provision Provisioner
	authLog   AuthFailLogger
	logger    *zap.Logger
	now       func() time.Time

	bot *telebot.Bot

	lifecycle sync.Mutex
	running   atomic.Bool
	done      chan struct{}
}

func New(cfg Config, st Store, prov Provisioner, authLog AuthFailLogger, logger *zap.Logger) (*Controller, error) {
	c := &Controller{
		cfg:       cfg,
		store:     st,
		provision: prov,
		authLog:   authLog,
		logger:    logger.Named("bot"),
		now:       time.Now,
	}

	pref := telebot.Settings{
		URL:         cfg.APIURL,
		Token:       cfg.Token,
		Poller:      &telebot.LongPoller{Timeout: 10 * time.Second},
		Offline:     cfg.Offline,
		Synchronous: cfg.Synchronous,
		OnError: func(err error, ctx telebot.Context) {
			c.logger.Error("telebot error", zap.Error(err))
		},
	}
	b, err := telebot.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("create telebot: %w", err)
	}
	c.bot = b
	c.registerHandlers()
	return c, nil
}

// Start begins long polling in the background. It reports false if the bot
// is already running.
func (c *Controller) Start() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.running.Load() {
		return false
	}
	done := make(chan struct{})
	c.done = done
	go func() {
		defer close(done)
		c.bot.Start()
	}()
	c.running.Store(true)
	c.logger.Info("bot polling started")
	return true
}

// Stop halts polling and waits for the poller to exit.
func (c *Controller) Stop() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.running.Load() {
		return false
	}
	c.running.Store(false)
	c.bot.Stop()
	<-c.done
	c.logger.Info("bot polling stopped")
	return true
}

func (c *Controller) Active() bool {
	return c.running.Load()
}

// SendExpiryNotice messages userID about keyID expiring. It does nothing while
// the bot is stopped.
func (c *Controller) SendExpiryNotice(_ context.Context, userID int64, keyID uint, hours int, expiry time.Time) error {
	if !c.Active() {
		return nil
	}
	if _, err := c.bot.Send(telebot.ChatID(userID), expiryNoticeText(hours, expiry)); err != nil {
		return fmt.Errorf("notify user %d about key %d: %w", userID, keyID, err)
	}
	c.logger.Info("expiry notice sent", zap.Int64("user_id", userID), zap.Uint("key_id", keyID), zap.Int("hours", hours))
	return nil
}

// HandlePayment provisions a completed payment and tells the buyer the
// result. The invoice message it points at, if any, is removed first. A key
// that was saved without a link is still reported to the buyer.
func (c *Controller) HandlePayment(ctx context.Context, p payment.Completed) error {
	if p.ChatID != 0 && p.MessageID != 0 {
		invoice := &telebot.StoredMessage{ChatID: p.ChatID, MessageID: strconv.Itoa(p.MessageID)}
		if err := c.bot.Delete(invoice); err != nil {
			c.logger.Debug("invoice message not deleted", zap.Int64("chat_id", p.ChatID), zap.Error(err))
		}
	}

	res, err := c.provision.ProcessPayment(ctx, p)
	if res == nil {
		c.notify(p.UserID, failureText(err))
		return err
	}
	c.notify(p.UserID, keyText(res, paymentHeadline(p, res.Created)))
	return err
}

func (c *Controller) notify(userID int64, text string) {
	if _, err := c.bot.Send(telebot.ChatID(userID), text, telebot.NoPreview); err != nil {
		c.logger.Error("send message", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (c *Controller) isBanned(ctx context.Context, userID int64) bool {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return false
	}
	return user.IsBanned
}

func (c *Controller) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

var errNoSender = errors.New("update has no sender")
