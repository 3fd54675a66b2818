package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"vpnshop/models"
	"vpnshop/provision"
	"vpnshop/store"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"
)

func (c *Controller) registerHandlers() {
	c.bot.Use(c.blockBanned)

	c.bot.Handle("/start", c.onStart)
	c.bot.Handle("/terms", c.onTerms)
	c.bot.Handle("/plans", c.onPlans)
	c.bot.Handle("/trial", c.onTrial)
	c.bot.Handle("/keys", c.onKeys)
	c.bot.Handle("/key", c.onKey)
	c.bot.Handle("/profile", c.onProfile)

	admin := c.bot.Group()
	admin.Use(c.adminOnly)
	admin.Handle("/hosts", c.onHosts)
	admin.Handle("/setting", c.onSetting)
	admin.Handle("/ban", c.onBan(true))
	admin.Handle("/unban", c.onBan(false))
	admin.Handle("/delkey", c.onDelKey)
}

func (c *Controller) blockBanned(next telebot.HandlerFunc) telebot.HandlerFunc {
	return func(tc telebot.Context) error {
		sender := tc.Sender()
		if sender == nil || sender.ID == c.cfg.AdminID {
			return next(tc)
		}
		ctx, cancel := c.requestContext()
		defer cancel()
		if c.isBanned(ctx, sender.ID) {
			return tc.Send("⛔ Your account is blocked.")
		}
		return next(tc)
	}
}

func (c *Controller) adminOnly(next telebot.HandlerFunc) telebot.HandlerFunc {
	return func(tc telebot.Context) error {
		sender := tc.Sender()
		if sender != nil && sender.ID == c.cfg.AdminID {
			return next(tc)
		}
		id := int64(0)
		if sender != nil {
			id = sender.ID
		}
		if err := c.authLog.LogAuthFail(fmt.Sprintf("admin command %q from user %d", tc.Text(), id)); err != nil {
			c.logger.Warn("auth log write failed", zap.Error(err))
		}
		return tc.Send("Access denied.")
	}
}

func (c *Controller) onStart(tc telebot.Context) error {
	sender := tc.Sender()
	if sender == nil {
		return errNoSender
	}
	ctx, cancel := c.requestContext()
	defer cancel()

	if err := c.store.RegisterUser(ctx, sender.ID, sender.Username); err != nil {
		c.logger.Error("register user", zap.Int64("user_id", sender.ID), zap.Error(err))
		return tc.Send(failureText(err))
	}
	user, err := c.store.GetUser(ctx, sender.ID)
	if err != nil {
		return tc.Send(failureText(err))
	}
	if !user.AgreedToTerms {
		return tc.Send(c.termsText(), telebot.NoPreview)
	}
	about, _ := c.store.GetSetting(ctx, "about_text")
	return tc.Send(about + "\n\n/plans /trial /keys /profile")
}

func (c *Controller) termsText() string {
	ctx, cancel := c.requestContext()
	defer cancel()
	terms, _ := c.store.GetSetting(ctx, "terms_url")
	privacy, _ := c.store.GetSetting(ctx, "privacy_url")
	return fmt.Sprintf("Before you start, read the terms of service (%s) and the privacy policy (%s).\n\nSend /terms to accept them.", terms, privacy)
}

func (c *Controller) onTerms(tc telebot.Context) error {
	sender := tc.Sender()
	if sender == nil {
		return errNoSender
	}
	ctx, cancel := c.requestContext()
	defer cancel()
	if err := c.store.SetTermsAgreed(ctx, sender.ID); err != nil {
		return tc.Send(failureText(provision.ErrUserNotFound))
	}
	return tc.Send("Thank you! You can now use the shop.\n\n/plans /trial /keys /profile")
}

// member returns the registered sender if they accepted the terms; otherwise
// it answers the update itself and returns nil.
func (c *Controller) member(tc telebot.Context) (*models.User, error) {
	sender := tc.Sender()
	if sender == nil {
		return nil, errNoSender
	}
	ctx, cancel := c.requestContext()
	defer cancel()
	user, err := c.store.GetUser(ctx, sender.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, tc.Send(failureText(provision.ErrUserNotFound))
	}
	if err != nil {
		return nil, err
	}
	if !user.AgreedToTerms {
		return nil, tc.Send(c.termsText(), telebot.NoPreview)
	}
	return user, nil
}

func (c *Controller) onPlans(tc telebot.Context) error {
	return tc.Send(plansText(c.cfg.Plans))
}

func (c *Controller) onTrial(tc telebot.Context) error {
	user, err := c.member(tc)
	if user == nil {
		return err
	}
	ctx, cancel := c.requestContext()
	defer cancel()

	hostName := strings.TrimSpace(tc.Message().Payload)
	if hostName == "" {
		hosts, err := c.store.AllHosts(ctx)
		if err != nil {
			return err
		}
		switch len(hosts) {
		case 0:
			return tc.Send("No servers are available right now.")
		case 1:
			hostName = hosts[0].Name
		default:
			return tc.Send(hostsText(hosts) + "\n\nSend /trial <host> to pick a server.")
		}
	}

	res, err := c.provision.ClaimTrial(ctx, user.TelegramID, hostName)
	switch {
	case res == nil:
		c.logger.Warn("trial refused", zap.Int64("user_id", user.TelegramID), zap.String("host", hostName), zap.Error(err))
		return tc.Send(failureText(err))
	case err != nil:
		c.logger.Warn("trial issued without link", zap.Int64("user_id", user.TelegramID), zap.String("host", hostName), zap.Error(err))
	}
	return tc.Send(keyText(res, "🎁 Your trial key is ready."), telebot.NoPreview)
}

func (c *Controller) onKeys(tc telebot.Context) error {
	user, err := c.member(tc)
	if user == nil {
		return err
	}
	ctx, cancel := c.requestContext()
	defer cancel()
	keys, err := c.store.UserKeys(ctx, user.TelegramID)
	if err != nil {
		return err
	}
	return tc.Send(keysText(keys, c.now()))
}

func (c *Controller) onKey(tc telebot.Context) error {
	user, err := c.member(tc)
	if user == nil {
		return err
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(tc.Message().Payload), "#"), 10, 64)
	if err != nil {
		return tc.Send("Usage: /key <number>")
	}
	ctx, cancel := c.requestContext()
	defer cancel()

	key, err := c.store.GetKey(ctx, uint(id))
	if err != nil || key.UserID != user.TelegramID {
		return tc.Send(failureText(provision.ErrKeyNotFound))
	}
	link, err := c.provision.GetLiveConnectionDetails(ctx, *key)
	if err != nil {
		c.logger.Warn("render key", zap.Uint("key_id", key.ID), zap.Error(err))
		return tc.Send(failureText(err))
	}
	res := &provision.Result{KeyID: key.ID, HostName: key.HostName, Expiry: key.ExpiryDate, ConnectionString: link}
	return tc.Send(keyText(res, fmt.Sprintf("🔑 Key #%d", key.ID)), telebot.NoPreview)
}

func (c *Controller) onProfile(tc telebot.Context) error {
	user, err := c.member(tc)
	if user == nil {
		return err
	}
	ctx, cancel := c.requestContext()
	defer cancel()
	keys, err := c.store.UserKeys(ctx, user.TelegramID)
	if err != nil {
		return err
	}
	return tc.Send(profileText(user, keys, c.now()))
}

func (c *Controller) onHosts(tc telebot.Context) error {
	ctx, cancel := c.requestContext()
	defer cancel()
	hosts, err := c.store.AllHosts(ctx)
	if err != nil {
		return err
	}
	return tc.Send(hostsText(hosts), telebot.NoPreview)
}

func (c *Controller) onSetting(tc telebot.Context) error {
	args := tc.Args()
	if len(args) < 2 {
		return tc.Send("Usage: /setting <key> <value>")
	}
	key := args[0]
	value := strings.TrimSpace(strings.TrimPrefix(tc.Message().Payload, key))
	ctx, cancel := c.requestContext()
	defer cancel()
	if err := c.store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	return tc.Send(fmt.Sprintf("Setting %s updated.", key))
}

func (c *Controller) onBan(banned bool) telebot.HandlerFunc {
	return func(tc telebot.Context) error {
		args := tc.Args()
		if len(args) != 1 {
			return tc.Send("Usage: /ban <telegram id> or /unban <telegram id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return tc.Send("Telegram id must be a number.")
		}
		ctx, cancel := c.requestContext()
		defer cancel()
		if err := c.store.SetBanned(ctx, id, banned); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return tc.Send("User not found.")
			}
			return err
		}
		c.logger.Info("ban flag changed", zap.Int64("user_id", id), zap.Bool("banned", banned))
		if banned {
			return tc.Send(fmt.Sprintf("User %d is blocked.", id))
		}
		return tc.Send(fmt.Sprintf("User %d is unblocked.", id))
	}
}

func (c *Controller) onDelKey(tc telebot.Context) error {
	args := tc.Args()
	if len(args) != 1 {
		return tc.Send("Usage: /delkey <key email>")
	}
	ctx, cancel := c.requestContext()
	defer cancel()
	if err := c.provision.RevokeKey(ctx, args[0]); err != nil {
		c.logger.Warn("revoke key", zap.String("email", args[0]), zap.Error(err))
		return tc.Send(failureText(err))
	}
	return tc.Send(fmt.Sprintf("Key %s deleted.", args[0]))
}
