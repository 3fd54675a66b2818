// Package provision creates, extends and renders keys on remote panels and
// keeps the local key records in step with what the panel accepted.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vpnshop/models"
	"vpnshop/modules"
	"vpnshop/payment"
	"vpnshop/store"

	"go.uber.org/zap"
)

var (
	ErrHostNotFound     = errors.New("host not found")
	ErrPanelUnavailable = errors.New("panel unavailable")
	ErrConfigIncomplete = errors.New("panel configuration incomplete")
	ErrKeyNotFound      = errors.New("key not found")
	ErrHostMismatch     = errors.New("key is bound to another host")
	ErrTrialUsed        = errors.New("trial already used")
	ErrUserNotFound     = errors.New("user not found")
)

type Store interface {
	GetHost(ctx context.Context, name string) (*models.Host, error)
	GetUser(ctx context.Context, telegramID int64) (*models.User, error)
	GetKey(ctx context.Context, id uint) (*models.Key, error)
	GetKeyByEmail(ctx context.Context, email string) (*models.Key, error)
	UserKeys(ctx context.Context, userID int64) ([]models.Key, error)
	AddKey(ctx context.Context, key *models.Key) error
	UpdateKey(ctx context.Context, id uint, clientUUID string, expiry time.Time) error
	DeleteKeyByEmail(ctx context.Context, email string) error
	SetTrialUsed(ctx context.Context, telegramID int64) error
	AddUserStats(ctx context.Context, telegramID int64, amount float64, months int) error
}

type Panel interface {
	Login(ctx context.Context, host models.Host) (*modules.Session, error)
	UpsertClient(ctx context.Context, s *modules.Session, email string, days int) (string, time.Time, error)
	DeleteClient(ctx context.Context, s *modules.Session, email string) error
	ConnectionString(s *modules.Session, clientID string) (string, error)
}

// Result describes a key after a create or extend.
type Result struct {
	KeyID            uint
	ClientID         string
	Email            string
	Expiry           time.Time
	ConnectionString string
	HostName         string
	Created          bool
}

// ExpiryMs is the expiry in the panel's epoch-millisecond unit.
func (r *Result) ExpiryMs() int64 {
	return r.Expiry.UnixMilli()
}

type Service struct {
	store     Store
	panel     Panel
	trialDays int
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(st Store, panel Panel, trialDays int, logger *zap.Logger) *Service {
	return &Service{store: st, panel: panel, trialDays: trialDays, logger: logger.Named("provision"), now: time.Now}
}

// WithClock replaces the clock used to stamp new key rows.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) session(ctx context.Context, hostName string) (*models.Host, *modules.Session, error) {
	host, err := s.store.GetHost(ctx, hostName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrHostNotFound, hostName)
		}
		return nil, nil, err
	}
	sess, err := s.panel.Login(ctx, *host)
	if err != nil {
		s.logger.Error("panel login failed", zap.String("host", hostName), zap.Error(err))
		if errors.Is(err, modules.ErrInboundNotFound) {
			return nil, nil, fmt.Errorf("%w: %v", ErrConfigIncomplete, err)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}
	return host, sess, nil
}

func (s *Service) render(sess *modules.Session, clientID string) (string, error) {
	link, err := s.panel.ConnectionString(sess, clientID)
	if err != nil {
		s.logger.Error("render connection string", zap.String("host", sess.Host.Name), zap.Error(err))
		if errors.Is(err, modules.ErrRealityIncomplete) {
			return "", fmt.Errorf("%w: %v", ErrConfigIncomplete, err)
		}
		return "", err
	}
	return link, nil
}

// CreateOrExtendKey gives userID days of access on hostName under email. An
// existing key with that email is extended in place, otherwise a key row is
// inserted.
//
// If the link cannot be rendered after the key was saved, the saved Result is
// returned together with an ErrConfigIncomplete error.
func (s *Service) CreateOrExtendKey(ctx context.Context, userID int64, hostName, email string, days int) (*Result, error) {
	existing, err := s.store.GetKeyByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, err
	case existing.UserID != userID:
		return nil, fmt.Errorf("%w: %s belongs to another user", ErrKeyNotFound, email)
	case existing.HostName != hostName:
		return nil, fmt.Errorf("%w: %s is on %s, not %s", ErrHostMismatch, email, existing.HostName, hostName)
	}

	_, sess, err := s.session(ctx, hostName)
	if err != nil {
		return nil, err
	}

	clientID, expiry, err := s.panel.UpsertClient(ctx, sess, email, days)
	if err != nil {
		s.logger.Error("upsert client failed", zap.String("host", hostName), zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}

	res := &Result{ClientID: clientID, Email: email, Expiry: expiry, HostName: hostName}
	if existing == nil {
		key := &models.Key{
			UserID:      userID,
			HostName:    hostName,
			ClientUUID:  clientID,
			Email:       email,
			ExpiryDate:  expiry,
			CreatedDate: s.now(),
		}
		if err := s.store.AddKey(ctx, key); err != nil {
			return nil, fmt.Errorf("save key %s: %w", email, err)
		}
		res.KeyID = key.ID
		res.Created = true
	} else {
		if err := s.store.UpdateKey(ctx, existing.ID, clientID, expiry); err != nil {
			return nil, fmt.Errorf("update key %s: %w", email, err)
		}
		res.KeyID = existing.ID
	}

	link, err := s.render(sess, clientID)
	if err != nil {
		return res, err
	}
	res.ConnectionString = link

	s.logger.Info("key provisioned",
		zap.Int64("user_id", userID),
		zap.String("host", hostName),
		zap.String("email", email),
		zap.Bool("created", res.Created),
		zap.Time("expiry", expiry))
	return res, nil
}

// GetLiveConnectionDetails re-renders the link for key from the panel's
// current inbound configuration without touching its expiry.
func (s *Service) GetLiveConnectionDetails(ctx context.Context, key models.Key) (string, error) {
	if key.HostName == "" {
		return "", fmt.Errorf("%w: key %d has no host", ErrHostNotFound, key.ID)
	}
	_, sess, err := s.session(ctx, key.HostName)
	if err != nil {
		return "", err
	}
	return s.render(sess, key.ClientUUID)
}

// DeleteClient removes email from hostName's panel. A missing client counts
// as deleted; any other failure reports false.
func (s *Service) DeleteClient(ctx context.Context, hostName, email string) bool {
	_, sess, err := s.session(ctx, hostName)
	if err != nil {
		s.logger.Error("cannot delete client", zap.String("host", hostName), zap.String("email", email), zap.Error(err))
		return false
	}
	if err := s.panel.DeleteClient(ctx, sess, email); err != nil {
		s.logger.Error("delete client failed", zap.String("host", hostName), zap.String("email", email), zap.Error(err))
		return false
	}
	return true
}

// RevokeKey deletes the remote client and then the local row.
func (s *Service) RevokeKey(ctx context.Context, email string) error {
	key, err := s.store.GetKeyByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, email)
		}
		return err
	}
	if !s.DeleteClient(ctx, key.HostName, email) {
		return fmt.Errorf("%w: could not delete %s", ErrPanelUnavailable, email)
	}
	return s.store.DeleteKeyByEmail(ctx, email)
}

// ClaimTrial issues the one-off trial key for userID on hostName.
func (s *Service) ClaimTrial(ctx context.Context, userID int64, hostName string) (*Result, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if user.TrialUsed {
		return nil, ErrTrialUsed
	}

	email, err := s.nextEmail(ctx, userID, hostName, true)
	if err != nil {
		return nil, err
	}
	res, err := s.CreateOrExtendKey(ctx, userID, hostName, email, s.trialDays)
	if res == nil {
		return nil, err
	}
	if err := s.store.SetTrialUsed(ctx, userID); err != nil {
		s.logger.Error("mark trial used", zap.Int64("user_id", userID), zap.Error(err))
	}
	return res, err
}

// ProcessPayment provisions what a completed payment bought. Stats are
// recorded whenever the key row was written, even if the link failed.
func (s *Service) ProcessPayment(ctx context.Context, p payment.Completed) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var hostName, email string
	switch p.Action {
	case payment.ActionNew:
		hostName = p.HostName
		var err error
		if email, err = s.nextEmail(ctx, p.UserID, hostName, false); err != nil {
			return nil, err
		}
	case payment.ActionExtend:
		key, err := s.store.GetKey(ctx, p.KeyID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %d", ErrKeyNotFound, p.KeyID)
			}
			return nil, err
		}
		if key.UserID != p.UserID {
			return nil, fmt.Errorf("%w: %d is not owned by %d", ErrKeyNotFound, p.KeyID, p.UserID)
		}
		hostName, email = key.HostName, key.Email
	}

	res, err := s.CreateOrExtendKey(ctx, p.UserID, hostName, email, p.Days())
	if res == nil {
		return nil, err
	}
	if err := s.store.AddUserStats(ctx, p.UserID, p.Amount, p.Months); err != nil {
		s.logger.Error("update user stats", zap.Int64("user_id", p.UserID), zap.Error(err))
	}
	return res, err
}

func (s *Service) nextEmail(ctx context.Context, userID int64, hostName string, trial bool) (string, error) {
	keys, err := s.store.UserKeys(ctx, userID)
	if err != nil {
		return "", err
	}
	for n := len(keys) + 1; ; n++ {
		email := KeyEmail(userID, n, hostName, trial)
		_, err := s.store.GetKeyByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return email, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// KeyEmail builds the correlation string shared by a key row and its panel
// client.
func KeyEmail(userID int64, n int, hostName string, trial bool) string {
	host := strings.Join(strings.Fields(hostName), "-")
	if trial {
		return fmt.Sprintf("user%d-key%d-trial@%s", userID, n, host)
	}
	return fmt.Sprintf("user%d-key%d@%s", userID, n, host)
}
