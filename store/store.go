// Package store is the durable record of users, hosts, keys and bot
// settings. Every key mutation is a single-row statement addressed by key id
// or key email so that a purchase and a concurrent sync never overwrite each
// other's unrelated columns.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vpnshop/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("not found")

var DefaultSettings = map[string]string{
	"about_text":  "Settings are not configured yet. Set them from the admin commands.",
	"terms_url":   "https://telegra.ph/",
	"privacy_url": "https://telegra.ph/",
}

type Store struct {
	db *gorm.DB
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Host{}, &models.Key{}, &models.Setting{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Users

func (s *Store) RegisterUser(ctx context.Context, telegramID int64, username string) error {
	user := models.User{TelegramID: telegramID, Username: username}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "telegram_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username"}),
	}).Create(&user).Error
}

func (s *Store) GetUser(ctx context.Context, telegramID int64) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "telegram_id = ?", telegramID).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (s *Store) updateUser(ctx context.Context, telegramID int64, column string, value any) error {
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("telegram_id = ?", telegramID).Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetTermsAgreed(ctx context.Context, telegramID int64) error {
	return s.updateUser(ctx, telegramID, "agreed_to_terms", true)
}

func (s *Store) SetTrialUsed(ctx context.Context, telegramID int64) error {
	return s.updateUser(ctx, telegramID, "trial_used", true)
}

func (s *Store) SetBanned(ctx context.Context, telegramID int64, banned bool) error {
	return s.updateUser(ctx, telegramID, "is_banned", banned)
}

func (s *Store) AddUserStats(ctx context.Context, telegramID int64, amount float64, months int) error {
	return s.db.WithContext(ctx).Model(&models.User{}).Where("telegram_id = ?", telegramID).Updates(map[string]any{
		"total_spent":  gorm.Expr("total_spent + ?", amount),
		"total_months": gorm.Expr("total_months + ?", months),
	}).Error
}

// Hosts

func (s *Store) UpsertHost(ctx context.Context, host models.Host) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "host_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"host_url", "host_username", "host_pass", "host_inbound_id"}),
	}).Create(&host).Error
}

func (s *Store) GetHost(ctx context.Context, name string) (*models.Host, error) {
	var host models.Host
	if err := s.db.WithContext(ctx).First(&host, "host_name = ?", name).Error; err != nil {
		return nil, notFound(err)
	}
	return &host, nil
}

func (s *Store) AllHosts(ctx context.Context) ([]models.Host, error) {
	var hosts []models.Host
	err := s.db.WithContext(ctx).Order("host_name").Find(&hosts).Error
	return hosts, err
}

// Keys

func (s *Store) AddKey(ctx context.Context, key *models.Key) error {
	if key.CreatedDate.IsZero() {
		key.CreatedDate = time.Now()
	}
	return s.db.WithContext(ctx).Create(key).Error
}

func (s *Store) GetKey(ctx context.Context, id uint) (*models.Key, error) {
	var key models.Key
	if err := s.db.WithContext(ctx).First(&key, "key_id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

func (s *Store) GetKeyByEmail(ctx context.Context, email string) (*models.Key, error) {
	var key models.Key
	if err := s.db.WithContext(ctx).First(&key, "key_email = ?", email).Error; err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

func (s *Store) UserKeys(ctx context.Context, userID int64) ([]models.Key, error) {
	var keys []models.Key
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("key_id").Find(&keys).Error
	return keys, err
}

func (s *Store) KeysForHost(ctx context.Context, hostName string) ([]models.Key, error) {
	var keys []models.Key
	err := s.db.WithContext(ctx).Where("host_name = ?", hostName).Order("key_id").Find(&keys).Error
	return keys, err
}

func (s *Store) AllKeys(ctx context.Context) ([]models.Key, error) {
	var keys []models.Key
	err := s.db.WithContext(ctx).Order("key_id").Find(&keys).Error
	return keys, err
}

func (s *Store) UpdateKey(ctx context.Context, id uint, clientUUID string, expiry time.Time) error {
	return s.updateKey(ctx, "key_id = ?", id, clientUUID, expiry)
}

func (s *Store) UpdateKeyByEmail(ctx context.Context, email, clientUUID string, expiry time.Time) error {
	return s.updateKey(ctx, "key_email = ?", email, clientUUID, expiry)
}

func (s *Store) updateKey(ctx context.Context, where string, arg any, clientUUID string, expiry time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Key{}).Where(where, arg).Updates(map[string]any{
		"xui_client_uuid": clientUUID,
		"expiry_date":     expiry,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteKeyByEmail(ctx context.Context, email string) error {
	return s.db.WithContext(ctx).Where("key_email = ?", email).Delete(&models.Key{}).Error
}

// Settings

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var setting models.Setting
	if err := s.db.WithContext(ctx).First(&setting, "key = ?", key).Error; err != nil {
		return "", notFound(err)
	}
	return setting.Value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&models.Setting{Key: key, Value: value}).Error
}

// SeedSettings inserts defaults without touching values an admin already set.
func (s *Store) SeedSettings(ctx context.Context, defaults map[string]string) error {
	for key, value := range defaults {
		setting := models.Setting{Key: key, Value: value}
		if err := s.db.WithContext(ctx).FirstOrCreate(&setting, models.Setting{Key: key}).Error; err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}
	return nil
}
