package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the gorm handle and the key pool built on it.
type Store struct {
	DB   *gorm.DB
	Pool *KeyPool
}

// Open opens the SQLite database, runs auto-migrations and ensures the
// singleton system-config row exists.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(
		&User{},
		&Channel{},
		&OfficialKey{},
		&ExclusiveKey{},
		&Preset{},
		&PresetItem{},
		&RegexRule{},
		&PresetRegexRule{},
		&Log{},
		&SystemConfig{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	if err := ensureSystemConfig(db); err != nil {
		return nil, err
	}

	return &Store{DB: db, Pool: NewKeyPool(db)}, nil
}

func ensureSystemConfig(db *gorm.DB) error {
	var cfg SystemConfig
	err := db.First(&cfg, 1).Error
	if err == nil {
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return fmt.Errorf("load system config: %w", err)
	}
	if err := db.Create(&SystemConfig{ID: 1}).Error; err != nil {
		return fmt.Errorf("create system config: %w", err)
	}
	return nil
}

// Bootstrap seeds a default admin user and one exclusive key when the users
// table is empty. The generated secret is logged exactly once; it is not
// recoverable afterwards.
func (s *Store) Bootstrap() error {
	var count int64
	if err := s.DB.Model(&User{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	return s.DB.Transaction(func(tx *gorm.DB) error {
		admin := User{
			Username: "admin",
			Role:     RoleSuperAdmin,
			IsActive: true,
		}
		if err := tx.Create(&admin).Error; err != nil {
			return fmt.Errorf("create admin: %w", err)
		}
		secret := NewExclusiveSecret(admin.ID, admin.Username)
		key := ExclusiveKey{
			Key:      secret,
			Name:     "default",
			UserID:   admin.ID,
			IsActive: true,
		}
		if err := tx.Create(&key).Error; err != nil {
			return fmt.Errorf("create exclusive key: %w", err)
		}
		log.Infof("bootstrap: created admin user %q with exclusive key %s", admin.Username, secret)
		return nil
	})
}

// NewExclusiveSecret derives a gateway credential: "gapi-" plus the first 16
// and last 16 hex characters of sha256(id + username + timestamp).
func NewExclusiveSecret(userID uint, username string) string {
	seed := fmt.Sprintf("%d%s%d", userID, username, time.Now().UnixNano())
	digest := sha256.Sum256([]byte(seed))
	h := hex.EncodeToString(digest[:])
	return "gapi-" + h[:16] + h[len(h)-16:]
}
