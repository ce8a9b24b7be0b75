package store

import (
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// Rotation errors. Both map to 503 at the edge.
var (
	ErrNoKeys          = errors.New("no official keys configured for channel")
	ErrAllKeysDisabled = errors.New("all official keys for channel are disabled")
)

// Keys disable after this many consecutive upstream errors.
const maxConsecutiveErrors = 3

// KeyPool rotates official keys round-robin per channel. The cursor lives in
// the system-config row; a per-channel mutex serializes pickers in-process so
// concurrent requests never read a stale cursor.
type KeyPool struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewKeyPool(db *gorm.DB) *KeyPool {
	return &KeyPool{db: db, locks: make(map[uint]*sync.Mutex)}
}

func (p *KeyPool) channelLock(channelID uint) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[channelID] = l
	}
	return l
}

// NextKey returns the next active key for the user/channel scope, advancing
// the rotation cursor. Inactive keys are skipped; the scan wraps around once.
func (p *KeyPool) NextKey(userID uint, channelID *uint) (*OfficialKey, error) {
	var lockID uint
	if channelID != nil {
		lockID = *channelID
	}
	l := p.channelLock(lockID)
	l.Lock()
	defer l.Unlock()

	scope := p.db.Where("user_id = ?", userID)
	if channelID != nil {
		scope = scope.Where("channel_id = ?", *channelID)
	} else {
		scope = scope.Where("channel_id IS NULL")
	}

	var keys []OfficialKey
	if err := scope.Order("id").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("load official keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	var cfg SystemConfig
	if err := p.db.First(&cfg, 1).Error; err != nil {
		return nil, fmt.Errorf("load rotation cursor: %w", err)
	}
	var cursor uint
	if cfg.LastUsedOfficialKeyID != nil {
		cursor = *cfg.LastUsedOfficialKeyID
	}

	// Start just past the cursor, wrap around once.
	start := 0
	for i, k := range keys {
		if k.ID > cursor {
			start = i
			break
		}
	}
	for i := 0; i < len(keys); i++ {
		k := keys[(start+i)%len(keys)]
		if !k.IsActive {
			continue
		}
		id := k.ID
		if err := p.db.Model(&SystemConfig{}).Where("id = ?", 1).
			Update("last_used_official_key_id", id).Error; err != nil {
			return nil, fmt.Errorf("advance rotation cursor: %w", err)
		}
		return &k, nil
	}
	return nil, ErrAllKeysDisabled
}

// RecordOutcome applies one request's result to a key's counters. Success
// resets the consecutive error count; the third consecutive failure disables
// the key. The update is a single SQL statement so the check-then-disable is
// atomic under concurrent finalizers.
func (p *KeyPool) RecordOutcome(keyID uint, success bool, statusCode, inputTokens, outputTokens int) error {
	return p.RecordOutcomeTx(p.db, keyID, success, statusCode, inputTokens, outputTokens)
}

// RecordOutcomeTx is RecordOutcome inside a caller-supplied transaction.
func (p *KeyPool) RecordOutcomeTx(tx *gorm.DB, keyID uint, success bool, statusCode, inputTokens, outputTokens int) error {
	if success {
		return tx.Exec(`
			UPDATE official_keys SET
				usage_count = usage_count + 1,
				error_count = 0,
				last_status = CAST(? AS TEXT),
				last_status_code = ?,
				input_tokens = input_tokens + ?,
				output_tokens = output_tokens + ?
			WHERE id = ?`,
			statusCode, statusCode, inputTokens, outputTokens, keyID).Error
	}
	return tx.Exec(`
		UPDATE official_keys SET
			usage_count = usage_count + 1,
			error_count = error_count + 1,
			is_active = CASE WHEN error_count + 1 >= ? THEN 0 ELSE is_active END,
			last_status = CASE WHEN error_count + 1 >= ? THEN 'auto_disabled' ELSE CAST(? AS TEXT) END,
			last_status_code = ?
		WHERE id = ?`,
		maxConsecutiveErrors, maxConsecutiveErrors, statusCode, statusCode, keyID).Error
}
