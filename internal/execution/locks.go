package execution

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrAlreadyInFlight means another worker holds the lease for this
// aggregation key. Not an error surfaced to users: it is the expected
// outcome of losing a lock race and means "someone else is handling it".
var ErrAlreadyInFlight = errors.New("aggregation key already in flight")

// KeyLease is the persisted exclusive lock scoped to an aggregation key.
// Externalizing the lease makes multiple scheduler replicas safe by
// construction: whichever process claims the row owns the submission.
type KeyLease struct {
	gorm.Model
	LockKey   string    `gorm:"uniqueIndex" json:"lock_key"`
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LockManager claims and releases key leases. Acquisition is non-blocking:
// a contender fails fast rather than waiting, because the lease owner is
// responsible for completing settlement.
type LockManager struct {
	db      *gorm.DB
	ownerID string
	lease   time.Duration
}

func NewLockManager(db *gorm.DB, ownerID string, lease time.Duration) *LockManager {
	return &LockManager{db: db, ownerID: ownerID, lease: lease}
}

// Acquire claims the lease for a lock key, stealing it only if the prior
// owner's lease has expired. Returns ErrAlreadyInFlight when the lease is
// live and held elsewhere.
func (m *LockManager) Acquire(lockKey string) error {
	now := time.Now()
	expiry := now.Add(m.lease)

	// Refresh our own lease or take over an expired one
	res := m.db.Model(&KeyLease{}).
		Where("lock_key = ? AND (owner_id = ? OR expires_at <= ?)", lockKey, m.ownerID, now).
		Updates(map[string]interface{}{
			"owner_id":   m.ownerID,
			"expires_at": expiry,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// No claimable row: insert a fresh lease. The unique index on lock_key
	// makes this the mutual-exclusion point under concurrency.
	lease := KeyLease{
		LockKey:   lockKey,
		OwnerID:   m.ownerID,
		ExpiresAt: expiry,
	}
	if err := m.db.Create(&lease).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			log.Debug().
				Str("lock_key", lockKey).
				Str("owner_id", m.ownerID).
				Msg("lost lease race for key")
			return ErrAlreadyInFlight
		}
		return err
	}
	return nil
}

// Release gives the lease up. Only the current owner's row is removed, so a
// stale worker cannot release a lease it lost. The delete is unscoped: a
// soft-deleted row would still hold the unique index and poison the key.
func (m *LockManager) Release(lockKey string) {
	if err := m.db.Unscoped().Where("lock_key = ? AND owner_id = ?", lockKey, m.ownerID).
		Delete(&KeyLease{}).Error; err != nil {
		log.Error().Err(err).Str("lock_key", lockKey).Msg("failed to release key lease")
	}
}
