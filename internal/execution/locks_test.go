package execution_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/omnibus-api/internal/database"
	"github.com/ksred/omnibus-api/internal/execution"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

const lockKey = "AAPL|BUY|MASTER_1|2026-08-29T10:00:00Z"

func TestAcquireIsExclusivePerKey(t *testing.T) {
	db := testDB(t)
	workerA := execution.NewLockManager(db, "worker-a", time.Minute)
	workerB := execution.NewLockManager(db, "worker-b", time.Minute)

	require.NoError(t, workerA.Acquire(lockKey))
	assert.ErrorIs(t, workerB.Acquire(lockKey), execution.ErrAlreadyInFlight)

	// A different key is not contended
	require.NoError(t, workerB.Acquire("MSFT|SELL|MASTER_1|2026-08-29T10:00:00Z"))
}

func TestAcquireRefreshesOwnLease(t *testing.T) {
	db := testDB(t)
	worker := execution.NewLockManager(db, "worker-a", time.Minute)

	require.NoError(t, worker.Acquire(lockKey))
	require.NoError(t, worker.Acquire(lockKey), "the holder may re-enter its own lease")
}

func TestReleaseFreesTheKey(t *testing.T) {
	db := testDB(t)
	workerA := execution.NewLockManager(db, "worker-a", time.Minute)
	workerB := execution.NewLockManager(db, "worker-b", time.Minute)

	require.NoError(t, workerA.Acquire(lockKey))
	workerA.Release(lockKey)
	require.NoError(t, workerB.Acquire(lockKey))
}

func TestReleaseByNonOwnerIsIgnored(t *testing.T) {
	db := testDB(t)
	workerA := execution.NewLockManager(db, "worker-a", time.Minute)
	workerB := execution.NewLockManager(db, "worker-b", time.Minute)
	workerC := execution.NewLockManager(db, "worker-c", time.Minute)

	require.NoError(t, workerA.Acquire(lockKey))
	workerB.Release(lockKey)
	assert.ErrorIs(t, workerC.Acquire(lockKey), execution.ErrAlreadyInFlight,
		"a stale worker must not free a lease it does not hold")
}

func TestReleaseLeavesNoLeaseRow(t *testing.T) {
	db := testDB(t)
	workerA := execution.NewLockManager(db, "worker-a", time.Minute)
	workerB := execution.NewLockManager(db, "worker-b", time.Minute)

	require.NoError(t, workerA.Acquire(lockKey))
	workerA.Release(lockKey)

	// The row is gone outright; a lingering soft-deleted row would still
	// hold the unique index and poison the key for every future owner
	var count int64
	require.NoError(t, db.Unscoped().Model(&execution.KeyLease{}).
		Where("lock_key = ?", lockKey).Count(&count).Error)
	assert.Zero(t, count)

	// The key cycles freely across owners
	for i := 0; i < 3; i++ {
		require.NoError(t, workerB.Acquire(lockKey))
		workerB.Release(lockKey)
		require.NoError(t, workerA.Acquire(lockKey))
		workerA.Release(lockKey)
	}
}

func TestAcquireSurfacesStorageErrors(t *testing.T) {
	db := testDB(t)
	worker := execution.NewLockManager(db, "worker-a", time.Minute)

	require.NoError(t, db.Exec("DROP TABLE key_leases").Error)

	err := worker.Acquire(lockKey)
	require.Error(t, err)
	assert.NotErrorIs(t, err, execution.ErrAlreadyInFlight,
		"a storage fault must not read as a lost lock race")
}

func TestExpiredLeaseIsStolen(t *testing.T) {
	db := testDB(t)
	crashed := execution.NewLockManager(db, "worker-crashed", -time.Second)
	workerB := execution.NewLockManager(db, "worker-b", time.Minute)

	require.NoError(t, crashed.Acquire(lockKey))
	require.NoError(t, workerB.Acquire(lockKey), "an expired lease is claimable")

	// The original owner lost the lease and stays locked out
	original := execution.NewLockManager(db, "worker-crashed", time.Minute)
	assert.ErrorIs(t, original.Acquire(lockKey), execution.ErrAlreadyInFlight)
}
