package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fleetworks/conveyor/internal/cache"
)

// ErrNotLockHolder is returned when releasing or extending a lock the
// caller does not hold.
var ErrNotLockHolder = errors.New("fleet: not lock holder")

// LockManager grants lease-based exclusive access to shared external
// resources (a single desktop session, a physical fixture). Locks expire
// like job leases: a crashed holder frees the resource without operator
// action.
type LockManager interface {
	// Acquire takes the lock for holder with a TTL. Returns false when
	// another live holder has it. Re-acquiring your own lock extends it.
	Acquire(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (bool, error)
	// Release frees the lock if holder owns it; ErrNotLockHolder
	// otherwise.
	Release(ctx context.Context, resourceKey, holderID string) error
}

// Lock is the persisted lock row for the SQL manager.
type Lock struct {
	ResourceKey string    `gorm:"primaryKey;size:255" json:"resource_key"`
	HolderID    string    `gorm:"size:36;not null" json:"holder_id"`
	ExpiresAt   time.Time `gorm:"index;not null" json:"expires_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName keeps the table name stable.
func (Lock) TableName() string { return "locks" }

// SQLLockManager is the authoritative lock implementation, backed by the
// same relational store as the queue so locks survive a Redis outage.
type SQLLockManager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLLockManager creates a lock manager on the shared database.
func NewSQLLockManager(db *gorm.DB, logger *zap.Logger) *SQLLockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLLockManager{
		db:     db,
		logger: logger.With(zap.String("component", "sql_locks")),
	}
}

// Acquire implements LockManager. Insert-or-steal: a fresh key inserts; an
// existing row is taken over only when expired or already ours.
func (m *SQLLockManager) Acquire(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	lock := Lock{
		ResourceKey: resourceKey,
		HolderID:    holderID,
		ExpiresAt:   now.Add(ttl),
	}

	// ON CONFLICT DO NOTHING keeps the insert race-free across workers;
	// losing the insert falls through to the conditional takeover.
	res := m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lock)
	if res.Error != nil {
		return false, fmt.Errorf("insert lock: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = m.db.WithContext(ctx).Model(&Lock{}).
		Where("resource_key = ? AND (holder_id = ? OR expires_at < ?)", resourceKey, holderID, now).
		Updates(map[string]any{"holder_id": holderID, "expires_at": now.Add(ttl)})
	if res.Error != nil {
		return false, fmt.Errorf("take over lock: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Release implements LockManager.
func (m *SQLLockManager) Release(ctx context.Context, resourceKey, holderID string) error {
	res := m.db.WithContext(ctx).
		Where("resource_key = ? AND holder_id = ?", resourceKey, holderID).
		Delete(&Lock{})
	if res.Error != nil {
		return fmt.Errorf("release lock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotLockHolder
	}
	return nil
}

// RedisLockManager implements locks with SET NX PX. Faster than the SQL
// manager but only as durable as Redis; deployments choose per resource
// class.
type RedisLockManager struct {
	cache  *cache.Manager
	logger *zap.Logger
}

// NewRedisLockManager creates a lock manager on the shared cache.
func NewRedisLockManager(c *cache.Manager, logger *zap.Logger) *RedisLockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLockManager{
		cache:  c,
		logger: logger.With(zap.String("component", "redis_locks")),
	}
}

func redisLockKey(resourceKey string) string { return "conveyor:lock:" + resourceKey }

// Acquire implements LockManager.
func (m *RedisLockManager) Acquire(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (bool, error) {
	client := m.cache.Client()
	key := redisLockKey(resourceKey)

	ok, err := client.SetNX(ctx, key, holderID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire redis lock: %w", err)
	}
	if ok {
		return true, nil
	}

	// Extend if we already hold it.
	current, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SetNX and Get; retry the set once.
		ok, err = client.SetNX(ctx, key, holderID, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("acquire redis lock: %w", err)
		}
		return ok, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect redis lock: %w", err)
	}
	if current != holderID {
		return false, nil
	}
	if err := client.PExpire(ctx, key, ttl).Err(); err != nil {
		return false, fmt.Errorf("extend redis lock: %w", err)
	}
	return true, nil
}

// releaseScript deletes the key only when the holder matches, so a holder
// whose lock already expired and was re-acquired cannot free someone
// else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release implements LockManager.
func (m *RedisLockManager) Release(ctx context.Context, resourceKey, holderID string) error {
	n, err := releaseScript.Run(ctx, m.cache.Client(), []string{redisLockKey(resourceKey)}, holderID).Int()
	if err != nil {
		return fmt.Errorf("release redis lock: %w", err)
	}
	if n == 0 {
		return ErrNotLockHolder
	}
	return nil
}
