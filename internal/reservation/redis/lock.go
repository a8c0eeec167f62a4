package redis

import (
	"context"
	"time"

	"ms-booking/internal/logger"

	"github.com/go-redis/redis/v8"
)

const defaultLockTTL = 10 * time.Second

// unlockScript deletes the key only while it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is the per-schedule admission lock used in front of PlaceOrder.
type Redis struct {
	Client  *redis.Client
	Logger  *logger.Logger
	LockTTL time.Duration
}

func NewRedis(client *redis.Client, lockTTL time.Duration, log *logger.Logger) *Redis {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Redis{
		Client:  client,
		Logger:  log,
		LockTTL: lockTTL,
	}
}

func scheduleLockKey(scheduleID string) string {
	return "schedule_lock:" + scheduleID
}

// LockSchedule tries to take the schedule lock for owner. It reports false
// when another owner holds it. The key expires after LockTTL so a crashed
// holder cannot block the schedule forever.
func (r *Redis) LockSchedule(ctx context.Context, scheduleID, owner string) (bool, error) {
	return r.Client.SetNX(ctx, scheduleLockKey(scheduleID), owner, r.LockTTL).Result()
}

// UnlockSchedule releases the lock if owner still holds it.
func (r *Redis) UnlockSchedule(ctx context.Context, scheduleID, owner string) error {
	released, err := unlockScript.Run(ctx, r.Client, []string{scheduleLockKey(scheduleID)}, owner).Int()
	if err != nil {
		return err
	}
	if released == 0 && r.Logger != nil {
		r.Logger.Debug("REDIS", "schedule lock "+scheduleID+" already expired or taken over")
	}
	return nil
}
