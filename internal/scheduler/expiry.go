package scheduler

import (
	"context"
	"fmt"
	"time"

	"ms-booking/internal/logger"

	"github.com/go-co-op/gocron/v2"
)

type Expirer interface {
	ExpirePendingOrders(ctx context.Context, olderThan time.Duration) (int, error)
}

// ExpiryJob periodically cancels abandoned PENDING orders so the capacity
// they hold is released.
type ExpiryJob struct {
	scheduler gocron.Scheduler
	expirer   Expirer
	ttl       time.Duration
	timeout   time.Duration
	logger    *logger.Logger
}

func NewExpiryJob(expirer Expirer, ttl, interval time.Duration, log *logger.Logger) (*ExpiryJob, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("expiry interval must be positive, got %s", interval)
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}

	j := &ExpiryJob{
		scheduler: s,
		expirer:   expirer,
		ttl:       ttl,
		timeout:   interval,
		logger:    log,
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(j.run),
		gocron.WithName("expire-pending-orders"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}
	return j, nil
}

func (j *ExpiryJob) Start() {
	j.scheduler.Start()
	j.logger.Info("SCHEDULER", fmt.Sprintf("pending order expiry started (ttl %s)", j.ttl))
}

func (j *ExpiryJob) Stop() error {
	return j.scheduler.Shutdown()
}

// RunOnce runs a single sweep.
func (j *ExpiryJob) RunOnce(ctx context.Context) (int, error) {
	return j.expirer.ExpirePendingOrders(ctx, j.ttl)
}

func (j *ExpiryJob) run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	n, err := j.RunOnce(ctx)
	if err != nil {
		j.logger.Error("SCHEDULER", fmt.Sprintf("pending order expiry failed: %v", err))
		return
	}
	if n > 0 {
		j.logger.Info("SCHEDULER", fmt.Sprintf("cancelled %d expired pending orders", n))
	}
}
