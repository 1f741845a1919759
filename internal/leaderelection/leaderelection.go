package leaderelection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"Gantry/internal/config"
	"Gantry/internal/metrics"
)

// Elector serializes control-plane activity across replicas with an
// exclusive flock on a shared lock file. Only the holder runs the
// controller loop; standbys keep retrying.
type Elector struct {
	config  config.LeaderElectionConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	lockFd   int
	isLeader bool
}

func New(cfg config.LeaderElectionConfig, met *metrics.Metrics, logger *slog.Logger) *Elector {
	return &Elector{
		config:  cfg,
		metrics: met,
		logger:  logger.With("component", "leader-election"),
		lockFd:  -1,
	}
}

// Run blocks until ctx is cancelled. onStartLeading is invoked when
// leadership is gained, onStopLeading when it is lost or the elector
// shuts down while leading.
func (e *Elector) Run(ctx context.Context, onStartLeading, onStopLeading func(ctx context.Context)) error {
	if !e.config.Enabled {
		e.logger.Info("leader election disabled, assuming leadership")
		e.setLeader(true)
		onStartLeading(ctx)
		<-ctx.Done()
		return nil
	}

	e.logger.Info("starting leader election",
		"lock_file", e.config.LockFilePath,
		"lease_duration", e.config.LeaseDuration,
	)

	ticker := time.NewTicker(e.config.RetryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.IsLeader() {
				e.release()
				onStopLeading(ctx)
			}
			return nil

		case <-ticker.C:
			acquired, err := e.tryAcquireLock()
			if err != nil {
				e.logger.Error("failed to acquire lock", "error", err)
				continue
			}

			if acquired && !e.IsLeader() {
				e.logger.Info("acquired leadership")
				e.setLeader(true)
				go onStartLeading(ctx)
			} else if !acquired && e.IsLeader() {
				e.logger.Warn("lost leadership")
				e.setLeader(false)
				onStopLeading(ctx)
			}
		}
	}
}

// IsLeader reports whether this replica currently holds the lock.
func (e *Elector) IsLeader() bool {
	if !e.config.Enabled {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

func (e *Elector) setLeader(leading bool) {
	e.mu.Lock()
	e.isLeader = leading
	e.mu.Unlock()

	if e.metrics != nil {
		if leading {
			e.metrics.LeaderElection.Set(1)
		} else {
			e.metrics.LeaderElection.Set(0)
		}
	}
}

func (e *Elector) tryAcquireLock() (bool, error) {
	fd, err := syscall.Open(e.config.LockFilePath, syscall.O_CREAT|syscall.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to open lock file: %w", err)
	}

	// Non-blocking: a held lock just means we stay a standby.
	err = syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		syscall.Close(fd)
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	pid := fmt.Sprintf("%d\n", os.Getpid())
	if _, err := syscall.Write(fd, []byte(pid)); err != nil {
		syscall.Close(fd)
		return false, fmt.Errorf("failed to write PID: %w", err)
	}

	e.mu.Lock()
	if e.lockFd >= 0 {
		syscall.Close(e.lockFd)
	}
	e.lockFd = fd
	e.mu.Unlock()

	return true, nil
}

func (e *Elector) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lockFd >= 0 {
		syscall.Flock(e.lockFd, syscall.LOCK_UN)
		syscall.Close(e.lockFd)
		e.lockFd = -1
		e.logger.Info("released leadership")
	}
}
