package main

import (
	"ratepilot/internal/core/ports"

	"github.com/frostbyte73/core"
	"go.uber.org/zap"
)

type bitrateChanger interface {
	ChangeBitrate(bps int) error
}

// targetFollower reconfigures the loss conditioner whenever the quality
// monitor publishes a new target bitrate. Bus callbacks only record the
// latest value; the conditioner is called from the follower's own goroutine.
type targetFollower struct {
	target bitrateChanger
	logger *zap.SugaredLogger

	latest      chan int
	unsubscribe func()
	stop        core.Fuse
	done        chan struct{}
}

func newTargetFollower(bus ports.SettingsBus, target bitrateChanger, logger *zap.SugaredLogger) *targetFollower {
	f := &targetFollower{
		target: target,
		logger: logger,
		latest: make(chan int, 1),
		done:   make(chan struct{}),
	}
	f.unsubscribe = bus.Subscribe(func(key string, value int) {
		if key == ports.KeyTargetBitrate {
			f.offer(value)
		}
	})
	go f.worker()
	return f
}

func (f *targetFollower) offer(bps int) {
	for {
		select {
		case f.latest <- bps:
			return
		default:
		}
		select {
		case <-f.latest:
		default:
		}
	}
}

func (f *targetFollower) worker() {
	defer close(f.done)

	applied := 0
	for {
		select {
		case <-f.stop.Watch():
			return
		case bps := <-f.latest:
			if bps == applied {
				continue
			}
			if err := f.target.ChangeBitrate(bps); err != nil {
				f.logger.Warnw("failed to follow quality target", "bitrate", bps, "error", err)
				continue
			}
			applied = bps
			f.logger.Debugw("conditioner following quality target", "bitrate", bps)
		}
	}
}

func (f *targetFollower) Stop() {
	f.unsubscribe()
	f.stop.Break()
	<-f.done
}
