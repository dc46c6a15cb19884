package sync

import "time"

const (
	OpFetch  = "fetch"
	OpVerify = "verify"
	OpCommit = "commit"
)

type EventListener interface {
	OnSyncStepDone(op string, height uint64, took time.Duration)
	OnReorg(height uint64)
}

type SelectiveListener struct {
	OnSyncStepDoneCb func(op string, height uint64, took time.Duration)
	OnReorgCb        func(height uint64)
}

func (l *SelectiveListener) OnSyncStepDone(op string, height uint64, took time.Duration) {
	if l.OnSyncStepDoneCb != nil {
		l.OnSyncStepDoneCb(op, height, took)
	}
}

func (l *SelectiveListener) OnReorg(height uint64) {
	if l.OnReorgCb != nil {
		l.OnReorgCb(height)
	}
}
