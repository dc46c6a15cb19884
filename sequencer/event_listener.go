package sequencer

import "time"

type EventListener interface {
	OnBatchSealed(height uint64, txCount int, took time.Duration)
	OnBackpressure(unpublished, unproved int)
	OnCycleAborted(reason string)
	OnSubmission(height uint64, attempts int)
	OnSubmissionAbandoned(height uint64)
}

type SelectiveListener struct {
	OnBatchSealedCb         func(height uint64, txCount int, took time.Duration)
	OnBackpressureCb        func(unpublished, unproved int)
	OnCycleAbortedCb        func(reason string)
	OnSubmissionCb          func(height uint64, attempts int)
	OnSubmissionAbandonedCb func(height uint64)
}

func (l *SelectiveListener) OnBatchSealed(height uint64, txCount int, took time.Duration) {
	if l.OnBatchSealedCb != nil {
		l.OnBatchSealedCb(height, txCount, took)
	}
}

func (l *SelectiveListener) OnBackpressure(unpublished, unproved int) {
	if l.OnBackpressureCb != nil {
		l.OnBackpressureCb(unpublished, unproved)
	}
}

func (l *SelectiveListener) OnCycleAborted(reason string) {
	if l.OnCycleAbortedCb != nil {
		l.OnCycleAbortedCb(reason)
	}
}

func (l *SelectiveListener) OnSubmission(height uint64, attempts int) {
	if l.OnSubmissionCb != nil {
		l.OnSubmissionCb(height, attempts)
	}
}

func (l *SelectiveListener) OnSubmissionAbandoned(height uint64) {
	if l.OnSubmissionAbandonedCb != nil {
		l.OnSubmissionAbandonedCb(height)
	}
}
