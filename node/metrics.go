package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stratolabs/strato/db"
	"github.com/stratolabs/strato/sequencer"
	"github.com/stratolabs/strato/service"
	syncengine "github.com/stratolabs/strato/sync"
	"github.com/stratolabs/strato/utils"
)

func makeDBMetrics() db.EventListener {
	readCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "db",
		Name:      "read",
	})
	writeCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "db",
		Name:      "write",
	})
	commitLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "db",
		Name:      "commit_latency",
	})

	prometheus.MustRegister(readCounter, writeCounter, commitLatency)
	return &db.SelectiveListener{
		OnIOCb: func(write bool, _ time.Duration) {
			if write {
				writeCounter.Inc()
			} else {
				readCounter.Inc()
			}
		},
		OnCommitCb: func(duration time.Duration) {
			commitLatency.Observe(duration.Seconds())
		},
	}
}

func makeSequencerMetrics() sequencer.EventListener {
	sealedCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sequencer",
		Name:      "batches_sealed",
	})
	sealedTxs := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sequencer",
		Name:      "transactions_sealed",
	})
	backpressure := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sequencer",
		Name:      "backpressure_cycles",
	})
	abortedCycles := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sequencer",
		Name:      "aborted_cycles",
	})
	submissions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sequencer",
		Name:      "da_submissions",
	})
	abandoned := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sequencer",
		Name:      "da_submissions_abandoned",
	})

	prometheus.MustRegister(sealedCounter, sealedTxs, backpressure, abortedCycles, submissions, abandoned)
	return &sequencer.SelectiveListener{
		OnBatchSealedCb: func(_ uint64, txCount int, _ time.Duration) {
			sealedCounter.Inc()
			sealedTxs.Add(float64(txCount))
		},
		OnBackpressureCb: func(_, _ int) {
			backpressure.Inc()
		},
		OnCycleAbortedCb: func(string) {
			abortedCycles.Inc()
		},
		OnSubmissionCb: func(_ uint64, _ int) {
			submissions.Inc()
		},
		OnSubmissionAbandonedCb: func(uint64) {
			abandoned.Inc()
		},
	}
}

func makeSyncMetrics() syncengine.EventListener {
	opTimers := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sync",
		Name:      "timers",
	}, []string{"op"})
	reorgCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "reorgs",
	})

	prometheus.MustRegister(opTimers, reorgCounter)
	return &syncengine.SelectiveListener{
		OnSyncStepDoneCb: func(op string, _ uint64, took time.Duration) {
			opTimers.WithLabelValues(op).Observe(took.Seconds())
		},
		OnReorgCb: func(uint64) {
			reorgCounter.Inc()
		},
	}
}

type metricsService struct {
	srv *http.Server
	log utils.SimpleLogger
}

func makeMetricsService(port uint16, log utils.SimpleLogger) service.Service {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &metricsService{
		srv: &http.Server{
			Addr:        fmt.Sprintf(":%d", port),
			Handler:     mux,
			ReadTimeout: 30 * time.Second,
		},
		log: log,
	}
}

func (m *metricsService) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := m.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.srv.Shutdown(shutdownCtx); err != nil {
			m.log.Warnw("Metrics server shutdown", "err", err)
		}
		return nil
	}
}
