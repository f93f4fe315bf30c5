package wal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	recordsAppended prometheus.Counter
	bytesWritten    prometheus.Counter
	appendErrors    prometheus.Counter
	rotations       prometheus.Counter
	filesGCed       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		recordsAppended: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mgtr_wal_records_appended_total",
			Help: "Number of WAL records successfully appended.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mgtr_wal_bytes_written_total",
			Help: "Bytes written to WAL files, including record framing.",
		}),
		appendErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mgtr_wal_append_errors_total",
			Help: "Number of WAL append/fsync failures.",
		}),
		rotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mgtr_wal_rotations_total",
			Help: "Number of times the WAL rolled over to a new file.",
		}),
		filesGCed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mgtr_wal_files_gced_total",
			Help: "Number of sealed WAL files removed by GC.",
		}),
	}
}
