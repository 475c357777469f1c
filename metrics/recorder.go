// Package metrics instruments a proto.Parser's event drain loop with
// Prometheus counters and histograms, the way the teacher's
// cmd/proxysip/main.go wires prometheus/client_golang inline but factored
// into a reusable type so any /transport or /client consumer can share it.
package metrics

import (
	"github.com/corvidio/natswire/proto"
	"github.com/corvidio/natswire/transport"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder records frame counts by type, protocol errors, bytes handed to
// a parser, and a payload-size histogram for MSG/HMSG frames.
type Recorder struct {
	framesTotal  *prometheus.CounterVec
	errorsTotal  prometheus.Counter
	bytesTotal   prometheus.Counter
	payloadBytes prometheus.Histogram
}

// NewRecorder builds a Recorder and registers its collectors on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "natswire",
			Name:      "frames_total",
			Help:      "Protocol frames decoded, by op.",
		}, []string{"op"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "natswire",
			Name:      "protocol_errors_total",
			Help:      "Protocol errors encountered while parsing.",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "natswire",
			Name:      "bytes_processed_total",
			Help:      "Bytes handed to a proto.Parser.",
		}),
		payloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "natswire",
			Name:      "payload_size_bytes",
			Help:      "Size of MSG/HMSG payloads observed.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		}),
	}
	reg.MustRegister(r.framesTotal, r.errorsTotal, r.bytesTotal, r.payloadBytes)
	return r
}

// RecordBytes adds n to the bytes-processed counter. Callers record this
// once per chunk handed to Parse, independent of how many frames it
// produced.
func (r *Recorder) RecordBytes(n int) {
	r.bytesTotal.Add(float64(n))
}

// RecordError increments the protocol-error counter.
func (r *Recorder) RecordError() {
	r.errorsTotal.Inc()
}

// RecordEvent records one drained proto.Event.
func (r *Recorder) RecordEvent(ev proto.Event) {
	r.framesTotal.WithLabelValues(ev.Op.String()).Inc()
	if ev.Op == proto.OpMsg || ev.Op == proto.OpHMsg {
		r.payloadBytes.Observe(float64(len(ev.Payload)))
	}
}

// Wrap returns a transport.Handler that records every event with r before
// forwarding it to next. next may be nil.
func (r *Recorder) Wrap(next transport.Handler) transport.Handler {
	return func(ev proto.Event, c transport.Connection) {
		r.RecordEvent(ev)
		if next != nil {
			next(ev, c)
		}
	}
}
