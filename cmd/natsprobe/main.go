// Command natsprobe runs the reference broker, optionally self-dials a
// probe client against it, and exposes Prometheus metrics, a health check,
// and pprof debug routes the way the teacher's cmd/proxysip does.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	"time"

	"github.com/corvidio/natswire/broker"
	"github.com/corvidio/natswire/client"
	"github.com/corvidio/natswire/metrics"
	"github.com/corvidio/natswire/proto"
	"github.com/corvidio/natswire/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
)

func main() {
	debflag := flag.Bool("debug", false, "enable debug-level logging")
	pprofFlag := flag.Bool("pprof", false, "enable full block/mutex/mem profiling")
	brokerAddr := flag.String("broker-addr", "127.0.0.1:4222", "address the reference broker listens on")
	httpAddr := flag.String("http-addr", ":8080", "address for /metrics, /health and pprof")
	probe := flag.Bool("probe", false, "run a self-subscribing heartbeat probe against the broker")
	probeSubject := flag.String("probe-subject", "natsprobe.heartbeat", "subject the probe publishes/subscribes on")
	probeInterval := flag.Duration("probe-interval", 5*time.Second, "interval between probe heartbeats")
	flag.Parse()

	if *pprofFlag {
		runtime.SetBlockProfileRate(1)
		runtime.SetMutexProfileFraction(1)
		runtime.MemProfileRate = 64
	}

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if *debflag {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	// Connection accept events go to a separate JSON access log,
	// mirroring how the teacher keeps request-routing logs (zerolog) apart
	// from access accounting; logrus's JSON formatter is what the rest of
	// this corpus reaches for when a log stream needs to be machine-parsed
	// rather than read on a console.
	accessLog := logrus.New()
	accessLog.SetFormatter(&logrus.JSONFormatter{})

	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)

	b := broker.New(
		broker.WithAcceptHook(func(c net.Conn) {
			accessLog.WithField("remote_addr", c.RemoteAddr().String()).Info("connection accepted")
		}),
	)

	go func() {
		log.Info().Str("addr", *brokerAddr).Msg("starting broker")
		if err := b.ListenAndServe(*brokerAddr); err != nil {
			log.Error().Err(err).Msg("broker stopped")
		}
	}()

	if *probe {
		go runProbe(*brokerAddr, *probeSubject, *probeInterval, recorder)
	}

	log.Info().Int("cpus", runtime.NumCPU()).Msg("runtime")
	httpServer(*httpAddr, reg)
}

// runProbe dials the broker as an ordinary client, subscribes to its own
// heartbeat subject, and republishes on it every interval — a liveness
// check that exercises the full client/transport/proto/broker stack
// end-to-end rather than just asking the broker to answer PING.
func runProbe(brokerAddr, subject string, interval time.Duration, recorder *metrics.Recorder) {
	layer := transport.NewLayer(nil, func() *proto.Parser { return proto.NewParser() })
	defer layer.Close()

	c, err := client.Connect(layer, transport.NetworkTCP, brokerAddr, client.WithMetrics(recorder))
	if err != nil {
		log.Error().Err(err).Msg("probe: failed to connect to broker")
		return
	}
	defer c.Close()

	_, events, err := c.Subscribe(subject)
	if err != nil {
		log.Error().Err(err).Msg("probe: failed to subscribe")
		return
	}

	go func() {
		for ev := range events {
			log.Debug().Str("subject", ev.Subject).Int("size", len(ev.Payload)).Msg("probe: heartbeat observed")
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		payload := []byte(fmt.Sprintf("%d", time.Now().Unix()))
		if err := c.Publish(subject, payload); err != nil {
			log.Warn().Err(err).Msg("probe: heartbeat publish failed")
		}
	}
}

func httpServer(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	log.Info().Str("addr", addr).Msg("http server started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("http server stopped")
	}
}
