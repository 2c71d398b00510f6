package client

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schemawire/schemawire/core/logx"
)

var (
	connectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "schemawire_client_connected",
		Help: "Whether the client is connected to the server (1 or 0)",
	})
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schemawire_client_connections_total",
		Help: "Total number of successful connections",
	})
	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schemawire_client_reconnect_attempts_total",
		Help: "Total number of reconnect attempts after connection loss",
	})
	framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schemawire_client_frames_sent_total",
		Help: "Total frames written, by frame type",
	}, []string{"type"})
	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schemawire_client_frames_received_total",
		Help: "Total frames read, by frame type",
	}, []string{"type"})
	framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schemawire_client_frames_dropped_total",
		Help: "Total inbound frames dropped as malformed",
	})
	orphanFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schemawire_client_orphan_frames_total",
		Help: "Total request-scoped frames with no live correlation entry",
	})
	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "schemawire_client_pending_requests",
		Help: "Number of live correlation entries",
	})
	subscriptionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "schemawire_client_subscriptions",
		Help: "Number of active broadcast subscriptions",
	})
	requestsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schemawire_client_requests_started_total",
		Help: "Total correlated requests issued",
	})
	requestsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schemawire_client_requests_succeeded_total",
		Help: "Total requests that received a result frame",
	})
	requestsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schemawire_client_requests_failed_total",
		Help: "Total requests that received an error frame",
	})
	requestsCanceled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schemawire_client_requests_canceled_total",
		Help: "Total requests abandoned client-side",
	})
)

func setConnected(v bool) {
	if v {
		connectedGauge.Set(1)
	} else {
		connectedGauge.Set(0)
	}
}

// StartMetricsServer starts an HTTP server exposing Prometheus metrics on
// /metrics and returns the address it is listening on. The server shuts
// down when ctx is done.
func StartMetricsServer(ctx context.Context, addr string) (string, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		connectedGauge,
		connectionsTotal,
		reconnectsTotal,
		framesSent,
		framesReceived,
		framesDropped,
		orphanFrames,
		pendingGauge,
		subscriptionsGauge,
		requestsStarted,
		requestsSucceeded,
		requestsFailed,
		requestsCanceled,
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	go func() { _ = srv.Serve(ln) }()
	logx.Log.Info().Str("addr", actual).Msg("metrics server started")
	return actual, nil
}
