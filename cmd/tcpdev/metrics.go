package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/arloliu/go-tcpdev/device"
	"github.com/arloliu/go-tcpdev/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serveMetrics exposes the metrics of dev on addr until the returned stop function is called.
func serveMetrics(addr string, dev *device.Device, l logger.Logger) (func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	labels := prometheus.Labels{"device": dev.Address()}
	if err := device.RegisterMetrics(reg, dev.Metrics(), labels); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	l.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
