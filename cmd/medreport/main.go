// medreport serves the medical image report generation over HTTP.
//
// Usage:
//
//	medreport [-config medreport.yaml] [klog flags]
//
// See package internal/config for the configuration keys and environment variables.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomlx/go-medreport/internal/config"
	"github.com/gomlx/go-medreport/pipeline"
	"github.com/gomlx/go-medreport/server"
	"k8s.io/klog/v2"
)

var (
	flagConfig          = flag.String("config", "", "Configuration file. If empty medreport.yaml is looked for in . and /etc/medreport.")
	flagShutdownTimeout = flag.Duration("shutdown_timeout", 30*time.Second, "Time given to in-flight requests on shutdown.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()
	if err := run(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.Load(ctx, cfg.Model, cfg.Generation)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			klog.Warningf("closing model: %v", err)
		}
	}()

	srv := &http.Server{
		Addr: cfg.Server.ListenAddr(),
		Handler: server.New(p, server.Options{
			RequestTimeout: cfg.Server.RequestTimeout,
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		info := p.Info()
		klog.Infof("serving reports on %s (device=%s, model_dir=%s)", srv.Addr, info.Device, info.ModelDir)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	klog.Infof("shutting down, waiting up to %s for in-flight requests", *flagShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *flagShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
