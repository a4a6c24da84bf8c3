package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/joshp123/gomiot/internal/config"
	"github.com/joshp123/gomiot/internal/core"
	"github.com/joshp123/gomiot/internal/logging"
	"github.com/joshp123/gomiot/internal/plugins"
	"github.com/joshp123/gomiot/internal/router"
	"github.com/joshp123/gomiot/internal/server"
	"github.com/joshp123/gomiot/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "serve":
			serveCmd(args[1:])
			return
		case "login":
			loginCmd(args[1:])
			return
		case "help", "-h", "--help":
			usage()
			return
		}
	}
	serveCmd(args)
}

func usage() {
	fmt.Println("gomiot <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  serve [--config path]                       run the gRPC and HTTP servers (default)")
	fmt.Println("  login [--account user] [--config path]      log in to the cloud and store the device table")
}

func serveCmd(args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := flags.String("config", config.DefaultPath, "Path to config.yaml")
	_ = flags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config", err)
	}
	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		fatal("setup logging", err)
	}
	defer closer.Close()
	log := logging.Component("core")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blob, err := store.New(cfg.Store)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}

	enabled := config.EnabledPlugins(cfg)
	all := len(cfg.Core.Plugins) == 0
	compiled := plugins.Compiled(ctx, cfg, plugins.Deps{Store: blob, Logger: logrus.NewEntry(logrus.StandardLogger())})
	if err := core.ValidateEnabledPlugins(compiled, enabled, all); err != nil {
		log.WithError(err).Fatal("validate plugins")
	}
	active := core.FilterPlugins(compiled, enabled, all)
	if err := core.ValidatePlugins(active); err != nil {
		log.WithError(err).Fatal("validate plugins")
	}
	if len(active) == 0 {
		log.Warn("no plugins configured")
	}

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr)
	if err != nil {
		log.WithError(err).Fatal("grpc listen")
	}
	if err := router.RegisterPlugins(grpcServer.Server, active); err != nil {
		log.WithError(err).Fatal("register services")
	}

	metricsRegistry := core.MetricsRegistry(active)
	metricsRegistry.MustRegister(server.Collectors()...)
	metricsRegistry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gomiot_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))

	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, server.Mux(active, metricsRegistry))

	var wg sync.WaitGroup
	for _, p := range active {
		runner, ok := p.(core.Runner)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id string, r core.Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				log.WithError(err).WithField("plugin", id).Error("plugin stopped")
			}
		}(p.ID(), runner)
	}

	go func() {
		log.WithField("addr", cfg.Core.HTTPAddr).Info("http listening")
		if err := httpServer.ListenAndServe(); err != nil {
			log.WithError(err).Fatal("http serve")
		}
	}()
	go func() {
		log.WithField("addr", grpcServer.Listener.Addr().String()).Info("grpc listening")
		if err := grpcServer.Serve(); err != nil {
			log.WithError(err).Error("grpc serve")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdown(log, grpcServer, httpServer)
	wg.Wait()
}

func shutdown(log *logrus.Entry, grpcServer *server.GRPCServer, httpServer *server.HTTPServer) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}

	done := make(chan struct{})
	go func() {
		grpcServer.Server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		grpcServer.Server.Stop()
	}
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
