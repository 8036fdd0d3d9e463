package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gridrun-dev/gridrun/internal/agent"
	"github.com/gridrun-dev/gridrun/internal/telemetry"
)

var version = "0.1.0"

func main() {
	addr := os.Getenv("GRIDRUN_AGENT_ADDR")
	if addr == "" {
		addr = ":8088"
	}

	telemetry.InitGlobal(true, 30*time.Second)
	defer func() { _ = telemetry.Shutdown() }()

	var monitoring *telemetry.MonitoringServer
	if portStr := os.Getenv("GRIDRUN_AGENT_MONITORING_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid GRIDRUN_AGENT_MONITORING_PORT: %v\n", err)
			os.Exit(1)
		}
		monitoring = telemetry.NewMonitoringServer(fmt.Sprintf(":%d", port), telemetry.GetGlobal())
		for name, check := range telemetry.DefaultHealthChecks() {
			monitoring.RegisterHealthCheck(name, check)
		}
		go func() {
			if err := monitoring.Start(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintln(os.Stderr, err)
			}
		}()
		fmt.Fprintf(os.Stdout, "monitoring on :%d\n", port)
	}

	srv := &agent.Server{Version: version}
	tlsConfig := agent.LoadMTLSConfig()
	go func() {
		var err error
		if tlsConfig.ServerCert != "" && tlsConfig.ServerKey != "" {
			fmt.Fprintf(os.Stdout, "gridrun-agent listening on %s (TLS)\n", addr)
			err = srv.ListenAndServeTLS(addr, tlsConfig)
		} else {
			fmt.Fprintf(os.Stdout, "gridrun-agent listening on %s\n", addr)
			err = srv.ListenAndServe(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	fmt.Fprintln(os.Stdout, "gridrun-agent shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if monitoring != nil {
		_ = monitoring.Shutdown(ctx)
	}
	_ = srv.Shutdown(ctx)
}
