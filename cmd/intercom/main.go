// Command intercom runs a door-entry SIP listener against a vendor gateway:
// it connects with mutual TLS, registers, prints doorbell and message
// notifications and keeps the session alive until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/intercom/pkg/sip/listener"
)

func main() {
	var (
		server      = flag.String("server", "", "Gateway host")
		port        = flag.Int("port", 5061, "Gateway TLS port")
		domain      = flag.String("domain", "", "SIP domain (defaults to the gateway host)")
		username    = flag.String("user", "", "SIP username")
		password    = flag.String("password", "", "SIP password for digest authentication")
		certFile    = flag.String("cert", "", "Client certificate PEM file")
		keyFile     = flag.String("key", "", "Client private key PEM file")
		metricsAddr = flag.String("metrics", "", "Prometheus exposition address (empty disables)")
		debug       = flag.Bool("debug", false, "Log every sent and received frame")
	)
	flag.Parse()

	if *server == "" || *username == "" || *certFile == "" || *keyFile == "" {
		fmt.Fprintln(os.Stderr, "usage: intercom -server HOST -user USER -password PASS -cert cert.pem -key key.pem")
		os.Exit(2)
	}
	if *domain == "" {
		*domain = *server
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	material, err := loadMaterial(*certFile, *keyFile)
	if err != nil {
		log.Error("failed to load certificates", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	cfg := listener.DefaultConfig()
	cfg.Debug = *debug
	cfg.Logger = log
	cfg.Registerer = reg

	account := listener.Account{
		Server:   *server,
		Port:     *port,
		Domain:   *domain,
		Username: *username,
		Password: *password,
	}

	l := listener.New(account, material, cfg, listener.Events{
		OnDoorbell: func(ev listener.DoorbellEvent) {
			log.Info("doorbell", "from", ev.From, "call_id", ev.CallID)
		},
		OnMessage: func(ev listener.MessageEvent) {
			log.Info("message", "from", ev.From, "body", ev.Body)
		},
		OnError: func(err error) {
			log.Warn("listener error", "err", err)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := l.Connect(ctx); err != nil {
		log.Error("connect failed", "err", err)
		os.Exit(1)
	}
	if err := l.Register(ctx); err != nil {
		log.Error("registration failed", "err", err)
		os.Exit(1)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Disconnect(shutdownCtx); err != nil {
		log.Error("disconnect failed", "err", err)
	}
}

func loadMaterial(certFile, keyFile string) (listener.CertificateMaterial, error) {
	cert, err := os.ReadFile(certFile)
	if err != nil {
		return listener.CertificateMaterial{}, err
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return listener.CertificateMaterial{}, err
	}
	return listener.CertificateMaterial{
		CertificatePEM: string(cert),
		PrivateKeyPEM:  string(key),
	}, nil
}
