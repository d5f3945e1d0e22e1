// Command smsgw is the SMS gateway service entrypoint: it loads
// configuration, opens the encrypted store, connects the modem worker,
// and serves the HTTP/websocket API, wiring every component built
// against SPEC_FULL.md.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warthog618/goatsms/internal/config"
	"github.com/warthog618/goatsms/internal/events"
	"github.com/warthog618/goatsms/internal/httpapi"
	"github.com/warthog618/goatsms/internal/modemio"
	"github.com/warthog618/goatsms/internal/multipart"
	"github.com/warthog618/goatsms/internal/smsmanager"
	"github.com/warthog618/goatsms/internal/store"
	"github.com/warthog618/goatsms/internal/webhook"
	"github.com/warthog618/goatsms/internal/wsocket"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "c", "conf.ini", "path to configuration file")
	flag.Parse()

	log.Println("smsgw: loading configuration from", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Println("smsgw: invalid config:", err, "- aborting")
		os.Exit(1)
	}

	s, err := store.Open(store.Config{
		Driver:         "sqlite3",
		DataSourceName: cfg.Database.DatabaseURL,
		EncryptionKey:  cfg.Database.EncryptionKey,
	})
	if err != nil {
		log.Println("smsgw: opening database:", err, "- aborting")
		os.Exit(1)
	}
	defer s.Close()

	bcast := events.New()

	if len(cfg.Webhooks) > 0 {
		bcast.SetWebhook(webhook.New(cfg.Webhooks))
	}

	var hub *wsocket.Hub
	if cfg.HTTP.WebsocketEnabled {
		hub = wsocket.New()
		bcast.SetWebsocket(hub)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := modemio.New(modemio.Config{
		Device:             cfg.Modem.Device,
		Baud:               cfg.Modem.Baud,
		GNSSEnabled:        cfg.Modem.GNSSEnabled,
		GNSSReportInterval: cfg.Modem.GNSSReportInterval,
		CmdQueueCap:        cfg.Modem.CmdChannelBufferSize,
		ReadBufferSize:     cfg.Modem.ReadBufferSize,
		Broadcaster:        bcast,
	})

	manager, err := smsmanager.New(smsmanager.Config{
		Store:                s,
		Broadcaster:          bcast,
		Sender:               worker,
		RequireInternational: cfg.HTTP.SendInternationalFormatOnly,
	})
	if err != nil {
		log.Println("smsgw: building SMS manager:", err, "- aborting")
		os.Exit(1)
	}
	worker.SetManager(manager)

	log.Println("smsgw: connecting modem", cfg.Modem.Device)
	go worker.Run(ctx)

	go scavengeMultipartGroups(ctx, manager)

	if cfg.HTTP.Enabled {
		authToken := ""
		if cfg.HTTP.RequireAuthentication {
			authToken = cfg.HTTP.AuthToken
		}
		router := httpapi.NewRouter(manager, s, worker, hub, authToken)
		log.Println("smsgw: serving HTTP API on", cfg.HTTP.Address)
		go func() {
			if err := http.ListenAndServe(cfg.HTTP.Address, router); err != nil {
				log.Println("smsgw: HTTP server exited:", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("smsgw: shutting down")
}

// scavengeMultipartGroups drops stalled multipart reassembly groups on a
// fixed tick so abandoned segments don't accumulate indefinitely.
func scavengeMultipartGroups(ctx context.Context, m *smsmanager.Manager) {
	t := time.NewTicker(multipart.ScavengeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if dropped := m.Scavenge(); len(dropped) > 0 {
				log.Println("smsgw: scavenged stalled multipart groups:", dropped)
			}
		}
	}
}
