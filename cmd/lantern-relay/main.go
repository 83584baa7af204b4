// Command lantern-relay runs the Lantern Relay: the LAN hub clients
// discover via mDNS and connect to over a single websocket (§4.4, §4.5).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/labstack/echo/v4"

	"github.com/lantern-chat/lantern/internal/config"
	"github.com/lantern-chat/lantern/internal/relayserver"
)

// selfSignedValidity is how long the -wss self-signed certificate lasts
// before a restart must regenerate it.
const selfSignedValidity = 365 * 24 * time.Hour

func main() {
	addr := flag.String("addr", "", "listen address (default :<port>, see -port/LANTERN_RELAY_PORT)")
	port := flag.Int("port", config.RelayPort(43190), "listen port (overridden by -addr; defaults to LANTERN_RELAY_PORT)")
	dbPath := flag.String("db", "lantern-relay.db", "SQLite path for the announcement ring (':memory:' for ephemeral)")
	noMDNS := flag.Bool("no-mdns", false, "disable mDNS advertisement")
	wss := flag.Bool("wss", false, "serve over wss:// using a self-signed certificate instead of plain ws://")
	hostname := flag.String("wss-hostname", "", "hostname/IP to embed in the self-signed certificate's SAN (default: OS hostname)")
	flag.Parse()

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = net.JoinHostPort("", strconv.Itoa(*port))
	}

	srv, err := relayserver.New(*dbPath)
	if err != nil {
		slog.Error("relay: open server", "err", err)
		os.Exit(1)
	}
	defer srv.Close()

	e := echo.New()
	srv.Register(e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("relay: shutting down")
		cancel()
	}()

	go srv.RunSweeps(ctx)

	if !*noMDNS {
		mdnsServer, err := advertise(*port)
		if err != nil {
			slog.Warn("relay: mdns advertisement failed, continuing without it", "err", err)
		} else {
			defer mdnsServer.Shutdown()
		}
	}

	httpServer := &http.Server{Addr: listenAddr, Handler: e}
	if *wss {
		cn := *hostname
		if cn == "" {
			if h, err := os.Hostname(); err == nil {
				cn = h
			}
		}
		tlsCfg, fingerprint, err := relayserver.GenerateSelfSignedTLSConfig(selfSignedValidity, cn)
		if err != nil {
			slog.Error("relay: generate self-signed tls config", "err", err)
			os.Exit(1)
		}
		httpServer.TLSConfig = tlsCfg
		slog.Info("relay: wss enabled with a self-signed certificate", "sha256", fingerprint)
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	slog.Info("relay: listening", "addr", listenAddr, "wss", *wss)
	if *wss {
		err = httpServer.ListenAndServeTLS("", "")
	} else {
		err = httpServer.ListenAndServe()
	}
	if err != nil && ctx.Err() == nil && err != http.ErrServerClosed {
		slog.Error("relay: serve", "err", err)
		os.Exit(1)
	}
}

// advertise registers the Relay as "_lanternrelay._tcp" so EndpointResolver
// (internal/relayclient) can discover it without a manual address (§4.5).
func advertise(port int) (*mdns.Server, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "lantern-relay"
	}
	info := []string{"port=" + strconv.Itoa(port)}
	service, err := mdns.NewMDNSService(hostname, "_lanternrelay._tcp", "", "", port, nil, info)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: service})
}
