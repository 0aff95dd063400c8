// Command catboxd runs a single catboxd network node: it loads a TOML
// configuration, brings up listeners and helper processes, and runs
// the event loop until told to shut down.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/horgh/catboxd/internal/config"
	"github.com/horgh/catboxd/internal/ircd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	args := getArgs()
	if args == nil {
		os.Exit(1)
	}

	cfg, err := config.Load(args.ConfigFile)
	if err != nil {
		entry.WithError(err).Fatal("loading configuration")
	}
	if args.ServerName != "" {
		cfg.ServerName = args.ServerName
	}
	if args.SID != "" {
		cfg.TS6SID = args.SID
	}

	cb := ircd.NewCatbox(cfg, entry)

	startHelpers(cb, cfg)
	registerOperationalHooks(cb, entry)

	listeners, err := openListeners(cb, cfg)
	if err != nil {
		entry.WithError(err).Fatal("opening listeners")
	}
	if args.ListenFD >= 0 {
		ln, err := net.FileListener(os.NewFile(uintptr(args.ListenFD), "listen-fd"))
		if err != nil {
			entry.WithError(err).Fatal("using listen-fd")
		}
		listeners = append(listeners, ln)
		cb.WG.Add(1)
		go cb.Accept(ln, false)
	}

	if cfg.MetricsListen != "" {
		go serveMetrics(cb, cfg.MetricsListen, entry)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				entry.Info("SIGHUP: rehash requested (not yet implemented, ignoring)")
				continue
			}
			entry.WithField("signal", sig).Info("shutting down")
			cb.Shutdown()
			return
		}
	}()

	cb.WG.Add(1)
	go func() {
		defer cb.WG.Done()
		cb.Run()
	}()

	<-cb.ShutdownChan
	for _, ln := range listeners {
		_ = ln.Close()
	}
	cb.WG.Wait()
	entry.Info("catboxd shut down cleanly")
}

// startHelpers spawns the configured ssld/authd/wsockd instances
// (spec.md §4.11). A role with no Path or a Count <= 0 is not started;
// config validation turns a zero ssld/authd Count into 1, so those two
// are skipped only when their Path is empty. The features that depend
// on a missing role degrade (TLS listeners refuse connections,
// ident/DNS lookups are skipped) rather than the daemon refusing to
// start.
func startHelpers(cb *ircd.Catbox, cfg *config.Config) {
	spawn := func(role ircd.HelperRole, block config.HelperBlock) {
		if block.Path == "" || block.Count <= 0 {
			return
		}
		for i := 0; i < block.Count; i++ {
			sup := ircd.NewHelperSupervisor(cb, role, block.Path, nil)
			if err := sup.Start(); err != nil {
				cb.Log.WithError(err).WithField("helper", role.String()).Error("failed to start helper")
				continue
			}
			cb.Helpers[role] = append(cb.Helpers[role], sup)
		}
	}

	spawn(ircd.HelperSSLD, cfg.Helpers.SSLD)
	spawn(ircd.HelperAuthd, cfg.Helpers.Authd)
	spawn(ircd.HelperWsockd, cfg.Helpers.Wsockd)
}

// openListeners binds every configured Listener and starts its accept
// loop, routing TLS listeners to ssld instead of crypto/tls (spec.md
// §4.11).
func openListeners(cb *ircd.Catbox, cfg *config.Config) ([]net.Listener, error) {
	var listeners []net.Listener
	for _, l := range cfg.Listeners {
		ln, err := net.Listen("tcp", net.JoinHostPort(l.Host, l.Port))
		if err != nil {
			return listeners, err
		}
		listeners = append(listeners, ln)

		if l.TLS {
			cb.WG.Add(1)
			go acceptTLSLoop(cb, ln, l.Server)
		} else {
			cb.WG.Add(1)
			go cb.Accept(ln, l.Server)
		}
	}
	return listeners, nil
}

// acceptTLSLoop mirrors Catbox.Accept but for listeners marked tls =
// true: every accepted socket is hand-off to ssld rather than wrapped
// directly.
func acceptTLSLoop(cb *ircd.Catbox, ln net.Listener, isServerPort bool) {
	defer cb.WG.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-cb.ShutdownChan:
				return
			default:
			}
			continue
		}

		if err := cb.AcceptTLS(conn, isServerPort); err != nil {
			cb.Log.WithError(err).Warn("TLS handoff to ssld failed")
		}
	}
}

// serveMetrics exposes the Prometheus registry (spec.md §11) on its
// own listener; metrics.go explicitly defers this wiring to the
// entrypoint.
func serveMetrics(cb *ircd.Catbox, addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-cb.ShutdownChan
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Warn("metrics listener stopped")
	}
}

// registerOperationalHooks wires CONNECT requests (spec.md §4.9,
// §4.10) to the one action only the entrypoint can take here: dialing
// a socket. No hook is registered for REHASH or RESTART.
func registerOperationalHooks(cb *ircd.Catbox, log *logrus.Entry) {
	cb.Hooks.Register(ircd.HookConnectRequested, func(payload interface{}) {
		name, ok := payload.(string)
		if !ok {
			return
		}
		block, ok := cb.Config.Servers[name]
		if !ok {
			return
		}
		go dialServer(cb, name, block, log)
	})
}

// dialServer performs the outbound TCP connect for an autoconnect or
// CONNECT-triggered server link and always hands the socket to ssld via
// AcceptTLS, the same path an accepted TLS server connection takes.
// There is no plain-TCP outbound path: without an ssld helper the link
// fails.
func dialServer(cb *ircd.Catbox, name string, block config.ServerBlock, log *logrus.Entry) {
	addr := net.JoinHostPort(block.Hostname, strconv.Itoa(block.Port))
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		log.WithError(err).WithField("server", name).Warn("autoconnect failed")
		return
	}

	if err := cb.AcceptTLS(conn, true); err != nil {
		log.WithError(err).WithField("server", name).Warn("ssld handoff for outbound link failed")
	}
}
