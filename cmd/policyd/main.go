// Command policyd is the postfix policy delegation daemon (spec §1/§6),
// grounded on original_source/postlicyd/main-postlicyd.c's option set and
// startup sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/pfixtools/policyd/internal/config"
	"github.com/pfixtools/policyd/internal/dnsgw"
	"github.com/pfixtools/policyd/internal/filter"
	"github.com/pfixtools/policyd/internal/metrics"
	"github.com/pfixtools/policyd/internal/netlog"
	"github.com/pfixtools/policyd/internal/resource"
	"github.com/pfixtools/policyd/internal/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	_ "github.com/pfixtools/policyd/internal/kinds/counter"
	_ "github.com/pfixtools/policyd/internal/kinds/greylist"
	_ "github.com/pfixtools/policyd/internal/kinds/hang"
	_ "github.com/pfixtools/policyd/internal/kinds/match"
	_ "github.com/pfixtools/policyd/internal/kinds/rate"
	_ "github.com/pfixtools/policyd/internal/kinds/spfkind"
	_ "github.com/pfixtools/policyd/internal/kinds/srskind"
	_ "github.com/pfixtools/policyd/internal/kinds/strlist"
)

const defaultPort = "10000"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "policyd: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	const op = errors.Op("policyd_main")

	var (
		verbose     = flag.Bool("verbose", false, "log at debug level")
		foreground  = flag.Bool("foreground", false, "do not daemonize, log to console")
		pidFile     = flag.String("pid-file", "", "write the daemon pid to this file")
		unsafe      = flag.Bool("unsafe", false, "skip privilege drop (development only)")
		port        = flag.String("port", "", "TCP port to listen on, overrides configuration")
		socketFile  = flag.String("socketfile", "", "unix socket path to listen on, overrides configuration")
		checkConf   = flag.Bool("check-conf", false, "only validate configuration and exit")
		dumpGraph   = flag.Bool("dump-graph-json", false, "print the loaded filter graph as JSON and exit")
		metricsAddr = flag.String("metrics-addr", "", "if set, serve /metrics on this address (e.g. :9090)")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		return errors.E(op, errors.Str("missing configuration file argument"))
	}
	configPath := flag.Arg(0)

	if len(*socketFile) > 107 {
		return errors.E(op, errors.Str("socketfile path cannot be more than 107 characters"))
	}

	log, err := netlog.New(netlog.Options{Verbose: *verbose, Foreground: *foreground})
	if err != nil {
		return errors.E(op, err)
	}
	defer log.Sync()

	dns, err := dnsgw.New(dnsgw.Config{}, netlog.Named(log, "dns"))
	if err != nil {
		return errors.E(op, err)
	}

	metricsReg := metrics.NewRegistry()
	env := &filter.Env{
		DNS:       dns,
		Resources: resource.NewRegistry(),
		Metrics:   metricsReg,
	}

	if *checkConf {
		if *unsafe {
			log.Info("skipping privilege checks for --check-conf --unsafe run")
		}
		if err := config.Check(configPath, env); err != nil {
			return errors.E(op, err)
		}
		fmt.Println("configuration OK")
		return nil
	}

	loader, err := config.NewLoader(configPath, env, log)
	if err != nil {
		return errors.E(op, err)
	}
	cfg := loader.Current()

	if *port != "" {
		cfg.Port = *port
	}
	if *socketFile != "" {
		cfg.SocketFile = *socketFile
	}
	if cfg.Port == "" && cfg.SocketFile == "" {
		cfg.Port = defaultPort
	}

	if *dumpGraph {
		return dumpGraphJSON(cfg)
	}

	if *pidFile != "" {
		if err := writePIDFile(*pidFile); err != nil {
			return errors.E(op, err)
		}
		defer os.Remove(*pidFile)
	}

	eng := filter.NewEngine(cfg, env, log)

	listeners, err := startListeners(cfg, eng, log)
	if err != nil {
		return errors.E(op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *metricsAddr != "" {
		serveMetrics(ctx, *metricsAddr, metricsReg, log)
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go watchSignals(ctx, cancel, sigCh, loader, eng, log)

	log.Info("policyd starting", zap.String("config", configPath))

	errCh := make(chan error, len(listeners))
	for _, ln := range listeners {
		ln := ln
		go func() { errCh <- ln.Serve(ctx) }()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		if err != nil {
			return errors.E(op, err)
		}
	}
	return nil
}

// startListeners opens the TCP and/or unix-socket listeners the
// configuration names, matching main-postlicyd.c's "both may be active at
// once" behavior.
func startListeners(cfg *filter.Config, eng *filter.Engine, log *zap.Logger) ([]*server.Listener, error) {
	const op = errors.Op("policyd_listeners")

	var out []*server.Listener
	current := func() *filter.Engine { return eng }

	if cfg.SocketFile != "" {
		ln, err := server.NewUnix(cfg.SocketFile, current, netlog.Named(log, "socket"))
		if err != nil {
			return nil, errors.E(op, err)
		}
		out = append(out, ln)
	}
	if cfg.Port != "" {
		ln, err := server.NewTCP(cfg.Port, current, netlog.Named(log, "tcp"))
		if err != nil {
			return nil, errors.E(op, err)
		}
		out = append(out, ln)
	}
	if len(out) == 0 {
		return nil, errors.E(op, errors.Str("no port or socketfile to listen on"))
	}
	return out, nil
}

// watchSignals implements spec §4.5's reload/shutdown contract: SIGHUP
// reloads configuration in place (previous config kept on error), SIGINT
// and SIGTERM begin a graceful shutdown. SIGPIPE is left unmasked; Go's
// runtime already turns a write to a closed socket into an EPIPE error
// rather than a fatal signal, so postlicyd's original ig_sigpipe has no
// Go-side equivalent to wire (see DESIGN.md).
func watchSignals(ctx context.Context, cancel context.CancelFunc, sigCh <-chan os.Signal, loader *config.Loader, eng *filter.Engine, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Info("reloading configuration")
				cfg, err := loader.Reload()
				if err != nil {
					log.Error("configuration reload failed, keeping previous configuration", zap.Error(err))
					continue
				}
				eng.Swap(cfg)
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("shutting down", zap.String("signal", sig.String()))
				cancel()
				return
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *metrics.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// graphFilter is the JSON shape a loaded filter graph dumps to for
// --dump-graph-json, a supplemented diagnostic spec.md itself does not
// describe (see SPEC_FULL.md §5).
type graphFilter struct {
	Name     string      `json:"name"`
	Kind     string      `json:"kind"`
	MinState string      `json:"min_state"`
	Hooks    []graphHook `json:"hooks"`
}

type graphHook struct {
	Outcome  string `json:"outcome"`
	Terminal bool   `json:"terminal"`
	Reply    string `json:"reply,omitempty"`
	Next     string `json:"next,omitempty"`
}

func dumpGraphJSON(cfg *filter.Config) error {
	out := make([]graphFilter, 0, len(cfg.Filters))
	for _, f := range cfg.Filters {
		gf := graphFilter{Name: f.Name, Kind: f.Kind, MinState: f.MinState.String()}
		for _, h := range f.Hooks {
			gh := graphHook{Outcome: h.Outcome.String(), Terminal: h.Terminal, Reply: h.Reply}
			if !h.Terminal && h.Next >= 0 && h.Next < len(cfg.Filters) {
				gh.Next = cfg.Filters[h.Next].Name
			}
			gf.Hooks = append(gf.Hooks, gh)
		}
		out = append(out, gf)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: policyd [options] config\n\n"+
		"If neither -port nor -socketfile is specified and the configuration\n"+
		"file also does not contain a port or socketfile directive, the\n"+
		"default is to listen on tcp port %s.\n\nOptions:\n", defaultPort)
	flag.PrintDefaults()
}
