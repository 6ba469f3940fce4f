// Command sipi serves a web interface and hamlib rotctld bridge for a
// SiTech mount controlled by SiTechExe.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/sitech_interface/arbiter"
	"github.com/w1xm/sitech_interface/internal/config"
	"github.com/w1xm/sitech_interface/mount"
	"github.com/w1xm/sitech_interface/sitechexe"
	"github.com/w1xm/sitech_interface/sitechexe/simulator"
)

var (
	configPath = flag.String("config", "", "path to YAML configuration file")
	listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
	staticDir  = flag.String("static_dir", "", "directory containing static files (overrides config)")
	rotctld    = flag.String("rotctld", "", "rotctld listen address (overrides config)")
	simulate   = flag.Bool("simulate", false, "run against an in-process simulated SiTechExe and servo controller")
	waitReady  = flag.Bool("wait_ready", false, "wait for SiTechExe to answer before serving")
)

func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if *staticDir != "" {
		cfg.HTTP.StaticDir = *staticDir
	}
	if *rotctld != "" {
		cfg.HTTP.Rotctld = *rotctld
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	config.Normalize(cfg)
	return cfg, nil
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	clientCfg := cfg.Client()
	var (
		svc    arbiter.ServiceManager = cfg.Systemd()
		ports  arbiter.PortProber     = cfg.Lsof()
		opener arbiter.Opener         = cfg.SerialOpener()
	)
	if *simulate {
		sim := simulator.New()
		clientCfg.Dialer = sim.Dial
		svc, ports, opener = sim, sim, sim
		g.Go(func() error { return sim.Run(ctx) })
		log.Print("running against simulated SiTechExe")
	}

	client := sitechexe.New(clientCfg)
	defer client.Close()

	s := NewServer(client, nil, cfg.SiTechExe.CalPointsFile)
	poller := sitechexe.NewPoller(client, cfg.Poller(), s.statusCallback)
	arb := arbiter.New(svc, ports, opener, cfg.Arbiter())
	s.mount = mount.New(client, poller, arb, svc, mount.Config{
		RestoreAfterMode: cfg.Daemon.RestoreAfterMode,
	})

	if *waitReady {
		if err := s.mount.WaitReady(ctx, cfg.ReadyTimeout(), time.Second); err != nil {
			log.Printf("SiTechExe not ready: %v", err)
		}
	}

	g.Go(func() error { return poller.Run(ctx) })

	if cfg.HTTP.Rotctld != "" {
		if err := s.ListenRotctld(ctx, cfg.HTTP.Rotctld); err != nil {
			log.Fatalf("rotctld: %v", err)
		}
	}

	r := mux.NewRouter()
	s.Routes(r)
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.HTTP.StaticDir)))
	srv := &http.Server{
		Handler:      r,
		Addr:         cfg.HTTP.Listen,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Print("shutdown; closing HTTP server")
		return srv.Close()
	})
	g.Go(func() error {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
