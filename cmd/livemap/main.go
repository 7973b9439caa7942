package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/livemap/internal/api"
	"github.com/banshee-data/livemap/internal/config"
	"github.com/banshee-data/livemap/internal/db"
	"github.com/banshee-data/livemap/internal/gps"
	"github.com/banshee-data/livemap/internal/livelocation"
	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/monitoring"
	"github.com/banshee-data/livemap/internal/render"
	"github.com/banshee-data/livemap/internal/security"
	"github.com/banshee-data/livemap/internal/timeutil"
	"github.com/banshee-data/livemap/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON map config (defaults apply when empty)")
	listen      = flag.String("listen", "", "Listen address (overrides config)")
	source      = flag.String("source", "", "Position source: gps, simulator or none (overrides config)")
	dbPath      = flag.String("db", "", "Position history database (overrides config)")
	snapshot    = flag.String("snapshot", "", "Render one frame to this .png file and exit")
	statusURL   = flag.String("status", "", "Print the state of the livemap server at this URL and exit")
	units       = flag.String("units", "mps", "Speed units for API responses: mps, mph, kmph or kph")
	verbose     = flag.Bool("verbose", false, "Log per-sample and per-frame messages")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n       %s migrate <command>\n\nFlags:\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	monitoring.SetVerbose(*verbose)

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if flag.NArg() > 0 && flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(flag.Args()[1:], cfg.GetDBPath(), os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	if *statusURL != "" {
		if err := printStatus(*statusURL); err != nil {
			log.Fatalf("status: %v", err)
		}
		return
	}

	if *snapshot != "" {
		if err := writeSnapshot(cfg, *snapshot); err != nil {
			log.Fatalf("snapshot: %v", err)
		}
		return
	}

	if err := serve(cfg); err != nil {
		log.Fatal(err)
	}
}

func loadConfig() (*config.MapConfig, error) {
	cfg := config.DefaultMapConfig()
	if *configPath != "" {
		loaded, err := config.LoadMapConfig(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *source != "" {
		cfg.Source = source
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// positionSource is the configured source plus the receiver behind it, if
// any. A nil receiver means nothing needs running.
type positionSource struct {
	source   location.PositionSource
	receiver *gps.Receiver
}

func openSource(cfg *config.MapConfig, clock timeutil.Clock) (positionSource, error) {
	switch cfg.GetSource() {
	case config.SourceSimulator:
		sim, err := gps.NewSimulator(cfg.GetSimulatorConfig(), clock)
		if err != nil {
			return positionSource{}, fmt.Errorf("failed to start simulator: %w", err)
		}
		rx := gps.NewReceiver(sim, clock)
		rx.SetStaleAfter(cfg.GetStaleAfter())
		log.Printf("using simulated gps receiver")
		return positionSource{source: rx, receiver: rx}, nil
	case config.SourceGPS:
		rx, err := gps.Open(cfg.GetGPSPort(), cfg.GetPortOptions(), clock)
		if err != nil {
			// The map still serves; every request reports this error.
			log.Printf("gps receiver unavailable: %v", err)
			return positionSource{source: gps.NewUnavailable(err)}, nil
		}
		rx.SetStaleAfter(cfg.GetStaleAfter())
		return positionSource{source: rx, receiver: rx}, nil
	default:
		log.Printf("no position source configured")
		return positionSource{}, nil
	}
}

func printStatus(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := api.NewClient(url, nil).State(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

// writeSnapshot fetches one position, renders it and writes the frame.
func writeSnapshot(cfg *config.MapConfig, path string) error {
	if err := security.ValidateOutputPath(path, ".png"); err != nil {
		return err
	}
	clock := timeutil.RealClock{}
	src, err := openSource(cfg, clock)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if src.receiver != nil {
		defer src.receiver.Close()
		go func() {
			if err := src.receiver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("gps receiver stopped: %v", err)
			}
		}()
	}

	ctrl := livelocation.New(src.source, livelocation.Options{Timeout: cfg.GetTimeout(), Clock: clock})
	defer ctrl.Close()

	rc := cfg.RenderConfig()
	surface, err := render.NewImageSurface(rc.Viewport.Width, rc.Viewport.Height)
	if err != nil {
		return err
	}
	pipeline := render.NewPipeline(rc, surface, clock)

	p, err := ctrl.GetCurrentLocation(ctx)
	if err != nil {
		log.Printf("no position for snapshot: %v", err)
		pipeline.SetStatusText(err.Error())
	} else {
		pipeline.SetLocation(&p, false, 0)
	}
	if err := pipeline.RedrawNow(); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := surface.WritePNG(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Printf("wrote %s", path)
	return nil
}

func serve(cfg *config.MapConfig) error {
	clock := timeutil.RealClock{}
	src, err := openSource(cfg, clock)
	if err != nil {
		return err
	}

	history, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to open position history: %w", err)
	}
	defer history.Close()
	if n, err := history.CloseOpenSessions(context.Background(), time.Now()); err != nil {
		log.Printf("failed to close abandoned sessions: %v", err)
	} else if n > 0 {
		log.Printf("closed %d abandoned tracking session(s)", n)
	}

	// Create a wait group for the receiver, recorder, renderer and HTTP routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if src.receiver != nil {
		defer src.receiver.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.receiver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("gps receiver stopped: %v", err)
			}
			log.Print("receiver routine terminated")
		}()
	}

	recorder := db.NewRecorder(history, cfg.GetSource(), clock)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := recorder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("recorder stopped: %v", err)
		}
		log.Print("recorder routine terminated")
	}()

	rc := cfg.RenderConfig()
	surface, err := render.NewImageSurface(rc.Viewport.Width, rc.Viewport.Height)
	if err != nil {
		return err
	}
	pipeline := render.NewPipeline(rc, surface, clock)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("render pipeline stopped: %v", err)
		}
		log.Print("render routine terminated")
	}()

	ctrl := livelocation.New(src.source, livelocation.Options{
		AutoStart: cfg.GetEnableLiveTracking(),
		Timeout:   cfg.GetTimeout(),
		Clock:     clock,
		OnError: func(le *location.Error) {
			monitoring.Debugf("location error: %v", le)
		},
	})
	defer ctrl.Close()
	present := api.RenderState(pipeline)
	ctrl.Subscribe(func(s livelocation.State) {
		present(s)
		recorder.Observe(s.Seq, s.IsTracking, s.Location)
	})
	st := ctrl.Init(ctx)
	log.Printf("location permission %s, tracking %v", st.Permission, st.IsTracking)

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(api.Options{
			Controller: ctrl,
			Pipeline:   pipeline,
			History:    history,
			Recorder:   recorder,
			Receiver:   src.receiver,
			Units:      *units,
		})
		mux := srv.ServeMux()
		srv.AttachAdminRoutes(mux)
		history.AttachAdminRoutes(mux)
		if src.receiver != nil {
			src.receiver.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("%s listening on %s", version.Get(), server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
	return nil
}
