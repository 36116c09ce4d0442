package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexrig/internal/avatar"
	"github.com/normanking/cortexrig/internal/bridge"
	"github.com/normanking/cortexrig/internal/bus"
	"github.com/normanking/cortexrig/internal/calibration"
	"github.com/normanking/cortexrig/internal/clip"
	"github.com/normanking/cortexrig/internal/config"
	"github.com/normanking/cortexrig/internal/lipsync"
	"github.com/normanking/cortexrig/internal/logging"
	"github.com/normanking/cortexrig/internal/renderer"
	"github.com/normanking/cortexrig/internal/viewer"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	configDir := flag.String("config", "", "configuration directory (default ~/.cortexrig)")
	modelPath := flag.String("model", "", "VRM model to load, overrides model.path")
	shaderDir := flag.String("shaders", "", "directory with lines.vert and lines.frag")
	showFPS := flag.Bool("fps", false, "log frames per second")
	flag.Parse()

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}

	logger, err := logging.New(&logging.Config{
		LogDir:     cfg.App.LogDir,
		Level:      cfg.App.LogLevel,
		MaxHistory: 1000,
		Console:    cfg.App.Console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	log := logger.Component("main")

	if err := run(cfg, logger, *shaderDir, *showFPS); err != nil {
		log.Error().Err(err).Msg("avatar rig stopped")
		logger.Close()
		os.Exit(1)
	}
}

func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.LoadFrom(dir)
	}
	return config.Load()
}

func run(cfg *config.Config, logger *logging.Logger, shaderDir string, showFPS bool) error {
	log := logger.Component("main")

	if err := glfw.Init(); err != nil {
		return fmt.Errorf("initialize glfw: %w", err)
	}
	defer glfw.Terminate()

	view, err := viewer.New(viewer.Config{
		Width:         cfg.Window.Width,
		Height:        cfg.Window.Height,
		Title:         cfg.Window.Title,
		VSync:         cfg.Window.VSync,
		MSAA:          4,
		TransparentBG: cfg.Window.Transparent,
		AlwaysOnTop:   cfg.Window.AlwaysOnTop,
		ShaderDir:     shaderDir,
		MaxBars:       viewer.DefaultConfig().MaxBars,
	}, logger.Zerolog())
	if err != nil {
		return fmt.Errorf("create viewer: %w", err)
	}
	defer view.Shutdown()

	events := bus.NewEventBus()
	defer events.Clear()

	av := avatar.New(cfg.Avatar(), view.Camera(), view, events, logger.Component("avatar"))
	defer av.Close()

	av.SetCalibrationStore(calibration.NewStore(cfg.Calibration.Dir))

	library := clip.NewLibrary(cfg.Clip.Dir, logger.Zerolog())
	if err := library.Watch(nil); err != nil {
		log.Warn().Err(err).Msg("clip directory not watched")
	}
	defer library.Close()
	av.SetLibrary(library)

	bindInput(view, av)

	if cfg.Model.Path != "" {
		if err := av.LoadModelFile(cfg.Model.Path); err != nil {
			log.Error().Err(err).Str("path", cfg.Model.Path).Msg("model not loaded")
		}
	} else {
		log.Warn().Msg("no model configured, set model.path or pass -model")
	}

	if cfg.LipSync.Enabled {
		capture, err := startCapture(cfg.LipSync.Config, av, logger.Zerolog())
		if err != nil {
			log.Warn().Err(err).Msg("lip sync unavailable")
		} else {
			defer capture.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Bridge.Enabled {
		srv := bridge.NewServer(cfg.Bridge, av, events, logger.Zerolog())
		if err := srv.Start(ctx); err != nil {
			log.Error().Err(err).Msg("bridge not started")
		}
	}

	if err := config.Watch(func(next *config.Config) {
		av.Enqueue(func(c *avatar.Context) {
			c.SetTrackerConfig(next.Tracker)
			c.SetLipSyncConfig(next.LipSync.Config)
		})
		log.Info().Msg("configuration reloaded")
	}); err != nil {
		log.Warn().Err(err).Msg("configuration not watched")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	log.Info().Str("id", av.ID).Msg("avatar rig running")

	last := time.Now()
	frameCount := 0
	fpsTimer := last

	for !view.ShouldClose() {
		select {
		case <-sigChan:
			log.Info().Msg("shutdown signal received")
			return nil
		default:
		}

		now := time.Now()
		dt := now.Sub(last).Seconds()
		last = now

		if err := av.Frame(dt); err != nil {
			log.Debug().Err(err).Msg("frame update failed")
		}

		view.BeginFrame()
		view.DrawModel(av.Model())
		view.EndFrame()

		frameCount++
		if showFPS && now.Sub(fpsTimer) >= time.Second {
			calls, verts := view.GetStats()
			log.Info().
				Int("fps", frameCount).
				Int("draw_calls", calls).
				Int("vertices", verts).
				Msg("frame stats")
			frameCount = 0
			fpsTimer = now
		}
	}
	return nil
}

// bindInput routes cursor motion to the tracker and mouse buttons to the
// orbit camera. GLFW callbacks run inside PollEvents on the frame thread.
func bindInput(view *viewer.Renderer, av *avatar.Context) {
	orbit := renderer.NewOrbitController(view.Camera())
	av.SetDragSource(orbit)

	win := view.Window()
	buttons := func() (left, right, middle bool) {
		return win.GetMouseButton(glfw.MouseButtonLeft) == glfw.Press,
			win.GetMouseButton(glfw.MouseButtonRight) == glfw.Press,
			win.GetMouseButton(glfw.MouseButtonMiddle) == glfw.Press
	}

	win.SetCursorPosCallback(func(_ *glfw.Window, x, y float64) {
		left, right, middle := buttons()
		orbit.ProcessMouse(x, y, left, right, middle)
		av.PointerMove(x, y)
	})
	win.SetMouseButtonCallback(func(w *glfw.Window, _ glfw.MouseButton, _ glfw.Action, _ glfw.ModifierKey) {
		x, y := w.GetCursorPos()
		left, right, middle := buttons()
		orbit.ProcessMouse(x, y, left, right, middle)
	})
	win.SetScrollCallback(func(_ *glfw.Window, _, yoff float64) {
		orbit.ProcessScroll(yoff)
	})
	win.SetKeyCallback(func(w *glfw.Window, key glfw.Key, _ int, action glfw.Action, _ glfw.ModifierKey) {
		if action != glfw.Press {
			return
		}
		switch key {
		case glfw.KeyEscape:
			w.SetShouldClose(true)
		case glfw.KeyR:
			av.ResetTracker()
		case glfw.KeyS:
			av.Stop()
		}
	})
}

func startCapture(cfg lipsync.Config, av *avatar.Context, logger zerolog.Logger) (*lipsync.Capture, error) {
	analyzer := lipsync.NewAnalyzer(cfg)
	capture, err := lipsync.NewCapture(cfg.SampleRate, cfg.Device, analyzer.Write, logger)
	if err != nil {
		return nil, err
	}
	if err := capture.Start(); err != nil {
		capture.Close()
		return nil, err
	}
	av.StartLipSync(analyzer)
	return capture, nil
}
