package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"ratepilot/internal/core/domain"
	"ratepilot/internal/core/ports"
	"ratepilot/internal/core/services"
	httphandlers "ratepilot/internal/handlers/http"
	"ratepilot/internal/infrastructure/monitoring"
	"ratepilot/internal/infrastructure/netobserver"
	"ratepilot/internal/infrastructure/settings"
	"ratepilot/internal/infrastructure/simulation"
	webrtcinfra "ratepilot/internal/infrastructure/webrtc"
	"ratepilot/pkg/config"
	"ratepilot/pkg/retry"
	"ratepilot/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// app owns every component of the daemon. Components disabled in the
// configuration stay nil.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	log    *zap.SugaredLogger

	registry *prometheus.Registry
	metrics  *monitoring.PrometheusCollector
	tracer   *tracing.TracerProvider
	health   *monitoring.HealthChecker

	redisClient *redis.Client
	redisBus    *settings.RedisBus
	bus         ports.SettingsBus

	simSink    *simulation.LossySink
	rtcSink    *webrtcinfra.Sink
	negotiator *webrtcinfra.Negotiator
	sink       ports.BitrateSink

	staticObserver *netobserver.StaticObserver
	observer       ports.NetworkObserver

	conditioner *services.LossConditioner
	monitor     *services.NetworkQualityMonitor
	follower    *targetFollower

	hub    *httphandlers.Hub
	server *http.Server
	ln     net.Listener

	closeOnce sync.Once
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *app, err error) {
	a = &app{
		cfg:      cfg,
		logger:   logger,
		log:      logger.Sugar(),
		registry: prometheus.NewRegistry(),
		health:   monitoring.NewHealthChecker(),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = monitoring.NewPrometheusCollector(a.registry)

	a.tracer, err = tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	}, version)
	if err != nil {
		return nil, err
	}

	if err = a.initBus(ctx); err != nil {
		return nil, err
	}
	if err = a.initSink(); err != nil {
		return nil, err
	}
	if err = a.initConditioner(); err != nil {
		return nil, err
	}
	if err = a.initMonitor(); err != nil {
		return nil, err
	}
	a.initHTTP()
	return a, nil
}

func (a *app) initBus(ctx context.Context) error {
	if !a.cfg.Redis.Enabled {
		a.bus = settings.NewMemoryBus()
		return nil
	}

	client, err := settings.NewRedisClient(ctx, settings.RedisClientConfig{
		Address:  a.cfg.Redis.Address,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	}, a.log)
	if err != nil {
		return err
	}
	a.redisClient = client
	a.health.AddRedisCheck(client, 2*time.Second)

	a.redisBus = settings.NewRedisBus(client, settings.RedisBusConfig{
		KeyPrefix: a.cfg.Redis.KeyPrefix,
		Channel:   a.cfg.Redis.Channel,
		Retry:     retry.DefaultConfig(),
	}, a.log.Named("settings"))
	// Started here so the quality monitor sees stored values at construction.
	if err := a.redisBus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start redis settings bus: %w", err)
	}
	a.bus = a.redisBus
	return nil
}

func (a *app) initSink() error {
	switch a.cfg.Sink.Kind {
	case config.SinkSimulation:
		schedule := make([]simulation.CapacityStep, 0, len(a.cfg.Simulation.Schedule))
		for _, s := range a.cfg.Simulation.Schedule {
			schedule = append(schedule, simulation.CapacityStep{At: s.At, CapacityBps: s.CapacityBps})
		}
		a.simSink = simulation.NewLossySink(simulation.Config{
			Connections:    a.cfg.Simulation.Connections,
			CapacityBps:    a.cfg.Simulation.CapacityBps,
			BackgroundLoss: a.cfg.Simulation.BackgroundLoss,
			Tick:           a.cfg.Simulation.Tick,
			Schedule:       schedule,
			Seed:           a.cfg.Simulation.Seed,
		}, a.log.Named("simulation"))
		a.sink = a.simSink

	case config.SinkWebRTC:
		encoder := webrtcinfra.EncoderFunc(func(bps int) error {
			a.log.Debugw("encoder bitrate updated", "bitrate", bps)
			return nil
		})
		a.rtcSink = webrtcinfra.NewSink(encoder, a.log.Named("webrtc"))
		a.negotiator = webrtcinfra.NewNegotiator(webrtcinfra.Config{
			ICEServers:    a.cfg.WebRTC.ICEServers,
			PortMin:       a.cfg.WebRTC.PortRange.Min,
			PortMax:       a.cfg.WebRTC.PortRange.Max,
			GatherTimeout: a.cfg.WebRTC.GatherTimeout,
		}, a.rtcSink, a.log.Named("webrtc"))
		a.sink = a.rtcSink

	default:
		return fmt.Errorf("unknown sink kind %q", a.cfg.Sink.Kind)
	}

	a.sink = settings.NewPublishingSink(a.sink, a.bus)
	return nil
}

func (a *app) initConditioner() error {
	if !a.cfg.Conditioner.Enabled {
		return nil
	}

	strategy, err := services.NewLossStrategy(domain.StrategyKind(a.cfg.Conditioner.Strategy))
	if err != nil {
		return err
	}
	a.conditioner, err = services.NewLossConditioner(a.sink, strategy, a.cfg.Conditioner.InitBitrate, a.log.Named("conditioner"))
	if err != nil {
		return err
	}
	a.conditioner.SetMetrics(a.metrics)
	a.conditioner.SetCheckTiming(a.cfg.Conditioner.CheckDelay, a.cfg.Conditioner.CheckInterval)

	if a.rtcSink != nil {
		a.rtcSink.OnClosed(func(id domain.ConnectionID) {
			if err := a.conditioner.RemoveConnection(id); err != nil && !errors.Is(err, domain.ErrUnknownConnection) {
				a.log.Warnw("failed to remove closed connection", "connection_id", id, "error", err)
			}
		})
	}
	return nil
}

func (a *app) initMonitor() error {
	if !a.cfg.Quality.Enabled {
		return nil
	}

	switch a.cfg.Observer.Kind {
	case config.ObserverStatic:
		s := a.cfg.Observer.Static
		a.staticObserver = netobserver.NewStaticObserver(domain.Capability{
			BandwidthKbps:   s.BandwidthKbps,
			LatencyMs:       s.LatencyMs,
			LatencyMeasured: s.LatencyMs > 0,
			PacketLossPct:   s.PacketLossPct,
			Transport:       domain.TransportType(s.Transport),
			Metered:         s.Metered,
		})
		a.observer = a.staticObserver
	case config.ObserverSysfs:
		obs, err := netobserver.NewSysfsObserver(netobserver.SysfsConfig{
			Interface:            a.cfg.Observer.Interface,
			SysPath:              a.cfg.Observer.SysPath,
			ProcPath:             a.cfg.Observer.ProcPath,
			WatchInterval:        a.cfg.Observer.WatchInterval,
			DefaultBandwidthKbps: a.cfg.Observer.DefaultBandwidthKbps,
		}, a.log.Named("observer"))
		if err != nil {
			return err
		}
		a.observer = obs
	default:
		return fmt.Errorf("unknown observer kind %q", a.cfg.Observer.Kind)
	}

	q := a.cfg.Quality
	monitor, err := services.NewNetworkQualityMonitor(services.QualityMonitorConfig{
		Ladder:           q.Ladder,
		Cooldown:         q.Cooldown,
		PollInterval:     q.PollInterval,
		WindowSize:       q.WindowSize,
		WindowMaxAge:     q.WindowMaxAge,
		DefaultBitrate:   q.DefaultBitrate,
		ClampAboveLadder: q.ClampAboveLadder,
	}, a.bus, a.observer, a.log.Named("quality"))
	if err != nil {
		return err
	}
	monitor.SetMetrics(a.metrics)
	monitor.OnQualityChange(func(from, to domain.QualityLevel) {
		a.log.Infow("network quality changed", "from", from, "to", to)
	})
	a.monitor = monitor
	return nil
}

func (a *app) initHTTP() {
	if a.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	a.hub = httphandlers.NewHub(a.bus, a.cfg.Server.PingInterval, a.log.Named("ws"))

	var handlers []httphandlers.Routable
	var cond httphandlers.Conditioner
	if a.conditioner != nil {
		cond = a.conditioner
	}
	var quality httphandlers.QualityReporter
	if a.monitor != nil {
		quality = a.monitor
	}
	handlers = append(handlers, httphandlers.NewStatusHandler(cond, quality, a.health))

	if a.negotiator != nil {
		var registry httphandlers.ConnectionRegistry
		if a.conditioner != nil {
			registry = a.conditioner
		}
		handlers = append(handlers, httphandlers.NewConnectionHandler(a.negotiator, registry, a.log.Named("http")))
	}

	var capacity httphandlers.CapacityController
	if a.simSink != nil {
		capacity = a.simSink
	}
	var capability httphandlers.CapabilitySetter
	if a.staticObserver != nil {
		capability = a.staticObserver
	}
	if capacity != nil || capability != nil {
		handlers = append(handlers, httphandlers.NewSimulationHandler(capacity, capability))
	}

	router := httphandlers.NewRouter(a.cfg, a.logger, a.registry, a.hub, handlers...)
	a.server = &http.Server{
		Addr:         a.cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}
}

// start brings the engines up and serves HTTP until ctx is cancelled or the
// server fails.
func (a *app) start(ctx context.Context) error {
	if a.simSink != nil {
		a.simSink.Run(ctx)
		if a.conditioner != nil {
			for _, id := range a.simSink.Connections() {
				if err := a.conditioner.AddConnection(id); err != nil {
					return err
				}
			}
		}
	}

	if a.conditioner != nil {
		if err := a.conditioner.Start(ctx); err != nil {
			return err
		}
		if a.monitor != nil && a.cfg.Conditioner.FollowQualityTarget {
			a.follower = newTargetFollower(a.bus, a.conditioner, a.log.Named("follower"))
		}
	}
	if a.monitor != nil {
		if err := a.monitor.Start(ctx); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", a.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.Address, err)
	}
	a.ln = ln
	a.log.Infow("ratepilot started",
		"address", ln.Addr().String(),
		"sink", a.cfg.Sink.Kind,
		"strategy", a.cfg.Conditioner.Strategy,
		"observer", a.cfg.Observer.Kind,
		"redis", a.cfg.Redis.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.close(shutdownCtx)
		return nil
	})
	return g.Wait()
}

// close stops components in reverse dependency order. It is safe on a
// partially constructed app and runs at most once.
func (a *app) close(ctx context.Context) {
	a.closeOnce.Do(func() { a.shutdown(ctx) })
}

func (a *app) shutdown(ctx context.Context) {
	if a.server != nil && a.ln != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Errorw("error during server shutdown", "error", err)
			_ = a.server.Close()
		}
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.follower != nil {
		a.follower.Stop()
	}
	if a.conditioner != nil {
		a.conditioner.Stop()
	}
	if a.simSink != nil {
		a.simSink.Stop()
	}
	if a.redisBus != nil {
		_ = a.redisBus.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warnw("error closing redis client", "error", err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.log.Warnw("error shutting down tracer", "error", err)
		}
	}
	a.log.Info("ratepilot stopped")
}
