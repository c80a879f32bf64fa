// extdevd is the external device manager daemon.
//
// It keeps the registry of devices attached through external buses, binds
// each one to an installed driver package and starts and stops the driver
// host processes that serve them. Device arrivals and package changes come in
// over MQTT; binding state goes back out the same way and through the HTTP
// API.
//
// Usage:
//
//	extdevd [--config path]
//	extdevd token --subject name [--role viewer|operator] [--ttl 15m]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/api"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/audit"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/auth"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus/usb"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/device"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverhost"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/config"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/database"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/influxdb"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/logging"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/mqtt"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/ingest"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// defaultConfigPath is used when neither --config nor EXTDEV_CONFIG is set.
	defaultConfigPath = "configs/config.yaml"

	// shutdownTimeout bounds stopping driver hosts and draining observers.
	shutdownTimeout = 15 * time.Second

	// pruneInterval is how often expired lifecycle events are removed.
	pruneInterval = time.Hour

	// statsInterval is how often device counts go to telemetry.
	statsInterval = time.Minute
)

// errIdleUnload marks a shutdown requested by the registry itself.
var errIdleUnload = errors.New("idle unload requested")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run parses the command line and dispatches to the daemon or the token
// subcommand.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) > 0 && args[0] == "token" {
		return runToken(args[1:], stdout)
	}

	var configPath string
	var showVersion bool

	fs := pflag.NewFlagSet("extdevd", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file (default $EXTDEV_CONFIG or "+defaultConfigPath+")")
	fs.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(stdout, fs)
			return nil
		}
		return fmt.Errorf("parsing flags: %w", err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	if showVersion {
		fmt.Fprintf(stdout, "extdevd %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	return serve(ctx, resolveConfigPath(configPath))
}

// resolveConfigPath picks the flag value, then EXTDEV_CONFIG, then the default.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("EXTDEV_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage of %s:\n%s", fs.Name(), fs.FlagUsages())
}

// runToken mints an API access token signed with the configured secret.
func runToken(args []string, stdout io.Writer) error {
	var (
		configPath string
		subject    string
		role       string
		ttl        time.Duration
	)

	fs := pflag.NewFlagSet("extdevd token", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	fs.StringVar(&subject, "subject", "", "token subject, e.g. the calling service name")
	fs.StringVar(&role, "role", string(auth.RoleViewer), "viewer or operator")
	fs.DurationVar(&ttl, "ttl", 0, "token lifetime (default security.jwt.access_token_ttl minutes)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(stdout, fs)
			return nil
		}
		return fmt.Errorf("parsing flags: %w", err)
	}
	if subject == "" {
		return errors.New("--subject is required")
	}

	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if ttl == 0 {
		ttl = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	}

	tok, err := auth.GenerateAccessToken(subject, auth.Role(role), cfg.Security.JWT.Secret, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(stdout, tok)
	return nil
}

// serve runs the daemon until ctx is cancelled or the registry asks to be
// unloaded.
//
// Shutdown runs in reverse order of startup: inputs first (MQTT listeners,
// API), then driver hosts, then the observers are drained, and finally the
// infrastructure connections close.
func serve(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting external device manager",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	// Database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Bus extensions and driver catalogue
	exts := bus.NewRegistry()
	if _, regErr := usb.Register(exts, log.Component("usb")); regErr != nil {
		return fmt.Errorf("registering usb bus: %w", regErr)
	}

	index := driverpkg.NewIndex(driverpkg.NewSQLiteRepository(db.DB), exts)
	index.SetLogger(log.Component("driverpkg"))
	if err := syncManifests(ctx, index, cfg.Drivers.ManifestDir, log); err != nil {
		return err
	}

	// Driver host
	host, err := driverhost.New(driverhost.Options{
		Binary:             cfg.DriverHost.Binary,
		Args:               cfg.DriverHost.Args,
		WorkDir:            cfg.DriverHost.WorkDir,
		RestartOnFailure:   cfg.DriverHost.RestartOnFailure,
		RestartDelay:       time.Duration(cfg.DriverHost.RestartDelaySeconds) * time.Second,
		MaxRestartAttempts: cfg.DriverHost.MaxRestartAttempts,
		StopTimeout:        time.Duration(cfg.DriverHost.StopTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("creating driver host: %w", err)
	}
	host.SetLogger(log.Component("driverhost"))

	// Telemetry (optional)
	var influxClient *influxdb.Client
	var telemetry audit.Telemetry
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled, devices arrive only through discovery")
	}

	// Observers run on their own context so they can drain the events
	// produced while everything else shuts down.
	obsCtx, stopObservers := context.WithCancel(context.Background())
	var observers sync.WaitGroup
	defer func() {
		stopObservers()
		observers.Wait()
	}()

	history := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(history, telemetry, cfg.Audit.QueueSize)
	recorder.SetLogger(log.Component("audit"))
	observers.Go(func() {
		if runErr := recorder.Run(obsCtx); runErr != nil {
			log.Error("lifecycle recorder stopped", "error", runErr)
		}
	})

	hub := api.NewHub(cfg.WebSocket, log)
	observers.Go(func() { hub.Run(obsCtx) })

	var reg *device.Registry
	registryObservers := []device.Observer{recorder, hub}
	if mqttClient != nil {
		publisher := ingest.NewStatusPublisher(mqttClient, bindingsFunc(func() []device.Binding {
			return reg.Bindings()
		}), cfg.Audit.QueueSize)
		publisher.SetLogger(log.Component("publisher"))
		observers.Go(func() { publisher.Run(obsCtx) })
		registryObservers = append(registryObservers, publisher)
	}

	// Registry. An idle unload cancels runCtx, which stops the daemon the
	// same way a signal does.
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	reg = device.NewRegistry(device.Options{
		Matcher: index,
		Host:    host,
		Unloader: device.UnloaderFunc(func() {
			cancelRun(errIdleUnload)
		}),
		IdleUnloadDelay: cfg.IdleUnloadDelay(),
		Observers:       registryObservers,
	})
	reg.SetLogger(log.Component("registry"))
	host.SetLossHandler(reg.ConnectionLost)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("stopping driver hosts")
		if closeErr := host.Close(shutdownCtx); closeErr != nil {
			log.Error("error stopping driver hosts", "error", closeErr)
		}
		reg.Close()
	}()

	// Event sources
	if mqttClient != nil {
		qos := byte(cfg.MQTT.QoS)

		devices := ingest.NewDeviceListener(mqttClient, reg, qos)
		devices.SetLogger(log.Component("ingest"))
		if startErr := devices.Start(runCtx); startErr != nil {
			return fmt.Errorf("starting device listener: %w", startErr)
		}
		defer stopListener("device", devices, log)

		packages := ingest.NewPackageListener(mqttClient, index, reg, qos)
		packages.SetLogger(log.Component("ingest"))
		if startErr := packages.Start(runCtx); startErr != nil {
			return fmt.Errorf("starting package listener: %w", startErr)
		}
		defer stopListener("package", packages, log)
	}

	// HTTP API
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Security:  cfg.Security,
			Logger:    log.Component("api"),
			Registry:  reg,
			Drivers:   index,
			Processes: host,
			History:   history,
			DB:        db.DB,
			Hub:       hub,
			Version:   version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		srv, newErr := api.New(deps)
		if newErr != nil {
			return fmt.Errorf("creating API server: %w", newErr)
		}
		if startErr := srv.Start(runCtx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// Devices already present at boot
	if cfg.Discovery.ScanOnStart {
		scanUSB(runCtx, reg, cfg.Discovery.USBSysfsPath, log)
	}
	reg.CheckIdle()

	if retention := cfg.AuditRetention(); retention > 0 {
		go pruneLoop(runCtx, history, retention, log)
	}
	if influxClient != nil {
		go statsLoop(runCtx, reg, influxClient)
	}

	log.Info("initialisation complete",
		"devices", reg.GetTotalDeviceNum(),
		"bindings", len(reg.Bindings()),
	)

	<-runCtx.Done()
	if errors.Is(context.Cause(runCtx), errIdleUnload) {
		log.Info("no devices left, unloading")
	} else {
		log.Info("shutdown signal received, cleaning up")
	}
	return nil
}

// bindingsFunc adapts a function to ingest.BindingSource.
type bindingsFunc func() []device.Binding

func (f bindingsFunc) Bindings() []device.Binding { return f() }

// syncManifests makes the catalogue match the manifests in dir. An empty dir
// leaves the catalogue to MQTT package events alone.
func syncManifests(ctx context.Context, index *driverpkg.Index, dir string, log *logging.Logger) error {
	if dir == "" {
		return nil
	}
	drivers, err := driverpkg.LoadManifests(dir)
	if err != nil {
		return fmt.Errorf("loading driver manifests: %w", err)
	}
	if err := index.Sync(ctx, drivers); err != nil {
		return fmt.Errorf("syncing driver catalogue: %w", err)
	}
	log.Info("driver catalogue synced", "dir", dir, "drivers", len(drivers))
	return nil
}

// scanUSB registers the USB devices visible in sysfs. Individual failures
// are logged and skipped.
func scanUSB(ctx context.Context, reg *device.Registry, root string, log *logging.Logger) {
	descs, err := usb.Scan(root)
	if err != nil {
		log.Warn("usb scan failed", "root", root, "error", err)
		return
	}
	for _, d := range descs {
		if regErr := reg.RegisterDevice(ctx, d); regErr != nil {
			log.Warn("registering scanned device", "device_id", d.ID.String(), "error", regErr)
		}
	}
	log.Info("usb scan complete", "root", root, "devices", len(descs))
}

type stopper interface {
	Stop() error
}

func stopListener(name string, l stopper, log *logging.Logger) {
	if err := l.Stop(); err != nil {
		log.Error("error stopping listener", "listener", name, "error", err)
	}
}

// pruneLoop removes lifecycle events older than retention, once at start and
// then every pruneInterval.
func pruneLoop(ctx context.Context, repo audit.Repository, retention time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		n, err := repo.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("pruning lifecycle events", "error", err)
		case n > 0:
			log.Info("pruned lifecycle events", "removed", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// statsLoop records registry size to telemetry.
func statsLoop(ctx context.Context, reg *device.Registry, influxClient *influxdb.Client) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		influxClient.WriteDeviceCount(reg.GetTotalDeviceNum(), len(reg.Bindings()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// healthCheck verifies the infrastructure connections. Disabled clients are
// nil and skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
