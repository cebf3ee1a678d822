// cmd/devpoll/main.go
package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tamzrod/devicekit/internal/config"
	"github.com/tamzrod/devicekit/internal/httpapi"
	"github.com/tamzrod/devicekit/internal/poller"
	"github.com/tamzrod/devicekit/internal/registry"
	"github.com/tamzrod/devicekit/internal/status"
	"github.com/tamzrod/devicekit/internal/writer"
	"github.com/tamzrod/devicekit/internal/writer/influx"
)

const writeTimeout = 2 * time.Second

func main() {
	app := &cli.App{
		Name:  "devpoll",
		Usage: "poll configured devices and publish their readings",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "poll every configured device until interrupted",
				Flags: []cli.Flag{
					configFlag(),
					&cli.BoolFlag{Name: "once", Usage: "poll every device once, print the results and exit"},
					&cli.BoolFlag{Name: "debug", Usage: "development logging at debug level"},
					&cli.StringFlag{Name: "env", Value: ".env", Usage: "dotenv file loaded before the config"},
				},
				Action: runAction,
			},
			{
				Name:  "validate",
				Usage: "load and validate a config file",
				Flags: []cli.Flag{configFlag()},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c.String("config"))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "%s: %d devices OK\n", c.String("config"), len(cfg.Devpoll.Devices))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "path to the devices YAML file",
		EnvVars:  []string{"DEVPOLL_CONFIG"},
		Required: true,
	}
}

// loadConfig runs the Load -> Validate -> Normalize pipeline.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	config.Normalize(cfg)
	return cfg, nil
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func runAction(c *cli.Context) error {
	logger, err := newLogger(c.Bool("debug"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if path := c.String("env"); path != "" {
		if err := godotenv.Load(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) || c.IsSet("env") {
				return errors.Wrapf(err, "load %s", path)
			}
			logger.Debugw("no dotenv file, using the environment", "path", path)
		}
	}

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	reg := registry.New(logger, clk)
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warnw("close devices", "error", err)
		}
	}()

	clients, closeWriters, err := writer.BuildEndpointClients(cfg, writeTimeout)
	if err != nil {
		return errors.Wrap(err, "writer clients failed")
	}
	defer closeWriters()

	var sink pointSink
	if cfg.Devpoll.Influx != nil {
		s := influx.New(*cfg.Devpoll.Influx, logger)
		defer s.Close()
		sink = s
	}

	var api *httpapi.Server
	if cfg.Devpoll.HTTP != nil {
		api = httpapi.New(logger)
	}

	// --------------------
	// Build per-device pipelines
	// --------------------

	pipes := make([]*pipeline, 0, len(cfg.Devpoll.Devices))
	for _, d := range cfg.Devpoll.Devices {
		p, err := buildPipeline(ctx, reg, d, cfg.Devpoll.StatusMemory, clients, clk, logger)
		if err != nil {
			return err
		}
		p.sink = sink
		if api != nil {
			p.view = api
			api.Track(p.entry)
		}
		pipes = append(pipes, p)
	}

	if c.Bool("once") {
		return pollOnce(ctx, c, pipes)
	}

	var wg sync.WaitGroup
	if api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.Run(ctx, cfg.Devpoll.HTTP.Listen); err != nil {
				logger.Errorw("http server stopped", "error", err)
			}
		}()
	}

	for _, p := range pipes {
		out := make(chan poller.PollResult)
		wg.Add(2)
		go func(p *pipeline) {
			defer wg.Done()
			p.run(ctx, clk, out)
		}(p)
		go func(p *pipeline) {
			defer wg.Done()
			p.poller.Run(ctx, out)
		}(p)
	}

	logger.Infow("devpoll running", "devices", len(pipes))
	<-ctx.Done()
	logger.Infow("shutting down")
	wg.Wait()
	return nil
}

func buildPipeline(
	ctx context.Context,
	reg *registry.Registry,
	d config.DeviceConfig,
	statusMem config.StatusMemoryConfig,
	clients map[string]writer.EndpointClient,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) (*pipeline, error) {
	entry, err := reg.Build(ctx, d)
	if err != nil {
		return nil, err
	}

	p, err := poller.Build(d, entry.Device, clk, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "poller build failed (device=%s)", d.ID)
	}

	plan, err := writer.BuildPlan(d, statusMem)
	if err != nil {
		return nil, errors.Wrapf(err, "writer plan failed (device=%s)", d.ID)
	}

	pipe := &pipeline{
		id:      d.ID,
		entry:   entry,
		logger:  logger.With("device", d.ID, "instance", entry.ID),
		poller:  p,
		data:    writer.New(plan, clients),
		tracker: status.NewTracker(time.Duration(d.Poll.StaleAfterMs) * time.Millisecond),
	}
	if sw, enabled := writer.NewDeviceStatusWriter(plan, clients); enabled {
		pipe.status = sw
	}
	return pipe, nil
}

// pollOnce polls each device a single time and prints its readings.
func pollOnce(ctx context.Context, c *cli.Context, pipes []*pipeline) error {
	var err error
	for _, p := range pipes {
		p.start()
		res := p.poller.PollOnce(ctx)
		p.deliver(ctx, res)

		if res.Err != nil {
			err = multierr.Append(err, res.Err)
			fmt.Fprintf(c.App.Writer, "%s\terror\t%v\n", p.id, res.Err)
			continue
		}
		fmt.Fprintf(c.App.Writer, "%s\tok\t%v\n", p.id, res.Readings)
	}
	return err
}
