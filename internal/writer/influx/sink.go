// internal/writer/influx/sink.go

// Package influx ships poll results to InfluxDB as points.
package influx

import (
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/tamzrod/devicekit/internal/config"
	"github.com/tamzrod/devicekit/internal/poller"
)

// pointWriter is the subset of api.WriteAPI the sink uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Sink writes one point per successful poll. Writes are batched by the
// client; failures surface asynchronously and are logged.
type Sink struct {
	client      influxdb2.Client
	api         pointWriter
	measurement string
	logger      *zap.SugaredLogger
}

// New connects a non-blocking write API for cfg.Org/cfg.Bucket.
func New(cfg config.InfluxConfig, logger *zap.SugaredLogger) *Sink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	wapi := client.WriteAPI(cfg.Org, cfg.Bucket)

	logger = logger.With("influx", cfg.URL, "bucket", cfg.Bucket)
	go func() {
		for err := range wapi.Errors() {
			logger.Warnw("influx write failed", "error", err)
		}
	}()

	return &Sink{
		client:      client,
		api:         wapi,
		measurement: cfg.Measurement,
		logger:      logger,
	}
}

func newSink(w pointWriter, measurement string) *Sink {
	return &Sink{api: w, measurement: measurement, logger: zap.NewNop().Sugar()}
}

// Write queues res. Failed polls are skipped.
func (s *Sink) Write(res poller.PollResult) {
	if res.Err != nil || len(res.Readings) == 0 {
		return
	}
	s.api.WritePoint(Point(s.measurement, res))
}

// Point renders a poll result: tags device and model, one field per reading.
func Point(measurement string, res poller.PollResult) *write.Point {
	p := influxdb2.NewPointWithMeasurement(measurement).
		AddTag("device", res.DeviceID).
		AddTag("model", res.Model).
		SetTime(res.At)

	for key, value := range res.Readings {
		p.AddField(key, value)
	}
	return p
}

// Close flushes pending points and releases the client.
func (s *Sink) Close() {
	s.api.Flush()
	if s.client != nil {
		s.client.Close()
	}
}
