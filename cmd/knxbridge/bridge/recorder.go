package bridge

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/internal/apci"
	"github.com/knxlib/go-knx/logger"
)

const influxPingTimeout = 10 * time.Second

// recorder persists one point per group telegram.
type recorder interface {
	Record(src cemi.IndividualAddr, dst cemi.GroupAddr, code byte, data []byte)
	Close()
}

// influxRecorder writes telegram points through the non blocking write API;
// batching and retries are handled by the client.
type influxRecorder struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
	logger      logger.Logger
}

func newInfluxRecorder(cfg InfluxConfig, lg logger.Logger) (*influxRecorder, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), influxPingTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ping influxdb %s: %w", cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb %s reports unhealthy", cfg.URL)
	}

	r := &influxRecorder{
		client:      client,
		writeAPI:    client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		logger:      lg,
	}
	go r.drainErrors(r.writeAPI.Errors())

	return r, nil
}

// drainErrors logs async write failures; the channel closes with the client.
func (r *influxRecorder) drainErrors(errs <-chan error) {
	for err := range errs {
		r.logger.Warn("influxdb write failed", "error", err)
	}
}

func (r *influxRecorder) Record(src cemi.IndividualAddr, dst cemi.GroupAddr, code byte, data []byte) {
	fields := map[string]interface{}{
		"payload": hex.EncodeToString(data),
	}
	if len(data) == 1 {
		fields["value"] = int64(data[0])
	}

	point := write.NewPoint(r.measurement,
		map[string]string{
			"address": dst.String(),
			"source":  src.String(),
			"service": apci.ServiceName(code),
		},
		fields, time.Now())
	r.writeAPI.WritePoint(point)
}

func (r *influxRecorder) Close() {
	r.writeAPI.Flush()
	r.client.Close()
}
