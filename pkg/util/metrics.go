package util

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
)

// TimeOperationMicroseconds runs op and reports how long it took.
func TimeOperationMicroseconds(op func() error) (int64, error) {
	start := time.Now()
	err := op()
	return time.Since(start).Microseconds(), err
}

// WritePoint emits a point without blocking the caller.
func WritePoint(writeAPI api.WriteAPI, measurement string, tags map[string]string, fields map[string]interface{}) {
	go writeAPI.WritePoint(influxdb2.NewPoint(measurement, tags, fields, time.Now()))
}
