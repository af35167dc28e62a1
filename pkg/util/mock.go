package util

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/api/write"
)

// NopWriteAPI discards every point. Used when no InfluxDB host is configured.
type NopWriteAPI struct{}

func (NopWriteAPI) WriteRecord(line string) {}
func (NopWriteAPI) WritePoint(point *write.Point) {}
func (NopWriteAPI) Flush() {}
func (NopWriteAPI) Close() {}
func (NopWriteAPI) Errors() <-chan error { return nil }

// RecordingWriteAPI keeps every point written to it so tests can inspect emitted metrics.
type RecordingWriteAPI struct {
	mu     sync.Mutex
	points []*write.Point
}

func (r *RecordingWriteAPI) WriteRecord(line string) {}

func (r *RecordingWriteAPI) WritePoint(point *write.Point) {
	r.mu.Lock()
	r.points = append(r.points, point)
	r.mu.Unlock()
}

func (r *RecordingWriteAPI) Flush() {}
func (r *RecordingWriteAPI) Close() {}
func (r *RecordingWriteAPI) Errors() <-chan error { return nil }

// Count returns how many points named measurement were written.
func (r *RecordingWriteAPI) Count(measurement string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.points {
		if p.Name() == measurement {
			n++
		}
	}
	return n
}
