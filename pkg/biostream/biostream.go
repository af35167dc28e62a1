package biostream

import (
	"context"
	"sync"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/biostream/pkg/biostream/types"
	"github.com/norasector/biostream/pkg/util"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDuplicateDevice = errors.New("biostream: device name already registered")
	ErrAlreadyStarted  = errors.New("biostream: coordinator already started")
	ErrNotStarted      = errors.New("biostream: coordinator not started")
)

// MonitoredDevice is the capability set every acquisition session exposes to the coordinator.
type MonitoredDevice interface {
	Name() string
	// Start runs the device session until it processes TERMINATE, fails, or ctx ends.
	Start(ctx context.Context) error
	// Receive returns the device's ordered control message queue.
	Receive() chan<- *types.Message
	// MonitoringData returns a recent snapshot of the device's stream.
	MonitoringData() []types.Record
}

type CoordinatorOption func(c *Coordinator) error

func WithInfluxDB(writeAPI api.WriteAPI) CoordinatorOption {
	return func(c *Coordinator) error {
		c.writeAPI = writeAPI
		return nil
	}
}

func WithLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) error {
		c.logger = logger
		return nil
	}
}

type managedDevice struct {
	MonitoredDevice
	done chan struct{}
}

// Coordinator fans control messages out to a set of devices and runs them together.
type Coordinator struct {
	devices  []*managedDevice
	byName   map[string]*managedDevice
	writeAPI api.WriteAPI
	logger   zerolog.Logger
	started  bool
	ready    chan struct{}

	mu         sync.RWMutex
	dispatchMu sync.Mutex
}

func NewCoordinator(opts ...CoordinatorOption) (*Coordinator, error) {
	c := &Coordinator{
		byName:   make(map[string]*managedDevice),
		ready:    make(chan struct{}),
		writeAPI: util.NopWriteAPI{},
		logger:   log.Logger,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Coordinator) AddDevice(d MonitoredDevice) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	if _, ok := c.byName[d.Name()]; ok {
		return errors.Wrap(ErrDuplicateDevice, d.Name())
	}
	md := &managedDevice{MonitoredDevice: d, done: make(chan struct{})}
	c.devices = append(c.devices, md)
	c.byName[d.Name()] = md
	return nil
}

func (c *Coordinator) DeviceNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.devices))
	for _, d := range c.devices {
		names = append(names, d.Name())
	}
	return names
}

// Start runs every device until all of them end. A failing device does not stop the others;
// the first device error is returned once every device has returned.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	devices := c.devices
	close(c.ready)
	c.mu.Unlock()

	var eg errgroup.Group
	for _, d := range devices {
		thisDevice := d
		eg.Go(func() error {
			defer close(thisDevice.done)
			err := thisDevice.Start(ctx)

			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error().Err(err).Str("device", thisDevice.Name()).Msg("device failed")
			} else {
				c.logger.Info().Str("device", thisDevice.Name()).Msg("device ended")
			}

			util.WritePoint(c.writeAPI, "device.ended",
				map[string]string{"device": thisDevice.Name()},
				map[string]interface{}{"failed": err != nil})

			return errors.Wrapf(err, "device %s", thisDevice.Name())
		})
	}

	c.logger.Info().Int("devices", len(devices)).Msg("coordinator started")
	return eg.Wait()
}

// Dispatch delivers msg to every running device in registration order. Devices whose session
// already ended are skipped, so a failed device never blocks the rest of the run.
func (c *Coordinator) Dispatch(ctx context.Context, msg *types.Message) error {
	c.mu.RLock()
	started := c.started
	devices := c.devices
	c.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	// keeps messages from concurrent dispatchers in the same order on every device
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	delivered := 0
	for _, d := range devices {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			c.logger.Warn().Str("device", d.Name()).Str("kind", string(msg.Kind)).Msg("skipping ended device")
		case d.Receive() <- msg:
			delivered++
		}
	}

	c.logger.Debug().
		Str("kind", string(msg.Kind)).
		Str("experiment_id", msg.ExperimentID).
		Str("stimulus_id", msg.StimulusID).
		Int("delivered", delivered).
		Msg("dispatched")
	return nil
}

// Ready is closed once Start has been called; Dispatch no longer returns ErrNotStarted after
// that.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

func (c *Coordinator) Terminate(ctx context.Context) error {
	return c.Dispatch(ctx, types.TerminateMessage())
}

// MonitoringData gathers every device's snapshot keyed by device name.
func (c *Coordinator) MonitoringData() map[string][]types.Record {
	c.mu.RLock()
	devices := c.devices
	c.mu.RUnlock()

	out := make(map[string][]types.Record, len(devices))
	for _, d := range devices {
		out[d.Name()] = d.MonitoringData()
	}
	return out
}

// DeviceData returns a single device's snapshot.
func (c *Coordinator) DeviceData(name string) ([]types.Record, bool) {
	c.mu.RLock()
	d, ok := c.byName[name]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return d.MonitoringData(), true
}
