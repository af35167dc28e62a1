package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/biostream/pkg/biostream/device"
	"github.com/norasector/biostream/pkg/biostream/output"
	"github.com/norasector/biostream/pkg/biostream/types"
	"github.com/norasector/biostream/pkg/util"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = time.Millisecond
	defaultInboxSize    = 16
	// monitoringSeconds is how much of the recent stream a monitoring snapshot covers.
	monitoringSeconds = 3
)

type Options struct {
	Name string
	// OutputPath is the base directory; files are written to OutputPath/Name.
	OutputPath       string
	SamplingRate     int
	SavingMode       types.SavingMode
	Header           []string
	PollInterval     time.Duration
	PadTriggerColumn bool
	TriggerPlacement types.TriggerPlacement
	InboxSize        int
}

type SessionOption func(s *Session) error

func WithInfluxDB(writeAPI api.WriteAPI) SessionOption {
	return func(s *Session) error {
		s.writeAPI = writeAPI
		return nil
	}
}

func WithLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) error {
		s.logger = logger
		return nil
	}
}

// Session runs one device: an acquisition worker draining the device into the stream buffer
// and a control loop reacting to orchestrator messages.
type Session struct {
	id        uuid.UUID
	device    device.Device
	opts      Options
	outputDir string
	writer    *output.CSVWriter
	writeAPI  api.WriteAPI
	logger    zerolog.Logger

	buffer     Buffer
	trigger    TriggerRegister
	inbox      chan *types.Message
	terminated atomic.Bool
	started    atomic.Bool

	identityMu   sync.Mutex
	experimentID string
	stimulusID   string

	// workerErr is written by the acquisition worker before workerDone is closed.
	workerErr error
	flushErrs []error
}

// NewSession validates options, creates the device's output directory and prepares the device.
// A session that fails here must not be started.
func NewSession(dev device.Device, options Options, opts ...SessionOption) (*Session, error) {
	if dev == nil {
		return nil, errors.New("session: device is required")
	}
	if options.Name == "" {
		return nil, errors.New("session: device name is required")
	}
	if options.SamplingRate <= 0 {
		return nil, errors.Errorf("session: invalid sampling rate %d", options.SamplingRate)
	}
	if options.OutputPath == "" {
		options.OutputPath = "output"
	}
	if options.PollInterval <= 0 {
		options.PollInterval = defaultPollInterval
	}
	if options.InboxSize <= 0 {
		options.InboxSize = defaultInboxSize
	}

	s := &Session{
		id:        uuid.New(),
		device:    dev,
		opts:      options,
		outputDir: filepath.Join(options.OutputPath, options.Name),
		writer:    output.NewCSVWriter(output.WithTriggerPadding(options.PadTriggerColumn)),
		writeAPI:  util.NopWriteAPI{},
		logger:    log.Logger,
		inbox:     make(chan *types.Message, options.InboxSize),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.logger = s.logger.With().
		Str("device", options.Name).
		Str("session_id", s.id.String()).
		Logger()

	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "session: creating output directory failed")
	}
	if err := dev.Prepare(); err != nil {
		return nil, errors.Wrap(err, "session: preparing device failed")
	}

	return s, nil
}

func (s *Session) Name() string {
	return s.opts.Name
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) OutputDir() string {
	return s.outputDir
}

// Receive returns the ordered inbound message queue. A nil message is ignored.
func (s *Session) Receive() chan<- *types.Message {
	return s.inbox
}

// Identity returns the current experiment and stimulus ids.
func (s *Session) Identity() (experimentID, stimulusID string) {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	return s.experimentID, s.stimulusID
}

// MonitoringData returns a copy of roughly the last three seconds of records.
func (s *Session) MonitoringData() []types.Record {
	return s.buffer.Tail(monitoringSeconds * s.opts.SamplingRate)
}

// Start runs the session until a TERMINATE message is processed, the device fails or ctx is
// cancelled. When the device fails in CONTINUOUS mode the buffered records are still written
// before Start returns the device error. The device stream is stopped once both the worker and
// the control loop have returned. Flush failures are reported here after the session ends.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session: already started")
	}

	// a worker failure must reach the control loop as workerDone, not as a cancelled ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var eg errgroup.Group
	workerDone := make(chan struct{})

	eg.Go(func() error {
		defer close(workerDone)
		s.workerErr = s.acquire(ctx)
		return s.workerErr
	})
	eg.Go(func() error {
		defer cancel()
		return s.control(ctx, workerDone)
	})

	err := eg.Wait()
	if stopErr := s.device.StopStream(); stopErr != nil {
		stopErr = errors.Wrap(stopErr, "session: stopping stream failed")
		if err == nil {
			err = stopErr
		} else {
			s.logger.Error().Err(stopErr).Msg("stop after failure")
		}
	}

	s.logger.Info().Err(err).Int("buffered", s.buffer.Len()).Msg("session ended")
	return err
}

func (s *Session) setIdentity(experimentID string, stimulusID *string) {
	s.identityMu.Lock()
	s.experimentID = experimentID
	if stimulusID != nil {
		s.stimulusID = *stimulusID
	}
	s.identityMu.Unlock()
}
