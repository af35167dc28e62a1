package session

import (
	"context"
	"time"

	"github.com/norasector/biostream/pkg/biostream/device"
	"github.com/norasector/biostream/pkg/util"
	"github.com/pkg/errors"
)

// acquire is the acquisition worker. It never waits on consumers; an empty pull only costs one
// poll interval.
func (s *Session) acquire(ctx context.Context) error {
	if err := s.device.StartStream(); err != nil {
		return errors.Wrap(err, "session: starting stream failed")
	}

	s.logger.Info().
		Int("sampling_rate", s.opts.SamplingRate).
		Str("saving_mode", s.opts.SavingMode.String()).
		Str("trigger_placement", s.opts.TriggerPlacement.String()).
		Str("output_dir", s.outputDir).
		Msg("stream started")

	tags := map[string]string{"device": s.opts.Name}

	for {
		if s.terminated.Load() {
			s.logger.Debug().Msg("acquisition worker exiting")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var block device.Block
		duration, err := util.TimeOperationMicroseconds(func() (err error) {
			block, err = s.device.Pull()
			return err
		})
		if err != nil {
			return errors.Wrap(err, "session: pulling samples failed")
		}

		if block.Samples() == 0 {
			if err := s.pause(ctx); err != nil {
				return err
			}
			continue
		}

		tag, _ := s.trigger.Take()
		n := s.buffer.Append(block.Rows(), tag, s.opts.TriggerPlacement)
		if tag != "" {
			s.logger.Debug().Str("trigger", tag).Int("samples", n).Msg("trigger attached")
		}

		util.WritePoint(s.writeAPI, "acquisition.pull", tags, map[string]interface{}{
			"samples":  n,
			"channels": block.Channels(),
			"duration": duration,
		})

		if n < s.smallPull() {
			if err := s.pause(ctx); err != nil {
				return err
			}
		}
	}
}

// smallPull is roughly 10ms of samples. Pulls below it are followed by a poll interval pause
// so a device that always has a sample or two ready is not spun on.
func (s *Session) smallPull() int {
	if n := s.opts.SamplingRate / 100; n > 1 {
		return n
	}
	return 1
}

func (s *Session) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.PollInterval):
		return nil
	}
}
