package session

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/norasector/biostream/pkg/biostream/types"
	"github.com/norasector/biostream/pkg/util"
	"github.com/pkg/errors"
)

// control is the session control loop. Receiving a message is its only blocking point.
func (s *Session) control(ctx context.Context, workerDone <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return s.abort(ctx)

		case <-workerDone:
			if ctx.Err() != nil {
				return s.abort(ctx)
			}
			return s.salvage()

		case msg := <-s.inbox:
			if msg == nil {
				continue
			}

			switch msg.Kind {
			case types.KindStart:
				s.setTrigger(msg)
				s.setIdentity(msg.ExperimentID, nil)

			case types.KindStop:
				if s.opts.SavingMode == types.SavingModeSeparated {
					s.setIdentity(msg.ExperimentID, &msg.StimulusID)
					path := s.filePath(msg.ExperimentID, msg.StimulusID)
					_ = s.flush(path, true)
				} else {
					s.setIdentity(msg.ExperimentID, nil)
					s.setTrigger(msg)
				}

			case types.KindTerminate:
				s.terminated.Store(true)
				select {
				case <-workerDone:
				case <-ctx.Done():
					return ctx.Err()
				}

				if s.opts.SavingMode == types.SavingModeContinuous {
					experimentID, _ := s.Identity()
					_ = s.flush(s.filePath(experimentID), false)
				}
				return s.flushError()

			default:
				s.logger.Warn().Str("kind", string(msg.Kind)).Msg("ignoring unknown message kind")
			}
		}
	}
}

func (s *Session) abort(ctx context.Context) error {
	if n := s.buffer.Len(); n > 0 {
		s.logger.Warn().Int("records", n).Msg("session aborted with unflushed records")
	}
	return ctx.Err()
}

// salvage saves what is left after the acquisition worker failed. CONTINUOUS buffers go to the
// file TERMINATE would have written. A SEPARATED segment has no STOP yet and stays unwritten.
func (s *Session) salvage() error {
	n := s.buffer.Len()
	s.logger.Error().Err(s.workerErr).Int("records", n).Msg("acquisition worker failed")
	if n == 0 {
		return nil
	}

	if s.opts.SavingMode == types.SavingModeSeparated {
		s.logger.Warn().Int("records", n).Msg("unfinished segment left unwritten")
		return nil
	}
	experimentID, _ := s.Identity()
	return s.flush(s.filePath(experimentID), false)
}

func (s *Session) setTrigger(msg *types.Message) {
	tag := types.FormatTrigger(msg)
	if replaced, ok := s.trigger.Set(tag); ok {
		s.logger.Warn().
			Str("trigger", tag).
			Str("replaced", replaced).
			Msg("pending trigger overwritten before it was recorded")
		util.WritePoint(s.writeAPI, "trigger.overwritten",
			map[string]string{"device": s.opts.Name},
			map[string]interface{}{"replaced": replaced, "trigger": tag})
	}
}

// filePath builds {output_dir}/{device}-{id}-{id}....csv
func (s *Session) filePath(ids ...string) string {
	name := s.opts.Name
	for _, id := range ids {
		name = fmt.Sprintf("%s-%s", name, id)
	}
	return filepath.Join(s.outputDir, name+".csv")
}

// flush writes the whole buffer to path. With drop set, the written records are removed from
// the buffer once the write succeeded. Failures are logged and kept for Start to return; the
// records stay buffered.
func (s *Session) flush(path string, drop bool) error {
	records := s.buffer.Records()

	duration, err := util.TimeOperationMicroseconds(func() error {
		return s.writer.Write(path, s.opts.Header, records)
	})

	util.WritePoint(s.writeAPI, "session.flush",
		map[string]string{"device": s.opts.Name, "saving_mode": s.opts.SavingMode.String()},
		map[string]interface{}{
			"records":  len(records),
			"duration": duration,
			"failed":   err != nil,
		})

	if err != nil {
		err = errors.Wrapf(err, "session: flushing %d records to %s failed", len(records), path)
		s.logger.Error().Err(err).Str("file", path).Msg("flush failed")
		s.flushErrs = append(s.flushErrs, err)
		return err
	}

	dropped := 0
	if drop && len(records) > 0 {
		dropped = s.buffer.DropThrough(records[len(records)-1].Seq)
	}
	s.logger.Info().
		Str("file", path).
		Int("records", len(records)).
		Int("dropped", dropped).
		Int64("duration_us", duration).
		Msg("flushed")
	return nil
}

func (s *Session) flushError() error {
	switch len(s.flushErrs) {
	case 0:
		return nil
	case 1:
		return s.flushErrs[0]
	default:
		return errors.Wrapf(s.flushErrs[0], "session: %d flushes failed, first", len(s.flushErrs))
	}
}
