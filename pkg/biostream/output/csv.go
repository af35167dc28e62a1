package output

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"

	"github.com/norasector/biostream/pkg/biostream/types"
	"github.com/pkg/errors"
)

// ErrDuplicateFlush is returned when records that were already written to a path are written to
// it again.
var ErrDuplicateFlush = errors.New("output: records already flushed to this file")

type CSVWriterOption func(w *CSVWriter)

// WithTriggerPadding makes every row carry a trailing trigger column, empty when the record has
// no tag, so files stay rectangular.
func WithTriggerPadding(pad bool) CSVWriterOption {
	return func(w *CSVWriter) {
		w.padTrigger = pad
	}
}

// CSVWriter appends records to comma delimited files, writing the header only when it creates
// the file.
type CSVWriter struct {
	padTrigger bool

	mu      sync.Mutex
	flushed map[string]uint64
}

func NewCSVWriter(opts ...CSVWriterOption) *CSVWriter {
	w := &CSVWriter{
		flushed: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write appends records to path. Every row is flushed to the file as it is written and the file
// is synced before returning.
func (w *CSVWriter) Write(path string, header []string, records []types.Record) (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(records) > 0 && records[0].Seq <= w.flushed[path] {
		return errors.Wrapf(ErrDuplicateFlush, "seq %d to %s", records[0].Seq, path)
	}

	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "output: opening file failed")
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "output: closing file failed")
		}
	}()

	cw := csv.NewWriter(f)
	if created && len(header) > 0 {
		if err := writeRow(cw, header); err != nil {
			return errors.Wrap(err, "output: writing header failed")
		}
	}

	row := make([]string, 0, 16)
	for _, rec := range records {
		row = w.format(row[:0], rec)
		if err := writeRow(cw, row); err != nil {
			return errors.Wrapf(err, "output: writing record %d failed", rec.Seq)
		}
		w.flushed[path] = rec.Seq
	}

	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "output: syncing file failed")
	}
	return nil
}

func writeRow(cw *csv.Writer, row []string) error {
	if err := cw.Write(row); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func (w *CSVWriter) format(row []string, rec types.Record) []string {
	for _, v := range rec.Values {
		row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
	}
	if rec.HasTrigger() || w.padTrigger {
		row = append(row, rec.Trigger)
	}
	return row
}
