package file

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/norasector/biostream/pkg/biostream/device"
	"github.com/pkg/errors"
)

// FileDevice plays back a CSV recording (one row per sample, one column per channel) at the
// configured sample rate.
type FileDevice struct {
	path       string
	sampleRate int
	loop       bool
	now        func() time.Time

	mu        sync.Mutex
	readFile  *os.File
	reader    *csv.Reader
	startedAt time.Time
	emitted   int64
	eof       bool
	streaming bool

	// rows read since the last rewind; a loop over a file without data rows would never end
	sinceRewind int
}

func NewFileDevice(path string, sampleRate int, loop bool) (*FileDevice, error) {
	if sampleRate <= 0 {
		return nil, errors.New("file: sample rate must be positive")
	}
	return &FileDevice{
		path:       path,
		sampleRate: sampleRate,
		loop:       loop,
		now:        time.Now,
	}, nil
}

func (f *FileDevice) Prepare() error {
	fd, err := os.Open(f.path)
	if err != nil {
		return errors.Wrap(err, "file: opening recording failed")
	}
	f.mu.Lock()
	f.readFile = fd
	f.reader = newReader(fd)
	f.mu.Unlock()
	return nil
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.TrimLeadingSpace = true
	return cr
}

func (f *FileDevice) StartStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readFile == nil {
		return errors.New("file: device not prepared")
	}
	f.streaming = true
	f.startedAt = f.now()
	f.emitted = 0
	return nil
}

func (f *FileDevice) StopStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming = false
	if f.readFile == nil {
		return nil
	}
	err := f.readFile.Close()
	f.readFile = nil
	return err
}

func (f *FileDevice) Pull() (device.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.streaming || f.eof {
		return device.Block{}, nil
	}

	due := int64(f.now().Sub(f.startedAt).Seconds() * float64(f.sampleRate))
	var rows [][]float64
	for f.emitted < due {
		row, err := f.next()
		if err == io.EOF {
			f.eof = true
			break
		}
		if err != nil {
			return device.Block{}, err
		}
		rows = append(rows, row)
		f.emitted++
	}
	return device.BlockFromRows(rows)
}

func (f *FileDevice) next() ([]float64, error) {
	for {
		fields, err := f.reader.Read()
		if err == io.EOF && f.loop && f.sinceRewind > 0 {
			f.sinceRewind = 0
			if _, err := f.readFile.Seek(0, io.SeekStart); err != nil {
				return nil, errors.Wrap(err, "file: rewinding recording failed")
			}
			f.reader = newReader(f.readFile)
			fields, err = f.reader.Read()
		}
		if err != nil {
			return nil, err
		}

		row := make([]float64, len(fields))
		header := false
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				header = true
				break
			}
			row[i] = v
		}
		// a header line (or any non-numeric line) is skipped
		if header {
			continue
		}
		f.sinceRewind++
		return row, nil
	}
}
