package session

import (
	"sync"
	"time"

	"github.com/norasector/biostream/pkg/biostream/device"
)

// scriptedDevice hands out pushed blocks one per pull and empty blocks otherwise.
type scriptedDevice struct {
	mu         sync.Mutex
	queue      []device.Block
	pulls      int
	emptyPulls int
	prepareErr error
	startErr   error
	pullErr    error
	started    bool
	stopped    int
	// filled records when each non-empty block was handed out
	filled []time.Time
}

func (d *scriptedDevice) Prepare() error {
	return d.prepareErr
}

func (d *scriptedDevice) StartStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.started = true
	return nil
}

func (d *scriptedDevice) StopStream() error {
	d.mu.Lock()
	d.stopped++
	d.mu.Unlock()
	return nil
}

func (d *scriptedDevice) Pull() (device.Block, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pulls++
	if d.pullErr != nil {
		return device.Block{}, d.pullErr
	}
	if len(d.queue) == 0 {
		d.emptyPulls++
		return device.Block{}, nil
	}
	b := d.queue[0]
	d.queue = d.queue[1:]
	d.filled = append(d.filled, time.Now())
	return b, nil
}

// push queues a channels x samples block built from per-channel values.
func (d *scriptedDevice) push(channels ...[]float64) {
	b, err := device.NewBlock(channels)
	if err != nil {
		panic(err)
	}
	d.mu.Lock()
	d.queue = append(d.queue, b)
	d.mu.Unlock()
}

func (d *scriptedDevice) emptyPullCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emptyPulls
}

func (d *scriptedDevice) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// failPulls makes every following pull return err.
func (d *scriptedDevice) failPulls(err error) {
	d.mu.Lock()
	d.pullErr = err
	d.mu.Unlock()
}

func (d *scriptedDevice) filledAt() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.filled...)
}
