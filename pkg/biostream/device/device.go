package device

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Device is the hardware collaborator a session drains samples from.
type Device interface {
	// Prepare acquires the device handle. Called once when the session is constructed.
	Prepare() error
	StartStream() error
	// Pull returns whatever samples the device has buffered since the previous call. An empty
	// block is not an error.
	Pull() (Block, error)
	StopStream() error
}

// Block is a channels x samples matrix returned by a single pull.
type Block struct {
	m *mat.Dense
}

// NewBlock builds a block from per-channel sample slices. All channels must have the same
// length. Zero channels or zero samples yields an empty block.
func NewBlock(channels [][]float64) (Block, error) {
	if len(channels) == 0 || len(channels[0]) == 0 {
		return Block{}, nil
	}
	samples := len(channels[0])
	data := make([]float64, 0, len(channels)*samples)
	for i, ch := range channels {
		if len(ch) != samples {
			return Block{}, errors.Errorf("device: channel %d has %d samples, expected %d", i, len(ch), samples)
		}
		data = append(data, ch...)
	}
	return Block{m: mat.NewDense(len(channels), samples, data)}, nil
}

// BlockFromRows builds a block from per-sample rows, the layout of recordings on disk.
func BlockFromRows(rows [][]float64) (Block, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return Block{}, nil
	}
	width := len(rows[0])
	data := make([]float64, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return Block{}, errors.Errorf("device: row %d has %d values, expected %d", i, len(r), width)
		}
		data = append(data, r...)
	}
	return Block{m: mat.DenseCopyOf(mat.NewDense(len(rows), width, data).T())}, nil
}

func (b Block) Empty() bool {
	return b.m == nil
}

func (b Block) Channels() int {
	if b.m == nil {
		return 0
	}
	r, _ := b.m.Dims()
	return r
}

func (b Block) Samples() int {
	if b.m == nil {
		return 0
	}
	_, c := b.m.Dims()
	return c
}

// Rows transposes the block into one value slice per sample, in arrival order.
func (b Block) Rows() [][]float64 {
	if b.m == nil {
		return nil
	}
	t := mat.DenseCopyOf(b.m.T())
	n, _ := t.Dims()
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := t.RawRowView(i)
		rows[i] = append(make([]float64, 0, len(row)), row...)
	}
	return rows
}
