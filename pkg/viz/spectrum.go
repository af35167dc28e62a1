package viz

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"github.com/norasector/biostream/pkg/biostream/types"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

const (
	// MIX_AVG weights the newest spectrum in the running average.
	MIX_AVG    = 0.25
	// minFFTLen is the shortest snapshot worth transforming.
	minFFTLen  = 16
	powerFloor = 1e-12
)

// SpectrumPlotter draws a smoothed power spectrum per channel.
type SpectrumPlotter struct {
	name        string
	sampleRate  int
	plotOptions []PlotOptions

	mu           sync.Mutex
	fftLen       int
	averagePower [][]float64
}

func NewSpectrumPlotter(name string, sampleRate int) *SpectrumPlotter {
	return &SpectrumPlotter{name: name, sampleRate: sampleRate}
}

func (sp *SpectrumPlotter) Name() string {
	return sp.name
}

func (sp *SpectrumPlotter) AddPlotOption(opt PlotOptions) {
	sp.plotOptions = append(sp.plotOptions, opt)
}

// fftLength is the largest power of two that fits in n, or 0 if n is too short.
func fftLength(n int) int {
	if n < minFFTLen {
		return 0
	}
	l := 1
	for l*2 <= n {
		l *= 2
	}
	return l
}

// Spectrum updates the running average with the newest records and returns, per channel, the
// frequency and power in dB of every bin.
func (sp *SpectrumPlotter) Spectrum(records []types.Record) []plotter.XYs {
	n := fftLength(len(records))
	channels := channelCount(records)
	if channels > maxTraces {
		channels = maxTraces
	}
	if n == 0 || channels == 0 {
		return nil
	}
	records = records[len(records)-n:]

	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.fftLen != n || len(sp.averagePower) != channels {
		sp.fftLen = n
		sp.averagePower = make([][]float64, channels)
	}

	f := fourier.NewFFT(n)
	win := BlackmanWindow(n)
	data := make([]float64, n)
	out := make([]plotter.XYs, channels)

	for ch := 0; ch < channels; ch++ {
		var mean float64
		for i, r := range records {
			data[i] = 0
			if ch < len(r.Values) {
				data[i] = r.Values[ch]
			}
			mean += data[i]
		}
		mean /= float64(n)
		// remove the DC offset so electrode drift does not swamp the plot
		for i := range data {
			data[i] = (data[i] - mean) * win[i]
		}

		coeffs := f.Coefficients(nil, data)
		avg := sp.averagePower[ch]
		if len(avg) != len(coeffs) {
			avg = make([]float64, len(coeffs))
			sp.averagePower[ch] = avg
		}

		xys := make(plotter.XYs, len(coeffs))
		for i, c := range coeffs {
			mag := cmplx.Abs(c) / (0.42 * float64(n))
			avg[i] = (1.0-MIX_AVG)*avg[i] + MIX_AVG*mag
			xys[i] = plotter.XY{
				X: f.Freq(i) * float64(sp.sampleRate),
				Y: 20 * math.Log10(math.Max(avg[i], powerFloor)),
			}
		}
		out[ch] = xys
	}
	return out
}

func (sp *SpectrumPlotter) GetImage(records []types.Record) (*ImageContainer, error) {
	spectra := sp.Spectrum(records)
	if spectra == nil {
		return nil, nil
	}

	p := plotWithDefaults()
	p.Title.Text = sp.name
	p.Y.Label.Text = "Power (dB)"
	p.X.Label.Text = "Frequency (Hz)"
	for _, opt := range sp.plotOptions {
		opt(p)
	}
	p.Add(plotter.NewGrid())

	lines := make([]interface{}, 0, len(spectra)*2)
	for ch, xys := range spectra {
		lines = append(lines, fmt.Sprintf("ch%d", ch), xys)
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return nil, err
	}
	return renderPNG(sp.name, p)
}
