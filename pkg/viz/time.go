package viz

import (
	"fmt"
	"image/color"

	"github.com/norasector/biostream/pkg/biostream/types"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

// maxTraces limits how many channels are drawn on one time plot.
const maxTraces = 8

// TimeDomainPlotter draws every channel of a snapshot against its sample index, with a vertical
// marker at each tagged record.
type TimeDomainPlotter struct {
	name        string
	plotOptions []PlotOptions
}

func NewTimeDomainPlotter(name string) *TimeDomainPlotter {
	return &TimeDomainPlotter{name: name}
}

func (tp *TimeDomainPlotter) Name() string {
	return tp.name
}

func (tp *TimeDomainPlotter) AddPlotOption(opt PlotOptions) {
	tp.plotOptions = append(tp.plotOptions, opt)
}

func (tp *TimeDomainPlotter) GetImage(records []types.Record) (*ImageContainer, error) {
	channels := channelCount(records)
	if channels == 0 {
		return nil, nil
	}
	if channels > maxTraces {
		channels = maxTraces
	}

	p := plotWithDefaults()
	p.Title.Text = tp.name
	p.Y.Label.Text = "Amplitude"
	p.X.Label.Text = "Sample"
	for _, opt := range tp.plotOptions {
		opt(p)
	}
	p.Add(plotter.NewGrid())

	lines := make([]interface{}, 0, channels*2)
	for ch := 0; ch < channels; ch++ {
		xys := make(plotter.XYs, 0, len(records))
		for i, r := range records {
			if ch < len(r.Values) {
				xys = append(xys, plotter.XY{X: float64(i), Y: r.Values[ch]})
			}
		}
		lines = append(lines, fmt.Sprintf("ch%d", ch), xys)
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return nil, err
	}

	for i, r := range records {
		if !r.HasTrigger() {
			continue
		}
		if err := addTriggerLabel(p, float64(i), r.Trigger); err != nil {
			return nil, err
		}
	}

	return renderPNG(tp.name, p)
}

// addTriggerLabel writes the tag above the record it was attached to.
func addTriggerLabel(p *plot.Plot, x float64, tag string) error {
	labels, err := plotter.NewLabels(plotter.XYLabels{
		XYs:    []plotter.XY{{X: x, Y: p.Y.Max}},
		Labels: []string{tag},
	})
	if err != nil {
		return err
	}
	for i := range labels.TextStyle {
		labels.TextStyle[i].Color = color.White
	}
	p.Add(labels)
	return nil
}
