package viz

import (
	"bytes"
	"image/color"

	"github.com/norasector/biostream/pkg/biostream/types"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"
)

const (
	imageWidth  = 8 * vg.Inch
	imageHeight = 5 * vg.Inch
)

type PlotOptions func(p *plot.Plot)

type ImageContainer struct {
	name string
	data []byte
}

// Producer renders one plot of a device snapshot. It returns nil when there is nothing to draw.
type Producer interface {
	Name() string
	GetImage(records []types.Record) (*ImageContainer, error)
	AddPlotOption(opt PlotOptions)
}

func plotWithDefaults() *plot.Plot {
	p := plot.New()
	p.BackgroundColor = color.Black
	p.Title.TextStyle.Color = color.White
	p.Y.Label.TextStyle.Color = color.White
	p.Y.Color = color.White
	p.X.Label.TextStyle.Color = color.White
	p.X.Color = color.White
	p.Legend.TextStyle.Color = color.White
	p.Legend.Top = true
	p.X.Tick.Color = color.White
	p.Y.Tick.Color = color.White
	p.X.Tick.Label.Color = color.White
	p.Y.Tick.Label.Color = color.White
	return p
}

func renderPNG(name string, p *plot.Plot) (*ImageContainer, error) {
	w, err := p.WriterTo(imageWidth, imageHeight, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return &ImageContainer{name: name, data: buf.Bytes()}, nil
}

// channelCount is the widest record in the snapshot.
func channelCount(records []types.Record) int {
	n := 0
	for _, r := range records {
		if len(r.Values) > n {
			n = len(r.Values)
		}
	}
	return n
}
