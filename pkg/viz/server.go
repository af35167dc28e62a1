package viz

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/julienschmidt/httprouter"
	"github.com/klauspost/compress/gzhttp"
	"github.com/norasector/biostream/pkg/biostream/types"
	"github.com/rs/zerolog"
)

const (
	PlotTime     = "time"
	PlotSpectrum = "spectrum"

	contentTypeCBOR = "application/cbor"
	// images are only refreshed for devices viewed this recently
	viewedWindow = time.Second
)

// Source is what the server monitors and controls; *biostream.Coordinator satisfies it.
type Source interface {
	DeviceNames() []string
	MonitoringData() map[string][]types.Record
	DeviceData(name string) ([]types.Record, bool)
	Dispatch(ctx context.Context, msg *types.Message) error
}

type Server struct {
	source          Source
	images          map[string]map[string]*ImageContainer
	producerBuckets map[string]map[string]Producer
	lastViewed      map[string]time.Time
	mu              sync.RWMutex
	srv             *http.Server
	updateInterval  time.Duration
	logger          zerolog.Logger
}

func NewServer(port int, updateInterval time.Duration, source Source, logger zerolog.Logger) *Server {
	s := &Server{
		source:          source,
		images:          make(map[string]map[string]*ImageContainer),
		producerBuckets: make(map[string]map[string]Producer),
		lastViewed:      make(map[string]time.Time),
		srv:             &http.Server{Addr: fmt.Sprintf(":%d", port)},
		updateInterval:  updateInterval,
		logger:          logger,
	}
	s.srv.Handler = s.Handler()
	return s
}

func (s *Server) Register(device string, p Producer) {
	s.mu.Lock()
	bucket, ok := s.producerBuckets[device]
	if !ok {
		bucket = make(map[string]Producer)
		s.producerBuckets[device] = bucket
	}
	bucket[p.Name()] = p
	s.mu.Unlock()
}

// RegisterDevice adds the standard time and spectrum plots for a device.
func (s *Server) RegisterDevice(device string, sampleRate int) {
	s.Register(device, NewTimeDomainPlotter(PlotTime))
	s.Register(device, NewSpectrumPlotter(PlotSpectrum, sampleRate))
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Run serves until Stop is called. Plots of recently viewed devices are re-rendered every update
// interval.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(s.updateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refresh(false)
			}
		}
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("monitoring server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) refresh(force bool) {
	s.mu.RLock()
	var buckets []string
	for name := range s.producerBuckets {
		if force || time.Since(s.lastViewed[name]) < viewedWindow {
			buckets = append(buckets, name)
		}
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, bucket := range buckets {
		wg.Add(1)
		go func(bucket string) {
			defer wg.Done()
			s.render(bucket)
		}(bucket)
	}
	wg.Wait()
}

func (s *Server) render(bucket string) {
	records, ok := s.source.DeviceData(bucket)
	if !ok {
		return
	}

	s.mu.RLock()
	producers := make([]Producer, 0, len(s.producerBuckets[bucket]))
	for _, p := range s.producerBuckets[bucket] {
		producers = append(producers, p)
	}
	s.mu.RUnlock()

	for _, p := range producers {
		img, err := p.GetImage(records)
		if err != nil {
			s.logger.Warn().Err(err).Str("device", bucket).Str("plot", p.Name()).Msg("rendering plot failed")
			continue
		}
		if img == nil {
			continue
		}
		s.mu.Lock()
		mb, ok := s.images[bucket]
		if !ok {
			mb = make(map[string]*ImageContainer)
			s.images[bucket] = mb
		}
		mb[img.name] = img
		s.mu.Unlock()
	}
}

func (s *Server) image(bucket, name string) (*ImageContainer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[bucket][name]
	return img, ok
}

func (s *Server) markViewed(bucket string) {
	s.mu.Lock()
	s.lastViewed[bucket] = time.Now()
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	handler := httprouter.New()
	handler.GET("/", s.handleData)
	handler.GET("/view/:bucket", s.handleView)
	handler.GET("/img/:bucket/:img", s.handleImage)
	handler.POST("/control", s.handleControl)
	return gzhttp.GzipHandler(handler)
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	data := s.source.MonitoringData()

	if strings.Contains(r.Header.Get("Accept"), contentTypeCBOR) {
		b, err := cbor.Marshal(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentTypeCBOR)
		w.Write(b)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn().Err(err).Msg("encoding monitoring data failed")
	}
}

var viewTemplate = template.Must(template.New("view").Parse(`<html><head><title>{{.Device}}</title>
<script type="text/javascript">
	var toggleRefresh = true;
	function toggleOn() { toggleRefresh = !toggleRefresh; }
	function changeBucket() {
		window.location.href = '/view/' + document.getElementById('bucketSelector').value;
	}
	window.onload = function() {
		document.querySelectorAll('img').forEach(function(image) {
			setInterval(function() {
				if (toggleRefresh) {
					image.src = image.src.split("?")[0] + "?" + new Date().getTime();
				}
			}, {{.IntervalMS}});
		});
	}
</script></head>
<body style='background-color: black'>
<select id="bucketSelector" onchange="changeBucket()">
{{range .Devices}}<option value="{{.}}"{{if eq . $.Device}} selected{{end}}>{{.}}</option>
{{end}}</select>
<button onclick="toggleOn()">Refresh?</button>
<div style="display: flex; flex-direction: row; flex-wrap: wrap">
{{range .Plots}}<div><img src="/img/{{$.Device}}/{{.}}" /></div>
{{end}}</div>
</body></html>`))

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	bucket := params.ByName("bucket")

	s.mu.RLock()
	producers, ok := s.producerBuckets[bucket]
	plots := make([]string, 0, len(producers))
	for name := range producers {
		plots = append(plots, name)
	}
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	sort.Strings(plots)
	s.markViewed(bucket)

	devices := s.source.DeviceNames()
	sort.Strings(devices)

	w.Header().Set("Content-Type", "text/html")
	err := viewTemplate.Execute(w, struct {
		Device     string
		Devices    []string
		Plots      []string
		IntervalMS int64
	}{bucket, devices, plots, s.updateInterval.Milliseconds()})
	if err != nil {
		s.logger.Warn().Err(err).Msg("rendering view failed")
	}
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	bucket := params.ByName("bucket")
	name := params.ByName("img")

	s.mu.RLock()
	_, registered := s.producerBuckets[bucket][name]
	s.mu.RUnlock()
	if !registered {
		http.NotFound(w, r)
		return
	}
	s.markViewed(bucket)

	img, ok := s.image(bucket, name)
	if !ok {
		s.render(bucket)
		img, ok = s.image(bucket, name)
	}
	if !ok {
		// registered but nothing recorded yet
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(img.data)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var msg types.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "malformed control message: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !msg.Kind.Valid() {
		http.Error(w, fmt.Sprintf("unknown message type %q", msg.Kind), http.StatusBadRequest)
		return
	}

	if err := s.source.Dispatch(r.Context(), &msg); err != nil {
		s.logger.Error().Err(err).Str("kind", string(msg.Kind)).Msg("dispatch failed")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.logger.Info().
		Str("kind", string(msg.Kind)).
		Str("experiment_id", msg.ExperimentID).
		Str("stimulus_id", msg.StimulusID).
		Msg("control message dispatched")
	w.WriteHeader(http.StatusAccepted)
}
