package session

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/norasector/biostream/pkg/biostream/output"
	"github.com/norasector/biostream/pkg/biostream/types"
	"github.com/norasector/biostream/pkg/util"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

type harness struct {
	s       *Session
	dev     *scriptedDevice
	metrics *util.RecordingWriteAPI
	errCh   chan error
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "device"
	}
	if opts.SamplingRate == 0 {
		opts.SamplingRate = 2
	}
	opts.OutputPath = t.TempDir()

	h := &harness{
		dev:     &scriptedDevice{},
		metrics: &util.RecordingWriteAPI{},
		errCh:   make(chan error, 1),
	}
	var err error
	h.s, err = NewSession(h.dev, opts, WithInfluxDB(h.metrics), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() {
		h.errCh <- h.s.Start(ctx)
	}()
}

func (h *harness) send(msg *types.Message) {
	h.s.Receive() <- msg
}

// sendTrigger sends a START/STOP and waits until the tag is pending in the register.
func (h *harness) sendTrigger(t *testing.T, msg *types.Message) {
	t.Helper()
	h.send(msg)
	want := types.FormatTrigger(msg)
	require.Eventually(t, func() bool {
		tag, ok := h.s.trigger.Pending()
		return ok && tag == want
	}, waitFor, tick)
}

// pushAndWait queues a block and waits until the buffer holds want records.
func (h *harness) pushAndWait(t *testing.T, want int, channels ...[]float64) {
	t.Helper()
	h.dev.push(channels...)
	require.Eventually(t, func() bool { return h.s.buffer.Len() == want }, waitFor, tick)
}

func (h *harness) terminate(t *testing.T) error {
	t.Helper()
	h.send(types.TerminateMessage())
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not terminate")
		return nil
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSeparatedStopWritesStimulusFile(t *testing.T) {
	h := newHarness(t, Options{
		SamplingRate:     2,
		SavingMode:       types.SavingModeSeparated,
		TriggerPlacement: types.PlaceFirst,
	})
	h.start(t)

	h.sendTrigger(t, types.StartMessage("1", "3"))
	h.pushAndWait(t, 2, []float64{1, 2}, []float64{1, 2}, []float64{1, 2})
	h.pushAndWait(t, 4, []float64{3, 4}, []float64{3, 4}, []float64{3, 4})

	h.send(types.StopMessage("1", "3"))
	require.Eventually(t, func() bool { return h.s.buffer.Len() == 0 }, waitFor, tick)

	require.NoError(t, h.terminate(t))

	rows := readCSV(t, filepath.Join(h.s.OutputDir(), "device-1-3.csv"))
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"1", "1", "1", "START-1-03"}, rows[0])
	for _, row := range rows[1:] {
		assert.Len(t, row, 3)
	}
	assert.Equal(t, []string{"4", "4", "4"}, rows[3])

	exp, stim := h.s.Identity()
	assert.Equal(t, "1", exp)
	assert.Equal(t, "3", stim)
	assert.Equal(t, 1, h.dev.stopCount())
}

func TestSeparatedFilePerStimulus(t *testing.T) {
	h := newHarness(t, Options{
		SavingMode:       types.SavingModeSeparated,
		Header:           []string{"a"},
		TriggerPlacement: types.PlaceFirst,
	})
	h.start(t)

	h.sendTrigger(t, types.StartMessage("exp", "1"))
	h.pushAndWait(t, 3, []float64{1, 2, 3})
	h.send(types.StopMessage("exp", "1"))
	require.Eventually(t, func() bool { return h.s.buffer.Len() == 0 }, waitFor, tick)

	h.sendTrigger(t, types.StartMessage("exp", "2"))
	h.pushAndWait(t, 2, []float64{4, 5})
	h.send(types.StopMessage("exp", "2"))
	require.Eventually(t, func() bool { return h.s.buffer.Len() == 0 }, waitFor, tick)

	require.NoError(t, h.terminate(t))

	assert.ElementsMatch(t, []string{"device-exp-1.csv", "device-exp-2.csv"}, listFiles(t, h.s.OutputDir()))

	first := readCSV(t, filepath.Join(h.s.OutputDir(), "device-exp-1.csv"))
	assert.Equal(t, [][]string{{"a"}, {"1", "START-exp-01"}, {"2"}, {"3"}}, first)

	second := readCSV(t, filepath.Join(h.s.OutputDir(), "device-exp-2.csv"))
	assert.Equal(t, [][]string{{"a"}, {"4", "START-exp-02"}, {"5"}}, second)
}

func TestContinuousWritesOneFileAtTerminate(t *testing.T) {
	h := newHarness(t, Options{
		SavingMode:       types.SavingModeContinuous,
		Header:           []string{"c1", "c2", "trigger"},
		PadTriggerColumn: true,
		TriggerPlacement: types.PlaceFirst,
	})
	h.start(t)

	h.sendTrigger(t, types.StartMessage("a", "1"))
	h.pushAndWait(t, 2, []float64{1, 2}, []float64{10, 20})
	h.sendTrigger(t, types.StopMessage("a", "1"))
	h.pushAndWait(t, 3, []float64{3}, []float64{30})
	h.sendTrigger(t, types.StartMessage("b", "2"))
	h.pushAndWait(t, 5, []float64{4, 5}, []float64{40, 50})
	h.sendTrigger(t, types.StopMessage("b", "2"))
	h.pushAndWait(t, 6, []float64{6}, []float64{60})

	assert.Empty(t, listFiles(t, h.s.OutputDir()), "continuous mode writes nothing before terminate")
	require.NoError(t, h.terminate(t))

	assert.Equal(t, []string{"device-b.csv"}, listFiles(t, h.s.OutputDir()))
	rows := readCSV(t, filepath.Join(h.s.OutputDir(), "device-b.csv"))
	assert.Equal(t, [][]string{
		{"c1", "c2", "trigger"},
		{"1", "10", "START-a-01"},
		{"2", "20", ""},
		{"3", "30", "STOP-a-01"},
		{"4", "40", "START-b-02"},
		{"5", "50", ""},
		{"6", "60", "STOP-b-02"},
	}, rows)
}

func TestDefaultTriggerPlacementTagsLastRecord(t *testing.T) {
	h := newHarness(t, Options{SavingMode: types.SavingModeSeparated})
	h.start(t)

	h.sendTrigger(t, types.StartMessage("1", "3"))
	h.pushAndWait(t, 3, []float64{1, 2, 3})

	recs := h.s.buffer.Records()
	require.Len(t, recs, 3)
	assert.False(t, recs[0].HasTrigger())
	assert.False(t, recs[1].HasTrigger())
	assert.Equal(t, "START-1-03", recs[2].Trigger)

	h.send(types.StopMessage("1", "3"))
	require.Eventually(t, func() bool { return h.s.buffer.Len() == 0 }, waitFor, tick)
	require.NoError(t, h.terminate(t))

	rows := readCSV(t, filepath.Join(h.s.OutputDir(), "device-1-3.csv"))
	assert.Equal(t, [][]string{{"1"}, {"2"}, {"3", "START-1-03"}}, rows)
}

func TestZeroSamplePullsKeepPendingTrigger(t *testing.T) {
	h := newHarness(t, Options{SavingMode: types.SavingModeContinuous, PollInterval: time.Microsecond})
	h.start(t)

	h.sendTrigger(t, types.StartMessage("1", "1"))
	before := h.dev.emptyPullCount()
	require.Eventually(t, func() bool { return h.dev.emptyPullCount() >= before+5 }, waitFor, tick)

	assert.Equal(t, 0, h.s.buffer.Len())
	tag, ok := h.s.trigger.Pending()
	assert.True(t, ok)
	assert.Equal(t, "START-1-01", tag)

	h.pushAndWait(t, 1, []float64{7})
	_, ok = h.s.trigger.Pending()
	assert.False(t, ok)
	assert.Equal(t, "START-1-01", h.s.buffer.Records()[0].Trigger)

	require.NoError(t, h.terminate(t))
}

func TestTriggerOverwrittenBeforePull(t *testing.T) {
	h := newHarness(t, Options{SavingMode: types.SavingModeContinuous})
	h.start(t)

	h.send(types.StartMessage("1", "1"))
	h.sendTrigger(t, types.StopMessage("1", "1"))

	assert.Equal(t, uint64(1), h.s.trigger.Overwritten())
	require.Eventually(t, func() bool { return h.metrics.Count("trigger.overwritten") == 1 }, waitFor, tick)

	h.pushAndWait(t, 1, []float64{1})
	assert.Equal(t, "STOP-1-01", h.s.buffer.Records()[0].Trigger)
	require.NoError(t, h.terminate(t))
}

func TestMonitoringDataBounded(t *testing.T) {
	h := newHarness(t, Options{SamplingRate: 2})
	h.start(t)

	assert.Empty(t, h.s.MonitoringData())

	h.pushAndWait(t, 4, []float64{1, 2, 3, 4})
	assert.Len(t, h.s.MonitoringData(), 4)

	h.pushAndWait(t, 9, []float64{5, 6, 7, 8, 9})
	snap := h.s.MonitoringData()
	require.Len(t, snap, 6)
	assert.Equal(t, []float64{4}, snap[0].Values)
	assert.Equal(t, []float64{9}, snap[5].Values)
	assert.Equal(t, 9, h.s.buffer.Len(), "snapshot does not consume the buffer")

	require.NoError(t, h.terminate(t))
}

func TestNilAndUnknownMessagesIgnored(t *testing.T) {
	h := newHarness(t, Options{SavingMode: types.SavingModeContinuous})
	h.start(t)

	h.send(nil)
	h.send(&types.Message{Kind: "PAUSE", ExperimentID: "9"})
	h.pushAndWait(t, 1, []float64{1})

	select {
	case err := <-h.errCh:
		t.Fatalf("session ended early: %v", err)
	default:
	}
	_, ok := h.s.trigger.Pending()
	assert.False(t, ok)

	require.NoError(t, h.terminate(t))
	rows := readCSV(t, filepath.Join(h.s.OutputDir(), "device-.csv"))
	assert.Equal(t, [][]string{{"1"}}, rows)
}

func TestFlushFailureIsReportedAndRecordsKept(t *testing.T) {
	h := newHarness(t, Options{SavingMode: types.SavingModeSeparated})
	h.start(t)

	h.pushAndWait(t, 2, []float64{1, 2})
	require.NoError(t, os.RemoveAll(h.s.OutputDir()))

	h.send(types.StopMessage("1", "1"))
	require.Eventually(t, func() bool { return h.metrics.Count("session.flush") == 1 }, waitFor, tick)
	assert.Equal(t, 2, h.s.buffer.Len(), "failed flush keeps records")

	require.NoError(t, os.MkdirAll(h.s.OutputDir(), 0o755))
	h.pushAndWait(t, 3, []float64{3})
	h.send(types.StopMessage("1", "2"))
	require.Eventually(t, func() bool { return h.s.buffer.Len() == 0 }, waitFor, tick)

	err := h.terminate(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device-1-1.csv")

	rows := readCSV(t, filepath.Join(h.s.OutputDir(), "device-1-2.csv"))
	assert.Equal(t, [][]string{{"1"}, {"2"}, {"3"}}, rows)
}

func TestFlushSameBufferTwiceRejected(t *testing.T) {
	h := newHarness(t, Options{SavingMode: types.SavingModeContinuous})
	h.s.buffer.Append([][]float64{{1}, {2}}, "", types.PlaceFirst)

	path := h.s.filePath("1")
	require.NoError(t, h.s.flush(path, false))
	err := h.s.flush(path, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, output.ErrDuplicateFlush))
	assert.Len(t, readCSV(t, path), 2)
	assert.Error(t, h.s.flushError())
}

func TestDeviceErrorsEndSession(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name  string
		setup func(d *scriptedDevice)
		want  string
	}{
		{"start stream", func(d *scriptedDevice) { d.startErr = boom }, "starting stream failed"},
		{"pull", func(d *scriptedDevice) { d.pullErr = boom }, "pulling samples failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			tt.setup(h.dev)
			h.start(t)

			select {
			case err := <-h.errCh:
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.want)
				assert.Equal(t, boom, errors.Cause(err))
			case <-time.After(waitFor):
				t.Fatal("session did not end")
			}
			assert.Equal(t, 1, h.dev.stopCount())
		})
	}
}

func TestContinuousStreamFailureSavesBuffer(t *testing.T) {
	h := newHarness(t, Options{SavingMode: types.SavingModeContinuous})
	h.start(t)

	h.sendTrigger(t, types.StartMessage("exp", "1"))
	h.pushAndWait(t, 3, []float64{1, 2, 3})

	unplugged := errors.New("usb unplugged")
	h.dev.failPulls(unplugged)

	select {
	case err := <-h.errCh:
		require.Error(t, err)
		assert.Equal(t, unplugged, errors.Cause(err))
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}

	assert.Equal(t, []string{"device-exp.csv"}, listFiles(t, h.s.OutputDir()))
	rows := readCSV(t, filepath.Join(h.s.OutputDir(), "device-exp.csv"))
	assert.Equal(t, [][]string{{"1"}, {"2"}, {"3", "START-exp-01"}}, rows)
	assert.Equal(t, 1, h.dev.stopCount())
}

func TestSeparatedStreamFailureLeavesSegmentUnwritten(t *testing.T) {
	h := newHarness(t, Options{SavingMode: types.SavingModeSeparated})
	h.start(t)

	h.sendTrigger(t, types.StartMessage("exp", "1"))
	h.pushAndWait(t, 2, []float64{1, 2})
	h.dev.failPulls(errors.New("usb unplugged"))

	select {
	case err := <-h.errCh:
		assert.Contains(t, err.Error(), "pulling samples failed")
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
	assert.Empty(t, listFiles(t, h.s.OutputDir()))
}

func TestSmallPullsArePaced(t *testing.T) {
	const poll = 20 * time.Millisecond
	h := newHarness(t, Options{SamplingRate: 1000, PollInterval: poll})
	for i := 0; i < 3; i++ {
		h.dev.push([]float64{float64(i)})
	}
	h.start(t)

	require.Eventually(t, func() bool { return h.s.buffer.Len() == 3 }, waitFor, tick)
	filled := h.dev.filledAt()
	require.Len(t, filled, 3)
	for i := 1; i < len(filled); i++ {
		assert.GreaterOrEqual(t, int64(filled[i].Sub(filled[i-1])), int64(poll), "pull %d", i)
	}

	require.NoError(t, h.terminate(t))
}

func TestContextCancelAbortsSession(t *testing.T) {
	h := newHarness(t, Options{SavingMode: types.SavingModeContinuous})
	h.start(t)
	h.pushAndWait(t, 1, []float64{1})

	h.cancel()
	select {
	case err := <-h.errCh:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
	}
	assert.Empty(t, listFiles(t, h.s.OutputDir()))
	assert.Equal(t, 1, h.dev.stopCount())
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	require.Error(t, h.s.Start(context.Background()))
	require.NoError(t, h.terminate(t))
}

func TestNewSessionConfigurationErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		dev  *scriptedDevice
		opts Options
	}{
		{"missing name", &scriptedDevice{}, Options{SamplingRate: 1, OutputPath: dir}},
		{"zero rate", &scriptedDevice{}, Options{Name: "a", OutputPath: dir}},
		{"prepare fails", &scriptedDevice{prepareErr: errors.New("no board")}, Options{Name: "a", SamplingRate: 1, OutputPath: dir}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSession(tt.dev, tt.opts, WithLogger(zerolog.Nop()))
			require.Error(t, err)
		})
	}

	_, err := NewSession(nil, Options{Name: "a", SamplingRate: 1, OutputPath: dir})
	require.Error(t, err)
}
