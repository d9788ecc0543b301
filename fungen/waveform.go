package fungen

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// DefaultArbName is the waveform name used on the device when none is given
const DefaultArbName = "func"

// ErrDegenerateWaveform is generated when every sample is zero; the peak
// amplitude is zero and normalization is undefined.
var ErrDegenerateWaveform = errors.New("all samples are zero, amplitude is undefined")

// ShapeError is generated when sample data is not a single nonempty column
type ShapeError struct {
	// Row is the 1-based row of a malformed CSV record, 0 for in-memory data
	Row int

	// Fields is the number of fields on that row
	Fields int
}

func (e ShapeError) Error() string {
	if e.Row == 0 {
		return "waveform requires at least one sample"
	}
	return fmt.Sprintf("waveform row %d has %d fields, expected a single column", e.Row, e.Fields)
}

// CommandWriter accepts SCPI command strings.  scpi.SCPI satisfies it.
type CommandWriter interface {
	Write(cmds ...string) error
}

// Waveform holds a normalized arbitrary waveform.  It is computed once at
// construction and immutable thereafter; re-normalizing means constructing
// a new Waveform.
type Waveform struct {
	samples    []float64 // normalized, in [-1, 1]
	amplitude  float64   // peak |volts| of the input data
	sampleRate float64   // Hz
}

// NewWaveform builds a waveform from samples in volts and a sample rate in
// Hz.  The samples are scaled by the peak absolute value so that the device
// receives data in [-1, 1] with at least one sample at ±1; the peak is kept
// as the output amplitude.
func NewWaveform(samples []float64, sampleRate float64) (*Waveform, error) {
	if len(samples) == 0 {
		return nil, ShapeError{}
	}
	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return nil, fmt.Errorf("sample rate must be a positive number of Hz, got %v", sampleRate)
	}
	amp := 0.
	for _, s := range samples {
		if a := math.Abs(s); a > amp {
			amp = a
		}
	}
	if amp == 0 {
		return nil, ErrDegenerateWaveform
	}
	norm := make([]float64, len(samples))
	for i, s := range samples {
		norm[i] = s / amp
	}
	return &Waveform{samples: norm, amplitude: amp, sampleRate: sampleRate}, nil
}

// Amplitude returns the peak absolute value of the input data in volts
func (w *Waveform) Amplitude() float64 { return w.amplitude }

// SampleRate returns the playback rate in Hz
func (w *Waveform) SampleRate() float64 { return w.sampleRate }

// Len returns the number of samples
func (w *Waveform) Len() int { return len(w.samples) }

// Samples returns a copy of the normalized samples
func (w *Waveform) Samples() []float64 {
	out := make([]float64, len(w.samples))
	copy(out, w.samples)
	return out
}

// WriteToDevice uploads the waveform and makes it the active arbitrary
// function.  name is the label stored on the device, DefaultArbName if
// empty.  When toggleOutput is true the output is disabled before the
// reconfiguration and re-enabled after, so connected hardware never sees
// the half-configured transient.
//
// The ordering is load-bearing: the data must be loaded and selected before
// the rate and amplitude that describe it are set.  Commands are issued
// sequentially with no rollback; if one fails the rest are not attempted
// and the output may be left disabled.
func (w *Waveform) WriteToDevice(dev CommandWriter, name string, toggleOutput bool) error {
	if name == "" {
		name = DefaultArbName
	}
	if toggleOutput {
		if err := dev.Write("OUTPUT OFF"); err != nil {
			return err
		}
	}
	vals := make([]string, len(w.samples))
	for i, s := range w.samples {
		vals[i] = ftoa(s)
	}
	err := dev.Write(fmt.Sprintf("data:arb %s, %s", name, strings.Join(vals, ",")))
	if err != nil {
		return err
	}
	if err = dev.Write(fmt.Sprintf("func:arb %s", name)); err != nil {
		return err
	}
	if err = dev.Write("func:arb:srate " + ftoa(w.sampleRate)); err != nil {
		return err
	}
	if err = dev.Write(fmt.Sprintf("voltage:amplitude %s V", ftoa(w.amplitude))); err != nil {
		return err
	}
	if toggleOutput {
		return dev.Write("OUTPUT ON")
	}
	return nil
}

// LoadCSV reads a waveform from a CSV file with one sample per row in a
// single column, in volts
func LoadCSV(path string, sampleRate float64) (*Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // length checked per row for a precise error
	var samples []float64
	row := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row++
		if len(rec) != 1 {
			return nil, ShapeError{Row: row, Fields: len(rec)}
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		samples = append(samples, v)
	}
	return NewWaveform(samples, sampleRate)
}

// WriteCSV stores the normalized samples, one per row
func (w *Waveform) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	cw := csv.NewWriter(f)
	for _, s := range w.samples {
		if err := cw.Write([]string{ftoa(s)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ftoa formats a float the way the device grammar expects, shortest
// round-trip form
func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'G', -1, 64)
}
