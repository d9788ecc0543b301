// Package tmc provides an HTTP interface to test and measurement devices
package tmc

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"
	"strings"

	"goji.io/pat"

	"github.com/pennmem/fungen/fungen"
	"github.com/pennmem/fungen/generichttp"
	"github.com/pennmem/fungen/server"
)

// FunctionGenerator describes an interface to a function generator
type FunctionGenerator interface {
	// ID returns the identification string of the device
	ID() (string, error)

	// SetFunction sets the function
	SetFunction(fungen.Function) error

	// GetFunction returns the current function type used
	GetFunction() (fungen.Function, error)

	// SetFrequency configures the frequency of the output waveform
	SetFrequency(float64) error

	// GetFrequency gets the frequency of the output waveform
	GetFrequency() (float64, error)

	// SetAmplitude configures the voltage of the output waveform
	SetAmplitude(float64, fungen.VoltageUnit) error

	// GetAmplitude retrieves the voltage of the output waveform
	GetAmplitude() (float64, error)

	// SetOffset configures the offset of the output waveform
	SetOffset(float64, fungen.VoltageUnit) error

	// GetOffset retrieves the offset of the output waveform
	GetOffset() (float64, error)

	// SetOutput sets output enable on the output connector
	SetOutput(bool) error

	// GetOutput queries if the generator output is active
	GetOutput() (bool, error)

	// SetBurst turns burst mode on or off
	SetBurst(bool) error

	// GetBurst queries whether burst mode is on
	GetBurst() (bool, error)

	// SetNCycles sets the burst cycle count
	SetNCycles(int) error

	// SetNCyclesExtremum sets the burst cycle count symbolically
	SetNCyclesExtremum(fungen.Extremum) error

	// GetNCycles retrieves the burst cycle count
	GetNCycles() (float64, error)

	// SetBurstPeriod sets the interval between bursts in seconds
	SetBurstPeriod(float64) error

	// SetBurstPeriodExtremum sets the burst period symbolically
	SetBurstPeriodExtremum(fungen.Extremum) error

	// GetBurstPeriod retrieves the interval between bursts
	GetBurstPeriod() (float64, error)

	// SetBurstMode sets the burst gating mode
	SetBurstMode(fungen.BurstMode) error

	// GetBurstMode retrieves the burst gating mode
	GetBurstMode() (fungen.BurstMode, error)

	// SetTriggerSource sets the trigger source
	SetTriggerSource(fungen.TriggerSource) error

	// GetTriggerSource retrieves the trigger source
	GetTriggerSource() (fungen.TriggerSource, error)

	// ClearVolatileMemory frees the waveforms in device volatile memory
	ClearVolatileMemory() error

	// Upload sends a waveform to the device and selects it
	Upload(w *fungen.Waveform, name string, toggleOutput bool) error

	// Raw passes a command through to the device
	Raw(string) (string, error)
}

// amplitudeT is the json shell for amplitude and offset sets, the unit
// defaults to VPP when omitted
type amplitudeT struct {
	F64  float64 `json:"f64"`
	Unit string  `json:"unit"`
}

// waveformT is the json shell for waveform uploads
type waveformT struct {
	Samples      []float64 `json:"samples"`
	SampleRate   float64   `json:"sampleRate"`
	Name         string    `json:"name"`
	ToggleOutput *bool     `json:"toggleOutput"`
	Clear        bool      `json:"clear"`
}

// HTTPFunctionGenerator wraps a function generator in an HTTP route table
type HTTPFunctionGenerator struct {
	// FG is the underlying function generator
	FG FunctionGenerator

	// RouteTable is the map of Goji patterns to route handlers
	RouteTable server.RouteTable
}

// NewHTTPFunctionGenerator returns a new HTTP wrapper with the route table
// populated
func NewHTTPFunctionGenerator(fg FunctionGenerator) *HTTPFunctionGenerator {
	w := &HTTPFunctionGenerator{FG: fg}
	rt := server.RouteTable{
		pat.Get("/id"): generichttp.GetString(fg.ID),

		pat.Get("/function"):  w.GetFunction,
		pat.Post("/function"): w.SetFunction,

		pat.Get("/frequency"):  generichttp.GetFloat(fg.GetFrequency),
		pat.Post("/frequency"): generichttp.SetFloat(fg.SetFrequency),

		pat.Get("/voltage"):  generichttp.GetFloat(fg.GetAmplitude),
		pat.Post("/voltage"): w.setWithUnit(fg.SetAmplitude),

		pat.Get("/offset"):  generichttp.GetFloat(fg.GetOffset),
		pat.Post("/offset"): w.setWithUnit(fg.SetOffset),

		pat.Get("/output"):  generichttp.GetBool(fg.GetOutput),
		pat.Post("/output"): generichttp.SetBool(fg.SetOutput),

		pat.Get("/burst"):  generichttp.GetBool(fg.GetBurst),
		pat.Post("/burst"): generichttp.SetBool(fg.SetBurst),

		pat.Get("/burst/ncycles"):  generichttp.GetFloat(fg.GetNCycles),
		pat.Post("/burst/ncycles"): w.SetNCycles,

		pat.Get("/burst/period"):  generichttp.GetFloat(fg.GetBurstPeriod),
		pat.Post("/burst/period"): w.SetBurstPeriod,

		pat.Get("/burst/mode"):  w.GetBurstMode,
		pat.Post("/burst/mode"): w.SetBurstMode,

		pat.Get("/trigger-source"):  w.GetTriggerSource,
		pat.Post("/trigger-source"): w.SetTriggerSource,

		pat.Post("/waveform"): w.UploadWaveform,
		pat.Post("/raw"):      w.Raw,
	}
	w.RouteTable = rt
	return w
}

// RT satisfies server.HTTPer
func (h *HTTPFunctionGenerator) RT() server.RouteTable {
	return h.RouteTable
}

// GetFunction returns the current function as its spelled-out token
func (h *HTTPFunctionGenerator) GetFunction(w http.ResponseWriter, r *http.Request) {
	f, err := h.FG.GetFunction()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.String, String: f.String()}
	hp.EncodeAndRespond(w, r)
}

// SetFunction parses {'str': 'sine'} and configures the output function
func (h *HTTPFunctionGenerator) SetFunction(w http.ResponseWriter, r *http.Request) {
	s := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fcn, err := fungen.ParseFunction(s.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.FG.SetFunction(fcn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// setWithUnit adapts an amplitude-like setter taking a value and a voltage
// unit; the unit field defaults to VPP
func (h *HTTPFunctionGenerator) setWithUnit(fcn func(float64, fungen.VoltageUnit) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := amplitudeT{Unit: "VPP"}
		err := json.NewDecoder(r.Body).Decode(&a)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		unit, err := fungen.ParseVoltageUnit(a.Unit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(a.F64, unit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// SetNCycles parses {'str': value} where value is an integer or one of
// inf/min/max
func (h *HTTPFunctionGenerator) SetNCycles(w http.ResponseWriter, r *http.Request) {
	s := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if n, aerr := strconv.Atoi(strings.TrimSpace(s.Str)); aerr == nil {
		err = h.FG.SetNCycles(n)
	} else {
		var e fungen.Extremum
		e, err = parseExtremum(s.Str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = h.FG.SetNCyclesExtremum(e)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetBurstPeriod parses {'str': value} where value is a period in seconds
// or one of min/max
func (h *HTTPFunctionGenerator) SetBurstPeriod(w http.ResponseWriter, r *http.Request) {
	s := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if v, ferr := strconv.ParseFloat(strings.TrimSpace(s.Str), 64); ferr == nil {
		err = h.FG.SetBurstPeriod(v)
	} else {
		var e fungen.Extremum
		e, err = parseExtremum(s.Str)
		if err != nil || e == fungen.Infinity {
			http.Error(w, fungen.InvalidModeError(s.Str).Error(), http.StatusBadRequest)
			return
		}
		err = h.FG.SetBurstPeriodExtremum(e)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetBurstMode returns the burst gating mode as a string
func (h *HTTPFunctionGenerator) GetBurstMode(w http.ResponseWriter, r *http.Request) {
	m, err := h.FG.GetBurstMode()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.String, String: m.String()}
	hp.EncodeAndRespond(w, r)
}

// SetBurstMode parses {'str': 'triggered'|'gated'}
func (h *HTTPFunctionGenerator) SetBurstMode(w http.ResponseWriter, r *http.Request) {
	s := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := fungen.ParseBurstMode(s.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.FG.SetBurstMode(m)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetTriggerSource returns the trigger source as a string
func (h *HTTPFunctionGenerator) GetTriggerSource(w http.ResponseWriter, r *http.Request) {
	t, err := h.FG.GetTriggerSource()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.String, String: t.String()}
	hp.EncodeAndRespond(w, r)
}

// SetTriggerSource parses {'str': 'immediate'|'external'|'timer'|'bus'}
func (h *HTTPFunctionGenerator) SetTriggerSource(w http.ResponseWriter, r *http.Request) {
	s := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := fungen.ParseTriggerSource(s.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.FG.SetTriggerSource(t)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// UploadWaveform parses a waveform payload, normalizes it, and sends it to
// the device.  toggleOutput defaults to true when omitted.
func (h *HTTPFunctionGenerator) UploadWaveform(w http.ResponseWriter, r *http.Request) {
	wt := waveformT{}
	err := json.NewDecoder(r.Body).Decode(&wt)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	wave, err := fungen.NewWaveform(wt.Samples, wt.SampleRate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if wt.Clear {
		if err = h.FG.ClearVolatileMemory(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	toggle := true
	if wt.ToggleOutput != nil {
		toggle = *wt.ToggleOutput
	}
	err = h.FG.Upload(wave, wt.Name, toggle)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Raw sends text to the device and returns the text it replies with, if
// the command was a query
func (h *HTTPFunctionGenerator) Raw(w http.ResponseWriter, r *http.Request) {
	s := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := h.FG.Raw(s.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.String, String: resp}
	hp.EncodeAndRespond(w, r)
}

// parseExtremum maps inf/min/max (and their long forms) to an Extremum
func parseExtremum(s string) (fungen.Extremum, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "min", "minimum":
		return fungen.Minimum, nil
	case "max", "maximum":
		return fungen.Maximum, nil
	case "inf", "infinity":
		return fungen.Infinity, nil
	}
	return 0, fungen.InvalidModeError(s)
}
