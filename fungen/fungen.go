// Package fungen provides an interface to SCPI-compliant function
// generators, plus arbitrary waveform normalization and upload.
//
// A FunctionGenerator is addressed by a VISA resource string (TCP socket,
// serial port, or USBTMC) and exposes typed accessors for the output
// configuration of one channel.  Accessors validate their inputs before any
// command is sent; a multi-command setter that fails partway leaves the
// device partially reconfigured, which is documented rather than masked.
package fungen

import (
	"fmt"
	"strings"
	"time"

	"github.com/pennmem/fungen/comm"
	"github.com/pennmem/fungen/scpi"
	"github.com/pennmem/fungen/visa"
)

// InvalidUnitsError is generated when a voltage unit token is not one of
// VPP, VRMS, or DBM
type InvalidUnitsError string

func (e InvalidUnitsError) Error() string {
	return fmt.Sprintf("%q is not a valid voltage unit, must be VPP, VRMS, or DBM", string(e))
}

// InvalidModeError is generated when a symbolic token (burst mode, trigger
// source, extremum) is outside its closed enumeration
type InvalidModeError string

func (e InvalidModeError) Error() string {
	return fmt.Sprintf("%q is not a valid mode token", string(e))
}

// Function is an output function shape
type Function int

// output functions supported by the generators
const (
	Sine Function = iota
	Square
	Ramp
	Pulse
	Triangle
	Noise
	PRBS
	Arbitrary
)

var functionCodes = map[Function]string{
	Sine:      "SIN",
	Square:    "SQU",
	Ramp:      "RAMP",
	Pulse:     "PULS",
	Triangle:  "TRI",
	Noise:     "NOIS",
	PRBS:      "PRBS",
	Arbitrary: "ARB",
}

func (f Function) String() string {
	if s, ok := functionCodes[f]; ok {
		return s
	}
	return fmt.Sprintf("Function(%d)", int(f))
}

// ParseFunction maps a device function code or spelled-out name to a
// Function
func ParseFunction(s string) (Function, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for f, code := range functionCodes {
		if up == code {
			return f, nil
		}
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sine":
		return Sine, nil
	case "square":
		return Square, nil
	case "ramp":
		return Ramp, nil
	case "pulse":
		return Pulse, nil
	case "triangle":
		return Triangle, nil
	case "noise":
		return Noise, nil
	case "prbs":
		return PRBS, nil
	case "arbitrary", "arb":
		return Arbitrary, nil
	}
	return 0, InvalidModeError(s)
}

// VoltageUnit is a unit for amplitude and offset values
type VoltageUnit int

// voltage units accepted by the device
const (
	VPP VoltageUnit = iota
	VRMS
	DBM
)

var voltageUnits = map[VoltageUnit]string{
	VPP:  "VPP",
	VRMS: "VRMS",
	DBM:  "DBM",
}

func (u VoltageUnit) String() string {
	if s, ok := voltageUnits[u]; ok {
		return s
	}
	return fmt.Sprintf("VoltageUnit(%d)", int(u))
}

// ParseVoltageUnit maps a unit token to a VoltageUnit
func ParseVoltageUnit(s string) (VoltageUnit, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "VPP":
		return VPP, nil
	case "VRMS":
		return VRMS, nil
	case "DBM":
		return DBM, nil
	}
	return 0, InvalidUnitsError(s)
}

// BurstMode selects how burst output is gated
type BurstMode int

// burst modes
const (
	Triggered BurstMode = iota
	Gated
)

var burstModes = map[BurstMode]string{
	Triggered: "TRIGgered",
	Gated:     "GATed",
}

func (m BurstMode) String() string {
	if s, ok := burstModes[m]; ok {
		return s
	}
	return fmt.Sprintf("BurstMode(%d)", int(m))
}

// ParseBurstMode maps a token ("triggered"/"gated", or the device's
// response forms) to a BurstMode
func ParseBurstMode(s string) (BurstMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRIG", "TRIGGERED":
		return Triggered, nil
	case "GAT", "GATED":
		return Gated, nil
	}
	return 0, InvalidModeError(s)
}

// TriggerSource selects what initiates a trigger event
type TriggerSource int

// trigger sources
const (
	Immediate TriggerSource = iota
	External
	Timer
	Bus
)

var triggerSources = map[TriggerSource]string{
	Immediate: "IMMediate",
	External:  "EXTernal",
	Timer:     "TIMer",
	Bus:       "BUS",
}

func (t TriggerSource) String() string {
	if s, ok := triggerSources[t]; ok {
		return s
	}
	return fmt.Sprintf("TriggerSource(%d)", int(t))
}

// ParseTriggerSource maps a token to a TriggerSource.  Unmapped tokens are
// rejected, never passed through raw.
func ParseTriggerSource(s string) (TriggerSource, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IMM", "IMMEDIATE":
		return Immediate, nil
	case "EXT", "EXTERNAL":
		return External, nil
	case "TIM", "TIMER":
		return Timer, nil
	case "BUS":
		return Bus, nil
	}
	return 0, InvalidModeError(s)
}

// Extremum is a symbolic stand-in for a numeric parameter value
type Extremum int

// symbolic parameter values
const (
	Minimum Extremum = iota
	Maximum
	Infinity
)

var extrema = map[Extremum]string{
	Minimum:  "MINimum",
	Maximum:  "MAXimum",
	Infinity: "INFinity",
}

func (e Extremum) String() string {
	if s, ok := extrema[e]; ok {
		return s
	}
	return fmt.Sprintf("Extremum(%d)", int(e))
}

// FunctionGenerator is an interface to hardware of the same name.  All
// accessors are parametrized by Channel, which defaults to 1.
//
// A FunctionGenerator is not safe for concurrent use; callers sharing one
// across goroutines must serialize access themselves.
type FunctionGenerator struct {
	scpi.SCPI

	// Channel selects which output the channel-parametrized commands act on
	Channel int

	rm      *visa.ResourceManager
	closeRM bool
	closed  bool
}

// NewFunctionGenerator sets up communication with the generator at the
// given VISA resource string, creating (and owning) a resource manager.
// timeout bounds transport operations; zero means visa.DefaultTimeout.
func NewFunctionGenerator(resource string, timeout time.Duration) (*FunctionGenerator, error) {
	return NewFunctionGeneratorRM(resource, timeout, visa.NewResourceManager(), true)
}

// NewFunctionGeneratorRM is NewFunctionGenerator with a caller-supplied
// resource manager.  When closeOnExit is true, Close releases the manager;
// a manager shared between sessions should be passed with closeOnExit
// false and closed by its owner.
func NewFunctionGeneratorRM(resource string, timeout time.Duration, rm *visa.ResourceManager, closeOnExit bool) (*FunctionGenerator, error) {
	if _, err := visa.ParseResource(resource); err != nil {
		return nil, err
	}
	pool := comm.NewPool(1, time.Minute, rm.Maker(resource, timeout))
	return &FunctionGenerator{
		SCPI:    scpi.SCPI{Pool: pool},
		Channel: 1,
		rm:      rm,
		closeRM: closeOnExit,
	}, nil
}

// NewFunctionGeneratorPool creates a function generator over an existing
// connection pool, for transports not described by a VISA resource string.
// Close does not release anything beyond the pool.
func NewFunctionGeneratorPool(pool *comm.Pool) *FunctionGenerator {
	return &FunctionGenerator{SCPI: scpi.SCPI{Pool: pool}, Channel: 1}
}

// Close releases the transport, and the resource manager if this generator
// owns it.  Close is idempotent; after the first call it is a no-op.
func (f *FunctionGenerator) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	err := f.Pool.Close()
	if f.closeRM && f.rm != nil {
		if rerr := f.rm.Close(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// ID queries the device identification string
func (f *FunctionGenerator) ID() (string, error) {
	return f.ReadString("*IDN?")
}

// EnableOutput enables the output on the front connector
func (f *FunctionGenerator) EnableOutput() error {
	return f.SetOutput(true)
}

// DisableOutput disables the output on the front connector
func (f *FunctionGenerator) DisableOutput() error {
	return f.SetOutput(false)
}

// SetOutput sets the output enable state
func (f *FunctionGenerator) SetOutput(on bool) error {
	mnemonic := "OFF"
	if on {
		mnemonic = "ON"
	}
	return f.Write(fmt.Sprintf("OUTPut%d %s", f.Channel, mnemonic))
}

// GetOutput returns true if the generator is currently outputting a signal
func (f *FunctionGenerator) GetOutput() (bool, error) {
	return f.ReadBool(fmt.Sprintf("OUTPut%d?", f.Channel))
}

// SetFunction configures the output function used by the generator
func (f *FunctionGenerator) SetFunction(fcn Function) error {
	code, ok := functionCodes[fcn]
	if !ok {
		return InvalidModeError(fcn.String())
	}
	return f.Write(fmt.Sprintf("SOURce%d:FUNCtion %s", f.Channel, code))
}

// GetFunction returns the current function type used by the generator
func (f *FunctionGenerator) GetFunction() (Function, error) {
	resp, err := f.ReadString(fmt.Sprintf("SOURce%d:FUNCtion?", f.Channel))
	if err != nil {
		return 0, err
	}
	return ParseFunction(resp)
}

// SetAmplitude configures the output amplitude in the given unit.  Two
// commands are issued in sequence (unit, then value); if the second fails
// the device is left with the unit set but not the value.
func (f *FunctionGenerator) SetAmplitude(value float64, unit VoltageUnit) error {
	u, ok := voltageUnits[unit]
	if !ok {
		return InvalidUnitsError(unit.String())
	}
	err := f.Write(fmt.Sprintf("SOURce%d:VOLT:UNIT %s", f.Channel, u))
	if err != nil {
		return err
	}
	return f.Write(fmt.Sprintf("SOURce%d:VOLTage %s", f.Channel, ftoa(value)))
}

// GetAmplitude returns the output amplitude in the currently set unit
func (f *FunctionGenerator) GetAmplitude() (float64, error) {
	return f.ReadFloat(fmt.Sprintf("SOURce%d:VOLTage?", f.Channel))
}

// SetOffset configures the output voltage offset.  Unit validation and
// sequencing behave as in SetAmplitude.
func (f *FunctionGenerator) SetOffset(value float64, unit VoltageUnit) error {
	u, ok := voltageUnits[unit]
	if !ok {
		return InvalidUnitsError(unit.String())
	}
	err := f.Write(fmt.Sprintf("SOURce%d:VOLT:UNIT %s", f.Channel, u))
	if err != nil {
		return err
	}
	return f.Write(fmt.Sprintf("SOURce%d:VOLTage:OFFSET %s", f.Channel, ftoa(value)))
}

// GetOffset gets the current voltage offset
func (f *FunctionGenerator) GetOffset() (float64, error) {
	return f.ReadFloat(fmt.Sprintf("SOURce%d:VOLTage:OFFSET?", f.Channel))
}

// SetFrequency configures the output frequency in Hz
func (f *FunctionGenerator) SetFrequency(hz float64) error {
	return f.Write(fmt.Sprintf("SOURce%d:FREQuency %s", f.Channel, ftoa(hz)))
}

// GetFrequency returns the output frequency in Hz
func (f *FunctionGenerator) GetFrequency() (float64, error) {
	return f.ReadFloat(fmt.Sprintf("SOURce%d:FREQuency?", f.Channel))
}

// SetBurst turns burst mode on or off
func (f *FunctionGenerator) SetBurst(on bool) error {
	state := 0
	if on {
		state = 1
	}
	return f.Write(fmt.Sprintf("SOURce%d:BURSt:STATe %d", f.Channel, state))
}

// GetBurst returns true if burst mode is active
func (f *FunctionGenerator) GetBurst() (bool, error) {
	return f.ReadBool(fmt.Sprintf("SOURce%d:BURSt:STATe?", f.Channel))
}

// SetNCycles sets the number of waveform cycles emitted per burst
func (f *FunctionGenerator) SetNCycles(n int) error {
	return f.Write(fmt.Sprintf("SOURce%d:BURSt:NCYCles %d", f.Channel, n))
}

// SetNCyclesExtremum sets the burst cycle count to a symbolic value
// (Minimum, Maximum, or Infinity)
func (f *FunctionGenerator) SetNCyclesExtremum(e Extremum) error {
	tok, ok := extrema[e]
	if !ok {
		return InvalidModeError(e.String())
	}
	return f.Write(fmt.Sprintf("SOURce%d:BURSt:NCYCles %s", f.Channel, tok))
}

// GetNCycles returns the burst cycle count.  An infinite count reads back
// as the device's sentinel (9.9E37 on the 33500 series).
func (f *FunctionGenerator) GetNCycles() (float64, error) {
	return f.ReadFloat(fmt.Sprintf("SOURce%d:BURSt:NCYCles?", f.Channel))
}

// SetBurstPeriod sets the interval between bursts in seconds
func (f *FunctionGenerator) SetBurstPeriod(seconds float64) error {
	return f.Write(fmt.Sprintf("SOURce%d:BURSt:INTernal:PERiod %s", f.Channel, ftoa(seconds)))
}

// SetBurstPeriodExtremum sets the burst period to Minimum or Maximum.
// Infinity is not a valid period.
func (f *FunctionGenerator) SetBurstPeriodExtremum(e Extremum) error {
	if e == Infinity {
		return InvalidModeError(e.String())
	}
	tok, ok := extrema[e]
	if !ok {
		return InvalidModeError(e.String())
	}
	return f.Write(fmt.Sprintf("SOURce%d:BURSt:INTernal:PERiod %s", f.Channel, tok))
}

// GetBurstPeriod returns the interval between bursts in seconds
func (f *FunctionGenerator) GetBurstPeriod() (float64, error) {
	return f.ReadFloat(fmt.Sprintf("SOURce%d:BURSt:INTernal:PERiod?", f.Channel))
}

// SetBurstMode sets how bursts are gated (Triggered or Gated)
func (f *FunctionGenerator) SetBurstMode(m BurstMode) error {
	tok, ok := burstModes[m]
	if !ok {
		return InvalidModeError(m.String())
	}
	return f.Write(fmt.Sprintf("SOURce%d:BURSt:MODE %s", f.Channel, tok))
}

// GetBurstMode returns the burst gating mode
func (f *FunctionGenerator) GetBurstMode() (BurstMode, error) {
	resp, err := f.ReadString(fmt.Sprintf("SOURce%d:BURSt:INTernal:MODE?", f.Channel))
	if err != nil {
		return 0, err
	}
	return ParseBurstMode(resp)
}

// SetTriggerSource sets what initiates a trigger event
func (f *FunctionGenerator) SetTriggerSource(t TriggerSource) error {
	tok, ok := triggerSources[t]
	if !ok {
		return InvalidModeError(t.String())
	}
	return f.Write(fmt.Sprintf("TRIGger%d:SOURce %s", f.Channel, tok))
}

// GetTriggerSource returns the configured trigger source
func (f *FunctionGenerator) GetTriggerSource() (TriggerSource, error) {
	resp, err := f.ReadString(fmt.Sprintf("TRIGger%d:SOURce?", f.Channel))
	if err != nil {
		return 0, err
	}
	return ParseTriggerSource(resp)
}

// ClearVolatileMemory frees all waveforms from the device's volatile
// memory.  Useful before uploading, the device errors when the name
// already exists.
func (f *FunctionGenerator) ClearVolatileMemory() error {
	return f.Write("DATA:VOLatile:CLEar")
}

// Upload normalizes nothing; it sends an already-constructed Waveform to
// this generator under the given name.  See Waveform.WriteToDevice for the
// command sequence and its ordering guarantees.
func (f *FunctionGenerator) Upload(w *Waveform, name string, toggleOutput bool) error {
	return w.WriteToDevice(f, name, toggleOutput)
}
