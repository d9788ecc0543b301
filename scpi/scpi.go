// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pennmem/fungen/comm"
)

const (
	timeout = 5 * time.Second

	tcpFrameSize = 1500
)

// CommunicationError describes a failed exchange with the device: either
// the transport faulted, or handshaking was on and the device reported a
// non-zero status for the command.
type CommunicationError struct {
	// Cmd is the command that was in flight
	Cmd string

	// Resp is the device's error response, empty for transport faults
	Resp string

	// Err is the underlying transport error, nil for device-reported errors
	Err error
}

func (e *CommunicationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scpi: %q: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("scpi: %q: device reported %s", e.Cmd, e.Resp)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// SCPI is a type for encapsulating SCPI communication.  Each command leases
// a connection from the pool and returns it afterward, destroying it if the
// exchange errored.
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message to ensure the
	// device accepted the input
	Handshaking bool

	// Logger, when not nil, receives every command before transmission.
	// This is a diagnostic echo, not part of the protocol.
	Logger *log.Logger

	// Pace, when not nil, is awaited before every command.  Some
	// instruments wedge when commands arrive back to back.
	Pace *rate.Limiter
}

func (s *SCPI) echo(cmd string) {
	if s.Logger != nil {
		s.Logger.Println(cmd)
	}
}

func (s *SCPI) pace() error {
	if s.Pace != nil {
		return s.Pace.Wait(context.Background())
	}
	return nil
}

// Write sends a command to the device.  If s.Handshaking is true, it also
// requests an error response and checks that it is OK.  It is assumed this
// is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	str := strings.Join(cmds, " ")
	s.echo(str)
	if err := s.pace(); err != nil {
		return err
	}
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap, err = comm.NewTimeout(wrap, timeout)
	if err != nil {
		return err
	}
	tx := str
	if s.Handshaking {
		tx = "*CLS; " + str + " ;:SYSTem:ERRor?"
	}
	_, err = io.WriteString(wrap, tx)
	if err != nil {
		err = &CommunicationError{Cmd: str, Err: err}
		return err
	}
	if s.Handshaking {
		buf := make([]byte, tcpFrameSize)
		var n int
		n, err = wrap.Read(buf)
		if err != nil {
			err = &CommunicationError{Cmd: str, Err: err}
			return err
		}
		err = checkStatus(str, string(buf[:n]))
		return err
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism.
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	var resp []byte
	str := strings.Join(cmds, " ")
	s.echo(str)
	if err := s.pace(); err != nil {
		return resp, err
	}
	conn, err := s.Pool.Get()
	if err != nil {
		return resp, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap, err = comm.NewTimeout(wrap, timeout)
	if err != nil {
		return resp, err
	}
	tx := str
	if s.Handshaking {
		tx = "*CLS; " + str + " ;:SYSTem:ERRor?"
	}
	_, err = io.WriteString(wrap, tx)
	if err != nil {
		err = &CommunicationError{Cmd: str, Err: err}
		return resp, err
	}
	buf := make([]byte, tcpFrameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		err = &CommunicationError{Cmd: str, Err: err}
		return resp, err
	}
	resp = buf[:n]
	if s.Handshaking {
		// the error status rides behind the payload on the same line
		pieces := bytes.Split(resp, []byte{';'})
		errS := string(pieces[len(pieces)-1])
		if err = checkStatus(str, errS); err != nil {
			return resp, err
		}
		return bytes.Join(pieces[:len(pieces)-1], []byte{}), nil
	}
	return resp, nil
}

// checkStatus verifies a SYSTem:ERRor? response indicates success ("+0...")
func checkStatus(cmd, resp string) error {
	resp = strings.TrimSpace(resp)
	if len(resp) >= 2 && resp[:2] == "+0" {
		return nil
	}
	return &CommunicationError{Cmd: cmd, Resp: resp}
}

// ReadString sends a command to the device, then reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(resp), "\r\n"), nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(resp)
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(resp)
}

// Raw sends a command to the device and returns a response if it was a
// query, else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	prev := s.Handshaking
	s.Handshaking = false
	defer func() { s.Handshaking = prev }()
	if strings.Contains(str, "?") {
		return s.ReadString(str)
	}
	return "", s.Write(str)
}

// PopError gets a single error from the queue on the device,
// nil if the queue is empty
func (s *SCPI) PopError() error {
	str, err := s.ReadString("SYSTem:ERRor?") // unclear why the case needs to be this way
	if err != nil {
		return err
	}
	if len(str) >= 2 && str[:2] == "+0" {
		return nil
	}
	return fmt.Errorf(str)
}

// AllErrors drains the device's error queue and returns the contents
func (s *SCPI) AllErrors() []error {
	var errs []error
	for {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		if _, ok := err.(*CommunicationError); ok {
			// transport fault, not a device-reported error; stop draining
			break
		}
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline.
// If there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning.
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}
