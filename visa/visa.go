/*Package visa opens instrument transports from VISA resource strings.

A resource string names an instrument address the way NI-VISA and pyvisa do:

	TCPIP0::192.168.100.123::5025::SOCKET
	ASRL/dev/ttyUSB0::INSTR
	USB0::2391::9991::MY52303330::0::INSTR

ResourceManager turns a resource string into an opened io.ReadWriteCloser,
dispatching on the interface class: TCP sockets via comm.TCPSetup, serial
ports via tarm/serial, and USBTMC devices via package usbtmc.  The manager
owns the gousb context, created lazily on the first USB open and released by
Close; sessions that create their own manager should close it on exit, while
a shared manager must outlive the sessions borrowing it.
*/
package visa

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/pennmem/fungen/comm"
	"github.com/pennmem/fungen/usbtmc"
)

const (
	// DefaultTCPPort is the port used for TCPIP resources that do not name one.
	// 5025 is the IANA scpi-raw port.
	DefaultTCPPort = 5025

	// DefaultBaud is the baud rate used for ASRL resources.  Matches the
	// rear-panel default of the bench function generators this package
	// is used with.
	DefaultBaud = 57600

	// DefaultTimeout bounds transport operations when the caller does not
	// provide a bound.
	DefaultTimeout = 5 * time.Second
)

// ErrManagerClosed is returned by Open after the manager has been closed
var ErrManagerClosed = errors.New("visa: resource manager is closed")

// InterfaceClass is the bus family named by the head of a resource string
type InterfaceClass int

// interface classes understood by ParseResource
const (
	TCPIP InterfaceClass = iota
	ASRL
	USB
)

func (c InterfaceClass) String() string {
	switch c {
	case TCPIP:
		return "TCPIP"
	case ASRL:
		return "ASRL"
	case USB:
		return "USB"
	}
	return "UNKNOWN"
}

// Resource is a parsed VISA resource string
type Resource struct {
	// Class is the bus family (TCPIP, ASRL, USB)
	Class InterfaceClass

	// Board is the interface index, the digit suffix on the class keyword
	Board int

	// Host and Port are populated for TCPIP resources
	Host string
	Port int

	// Path is the serial device node for ASRL resources
	Path string

	// VID, PID and SerialNumber identify USB resources
	VID, PID     uint16
	SerialNumber string

	// Raw is the string the resource was parsed from
	Raw string
}

// Addr returns the dial address for a TCPIP resource
func (r Resource) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ParseResource parses a VISA resource string.  GPIB resources are
// recognized but unsupported; anything else unrecognized is an error.
func ParseResource(s string) (Resource, error) {
	res := Resource{Raw: s}
	pieces := strings.Split(s, "::")
	head := strings.ToUpper(pieces[0])
	switch {
	case strings.HasPrefix(head, "TCPIP"):
		res.Class = TCPIP
		res.Board = boardIndex(head, "TCPIP")
		if len(pieces) < 2 {
			return res, errors.Errorf("visa: resource %q has no host", s)
		}
		res.Host = pieces[1]
		res.Port = DefaultTCPPort
		for _, p := range pieces[2:] {
			up := strings.ToUpper(p)
			if up == "SOCKET" || up == "INSTR" {
				continue
			}
			port, err := strconv.Atoi(p)
			if err != nil {
				return res, errors.Errorf("visa: resource %q has malformed port %q", s, p)
			}
			res.Port = port
		}
		return res, nil
	case strings.HasPrefix(head, "ASRL"):
		res.Class = ASRL
		res.Path = pieces[0][len("ASRL"):]
		if res.Path == "" {
			return res, errors.Errorf("visa: resource %q has no serial device", s)
		}
		if n, err := strconv.Atoi(res.Path); err == nil {
			// ASRL1::INSTR names a numbered port, pyvisa style
			res.Board = n
			res.Path = fmt.Sprintf("/dev/ttyS%d", n-1)
		}
		return res, nil
	case strings.HasPrefix(head, "USB"):
		res.Class = USB
		res.Board = boardIndex(head, "USB")
		if len(pieces) < 4 {
			return res, errors.Errorf("visa: resource %q needs vendor, product, and serial fields", s)
		}
		vid, err := parseID(pieces[1])
		if err != nil {
			return res, errors.Wrapf(err, "visa: resource %q vendor ID", s)
		}
		pid, err := parseID(pieces[2])
		if err != nil {
			return res, errors.Wrapf(err, "visa: resource %q product ID", s)
		}
		res.VID = vid
		res.PID = pid
		res.SerialNumber = pieces[3]
		return res, nil
	case strings.HasPrefix(head, "GPIB"):
		return res, errors.Errorf("visa: GPIB resources are not supported (%q)", s)
	}
	return res, errors.Errorf("visa: unrecognized resource string %q", s)
}

// boardIndex pulls the numeric suffix off a class keyword, e.g. TCPIP0 -> 0
func boardIndex(head, class string) int {
	n, err := strconv.Atoi(head[len(class):])
	if err != nil {
		return 0
	}
	return n
}

// parseID parses a USB vendor or product ID, decimal or 0x-prefixed hex
func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), pickBase(s), 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func pickBase(s string) int {
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		return 16
	}
	return 10
}

// ResourceManager opens transports from resource strings.  The zero value
// is not usable; create one with NewResourceManager.
type ResourceManager struct {
	mu     sync.Mutex
	usb    *gousb.Context
	closed bool
}

// NewResourceManager returns a new ResourceManager
func NewResourceManager() *ResourceManager {
	return &ResourceManager{}
}

// Open opens the transport named by the resource string.  The returned
// connection is exclusively owned by the caller.  timeout bounds serial
// reads; pass zero for DefaultTimeout.
func (rm *ResourceManager) Open(resource string, timeout time.Duration) (io.ReadWriteCloser, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	res, err := ParseResource(resource)
	if err != nil {
		return nil, err
	}
	switch res.Class {
	case TCPIP:
		return comm.TCPSetup(res.Addr(), timeout)
	case ASRL:
		return serial.OpenPort(&serial.Config{
			Name:        res.Path,
			Baud:        DefaultBaud,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: timeout})
	case USB:
		ctx, err := rm.usbContext()
		if err != nil {
			return nil, err
		}
		return usbtmc.Open(ctx, res.VID, res.PID, res.SerialNumber)
	}
	return nil, errors.Errorf("visa: no transport for resource class %s", res.Class)
}

// Maker adapts Open to a comm.CreationFunc for use with connection pools
func (rm *ResourceManager) Maker(resource string, timeout time.Duration) comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return rm.Open(resource, timeout)
	}
}

// usbContext lazily creates the gousb context
func (rm *ResourceManager) usbContext() (*gousb.Context, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil, ErrManagerClosed
	}
	if rm.usb == nil {
		rm.usb = gousb.NewContext()
	}
	return rm.usb, nil
}

// Close releases the manager's resources.  Transports opened by the manager
// must be closed first.  Close is idempotent; a second call is a no-op.
func (rm *ResourceManager) Close() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil
	}
	rm.closed = true
	if rm.usb != nil {
		err := rm.usb.Close()
		rm.usb = nil
		return err
	}
	return nil
}
