/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, exposed as an io.ReadWriteCloser so the device can
sit behind a comm.Pool like any socket instrument.

This is a 'minimum viable product' for the bulk transfer mode: it does not
include multi-packet messaging, and thus assumes your data fits in the
remote's buffer.  It also does not implement chatter / ping-pong for the case
when data does not fit in the remote buffer.

To send a message:
1.  Allocate a send buffer
2.  Write the DEV_DEP_MSG_OUT header to it
3.  Write your data to it
4.  Ensure that the total transmission size is a multiple of 4 bytes before flushing

To receive a message:
1.  Send a REQUEST_DEV_DEP_MSG_IN header on the Out endpoint
2.  Read from the In endpoint and pop the 12 byte header

These macros are implemented as Write() and Read() on the Device type.
*/
package usbtmc

import (
	"encoding/binary"
	"sync"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

const (
	// reserved is the byte inserted in reserved header offsets
	reserved = 0x00

	// bufSize is 1 TCP MTU; not even related to USB but pretty big,
	// good enough for single-packet responses
	bufSize = 1500
)

// bTagGen is a concurrent-safe bTag generator.  bTags are single bytes
// 1 < x < 255, unique and incrementing with each message.
type bTagGen struct {
	sync.Mutex

	value byte
	min   byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{value: 1, min: 1}
}

func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value < b.min {
		b.value = b.min
	}
	return b.value
}

// invbTag computes the bitwise inversion of a bTag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(tag byte, datalen int) [12]byte {
	out := [12]byte{}
	/* data map by offset:
	0 MsgID, hardcoded to 1; DEV_DEP_MSG_OUT
	1 bTag
	2 bTagInverse
	3 Reserved
	4-7 transferSize, LSB first, exclusive of header and alignment
	8 bitmap, bit 0 EOM
	9-11 reserved
	*/
	out[0] = 0x01
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // end of message
	out[9] = reserved
	out[10] = reserved
	out[11] = reserved
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and clears the term-enabled bit
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [12]byte {
	out := [12]byte{}
	/* differs from BulkOut by bytes 8~11:
	8 bitmap, bit 1: termination character enabled
	9 terminator byte
	10~11 reserved
	*/
	out[0] = 0x02 // REQUEST_DEV_DEP_MSG_IN
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	} else {
		out[8] = 0x00
		out[9] = 0x00
	}
	out[10] = reserved
	out[11] = reserved
	return out
}

// Device hides the details of USB behind an io.ReadWriteCloser.
// Reads and writes move whole datagrams; partial reads of a datagram are
// not supported.
type Device struct {
	tagger *bTagGen
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	device *gousb.Device
	iface  *gousb.Interface
	done   func()

	// Term is the datagram termination byte requested on reads
	Term byte
}

// Open claims a USB device by vendor and product ID.  If serialNumber is
// not empty, only a device with that serial number matches; otherwise the
// first device found is used.  The gousb context is owned by the caller.
func Open(ctx *gousb.Context, vid, pid uint16, serialNumber string) (*Device, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	// OpenDevices may return both devices and an error; we only care about
	// the error if nothing usable was opened
	var match *gousb.Device
	for _, dev := range devs {
		if match != nil {
			dev.Close()
			continue
		}
		if serialNumber != "" {
			sn, serr := dev.SerialNumber()
			if serr != nil || sn != serialNumber {
				dev.Close()
				continue
			}
		}
		match = dev
	}
	if match == nil {
		if err != nil {
			return nil, errors.Wrap(err, "usbtmc: open devices")
		}
		return nil, errors.Errorf("usbtmc: no device %04x:%04x (serial %q) found", vid, pid, serialNumber)
	}
	out := &Device{tagger: newBTagGen(), device: match, Term: '\n'}
	err = match.SetAutoDetach(true)
	if err != nil {
		match.Close()
		return nil, errors.Wrap(err, "usbtmc: set auto detach")
	}
	out.iface, out.done, err = match.DefaultInterface()
	if err != nil {
		match.Close()
		return nil, errors.Wrap(err, "usbtmc: claim default interface")
	}
	out.in, err = bulkIn(out.iface)
	if err == nil {
		out.out, err = bulkOut(out.iface)
	}
	if err != nil {
		out.done()
		match.Close()
		return nil, err
	}
	return out, nil
}

// bulkIn finds the first bulk IN endpoint on the interface
func bulkIn(iface *gousb.Interface) (*gousb.InEndpoint, error) {
	for _, ep := range iface.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeBulk {
			return iface.InEndpoint(ep.Number)
		}
	}
	return nil, errors.New("usbtmc: no bulk IN endpoint on default interface")
}

// bulkOut finds the first bulk OUT endpoint on the interface
func bulkOut(iface *gousb.Interface) (*gousb.OutEndpoint, error) {
	for _, ep := range iface.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionOut && ep.TransferType == gousb.TransferTypeBulk {
			return iface.OutEndpoint(ep.Number)
		}
	}
	return nil, errors.New("usbtmc: no bulk OUT endpoint on default interface")
}

// Write frames p as a DEV_DEP_MSG_OUT datagram and sends it.  The returned
// count is len(p) on success, excluding header and alignment padding.
func (d *Device) Write(p []byte) (int, error) {
	const alignment = 4
	hdr := encBulkOutHeader(d.tagger.nextbTag(), len(p))
	buf := append(hdr[:], p...)
	if residual := len(buf) % alignment; residual > 0 {
		padding := make([]byte, alignment-residual)
		buf = append(buf, padding...)
	}
	_, err := d.out.Write(buf)
	if err != nil {
		return 0, errors.Wrap(err, "usbtmc: bulk out")
	}
	return len(p), nil
}

// Read requests a datagram from the device and copies its payload into p
func (d *Device) Read(p []byte) (int, error) {
	term := d.Term
	hdr := encBulkInHeader(d.tagger.nextbTag(), bufSize, &term)
	n, err := d.out.Write(hdr[:])
	if err != nil {
		return 0, errors.Wrap(err, "usbtmc: read request")
	}
	if n < len(hdr) {
		// attempt to push the remainder of the header through
		n2, err := d.out.Write(hdr[n:])
		if err != nil {
			return 0, errors.Wrap(err, "usbtmc: read request")
		}
		if n+n2 != len(hdr) {
			return 0, errors.Errorf("usbtmc: wrote %d bytes, not full 12 required to transmit read request", n+n2)
		}
	}
	buf := make([]byte, bufSize)
	n, err = d.in.Read(buf)
	if err != nil {
		return 0, errors.Wrap(err, "usbtmc: bulk in")
	}
	if n < 12 {
		return 0, errors.Errorf("usbtmc: only received %d bytes, need at least 12 to form header", n)
	}
	// pop the header; the remainder is the datagram
	return copy(p, buf[12:n]), nil
}

// Close releases the interface and closes the device
func (d *Device) Close() error {
	d.done()
	return d.device.Close()
}
