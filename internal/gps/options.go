package gps

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"go.bug.st/serial"

	"github.com/banshee-data/livemap/internal/location"
)

// DefaultBaudRate is the NMEA 0183 standard rate.
const DefaultBaudRate = 9600

// supportedBaudRates are the rates NMEA receivers are commonly configured for.
var supportedBaudRates = map[int]bool{
	4800: true, 9600: true, 19200: true, 38400: true, 57600: true, 115200: true, 230400: true,
}

// Port is the minimal interface needed from a serial port, so tests and the
// simulator can stand in for hardware.
type Port interface {
	io.ReadWriter
	io.Closer
}

// PortOptions describes the serial connection parameters of a GPS receiver.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if !supportedBaudRates[opts.BaudRate] {
		return opts, fmt.Errorf("unsupported baud rate %d", opts.BaudRate)
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch parity := strings.TrimSpace(strings.ToUpper(opts.Parity)); parity {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// OpenSerialPort opens a real serial port. Open failures are classified so
// the caller can report a permission problem as a denied permission.
func OpenSerialPort(path string, opts PortOptions) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, ClassifyOpenError(path, err)
	}
	return port, nil
}

// ClassifyOpenError maps a port open failure onto the location taxonomy.
func ClassifyOpenError(path string, err error) *location.Error {
	code := location.CodePositionUnavailable
	var pe *serial.PortError
	switch {
	case errors.As(err, &pe) && pe.Code() == serial.PermissionDenied,
		errors.Is(err, fs.ErrPermission):
		code = location.CodePermissionDenied
	case errors.As(err, &pe) && pe.Code() == serial.PortNotFound,
		errors.Is(err, fs.ErrNotExist):
		code = location.CodeNotSupported
	}
	return &location.Error{
		Code:    code,
		Message: fmt.Sprintf("open gps receiver %s: %v", path, err),
		Err:     err,
	}
}
