package l1packets

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
	"github.com/banshee-data/mmwave.tracker/internal/timeutil"
)

// Default baud rates of the two UARTs on the EVM.
const (
	DefaultCLIBaudRate  = 115200
	DefaultDataBaudRate = 921600
)

// PortOptions describes the serial connection parameters used when opening a
// real serial port.
type PortOptions struct {
	BaudRate    int           `json:"baud_rate"`
	DataBits    int           `json:"data_bits"`
	StopBits    int           `json:"stop_bits"`
	Parity      string        `json:"parity"`
	ReadTimeout time.Duration `json:"read_timeout"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultDataBaudRate
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

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	opts.Parity = parity

	if opts.ReadTimeout < 0 {
		return opts, fmt.Errorf("invalid read timeout %s", opts.ReadTimeout)
	}
	return opts, nil
}

// SerialMode converts the options into the serial.Mode structure required by
// go.bug.st/serial when opening a port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// PortOpener opens a serial port. Tests replace it to avoid real hardware.
type PortOpener func(path string, mode *serial.Mode) (serial.Port, error)

// OpenPort is the PortOpener used by OpenSerialSource and ConfigureRadar.
var OpenPort PortOpener = serial.Open

// SerialSource streams frames from the radar's data UART.
type SerialSource struct {
	port   io.ReadCloser
	reader *StreamReader
}

// OpenSerialSource opens the data port at path.
func OpenSerialSource(path string, opts PortOptions, clock timeutil.Clock, interval time.Duration) (*SerialSource, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := OpenPort(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open data port %s: %w", path, err)
	}
	if opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
		}
	}
	streamLog("data port %s open at %d baud", path, opts.BaudRate)
	return NewSerialSource(port, clock, interval), nil
}

// NewSerialSource wraps an already open port.
func NewSerialSource(port io.ReadCloser, clock timeutil.Clock, interval time.Duration) *SerialSource {
	return &SerialSource{port: port, reader: NewStreamReader(port, clock, interval)}
}

// Next returns the next frame from the data port.
func (s *SerialSource) Next(ctx context.Context) (*l2frames.Frame, error) {
	return s.reader.Next(ctx)
}

// Close closes the port, unblocking any pending Next.
func (s *SerialSource) Close() error { return s.port.Close() }

// ConfigureRadar sends a profile .cfg file to the CLI port line by line,
// skipping blank lines and % comments, pausing delay after each command so
// the firmware can answer. It returns the number of commands sent.
func ConfigureRadar(ctx context.Context, port io.Writer, cfg io.Reader, delay time.Duration) (int, error) {
	sent := 0
	sc := bufio.NewScanner(cfg)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if _, err := io.WriteString(port, line+"\n"); err != nil {
			return sent, fmt.Errorf("send %q: %w", line, err)
		}
		sent++
		streamLog("cli> %s", line)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	if err := sc.Err(); err != nil {
		return sent, fmt.Errorf("read radar config: %w", err)
	}
	return sent, nil
}

// OpenCLIPort opens the radar's command UART at the CLI baud rate.
func OpenCLIPort(path string) (serial.Port, error) {
	mode, err := PortOptions{BaudRate: DefaultCLIBaudRate}.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := OpenPort(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open cli port %s: %w", path, err)
	}
	return port, nil
}

// ConfigureRadarPort opens the CLI UART at path, sends the config file and
// closes the port again.
func ConfigureRadarPort(ctx context.Context, path string, cfg io.Reader, delay time.Duration) (int, error) {
	port, err := OpenCLIPort(path)
	if err != nil {
		return 0, err
	}
	defer port.Close()
	return ConfigureRadar(ctx, port, cfg, delay)
}
