package l1packets

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
	"github.com/banshee-data/mmwave.tracker/internal/timeutil"
)

// packetDataSource is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetDataSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// PCAPSource replays sensor output captured as UDP datagrams (e.g. from a
// serial-to-UDP bridge). Frames are stamped with the capture time of the
// datagram that completed them, so replay keeps the original cadence
// information.
type PCAPSource struct {
	file     *os.File
	payloads *udpPayloads
	reader   *StreamReader
}

// OpenPCAPSource opens a .pcap or .pcapng file and keeps only UDP payloads
// sent to port. A port of zero accepts every UDP datagram.
func OpenPCAPSource(path string, port int, interval time.Duration) (*PCAPSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}

	var src packetDataSource
	if r, err := pcapgo.NewReader(f); err == nil {
		src = r
	} else {
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			f.Close()
			return nil, serr
		}
		ng, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
		if ngErr != nil {
			f.Close()
			return nil, fmt.Errorf("failed to read PCAP file %s: %v (pcapng: %w)", path, err, ngErr)
		}
		src = ng
	}

	payloads := &udpPayloads{src: src, port: layers.UDPPort(port)}
	reader := NewStreamReader(payloads, timeutil.RealClock{}, interval)
	reader.stamp = func() time.Time { return payloads.last }
	streamLog("PCAP %s open (link type %s, udp port %d)", path, src.LinkType(), port)
	return &PCAPSource{file: f, payloads: payloads, reader: reader}, nil
}

// Next returns the next frame in capture order, or io.EOF at the end of the file.
func (p *PCAPSource) Next(ctx context.Context) (*l2frames.Frame, error) {
	return p.reader.Next(ctx)
}

// Packets returns the number of UDP datagrams consumed so far.
func (p *PCAPSource) Packets() uint64 { return p.payloads.packets }

// Close closes the capture file.
func (p *PCAPSource) Close() error { return p.file.Close() }

// udpPayloads turns a packet source into a byte stream of UDP payloads. Each
// Read returns bytes from at most one datagram, so last always names the
// datagram the stream reader is currently consuming.
type udpPayloads struct {
	src     packetDataSource
	port    layers.UDPPort
	buf     []byte
	last    time.Time
	packets uint64
}

func (u *udpPayloads) Read(b []byte) (int, error) {
	for len(u.buf) == 0 {
		data, ci, err := u.src.ReadPacketData()
		if err != nil {
			return 0, err
		}
		packet := gopacket.NewPacket(data, u.src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || (u.port != 0 && udp.DstPort != u.port) {
			continue
		}
		u.packets++
		u.buf = udp.Payload
		u.last = ci.Timestamp
	}
	n := copy(b, u.buf)
	u.buf = u.buf[n:]
	return n, nil
}
