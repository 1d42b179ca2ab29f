package l1packets

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCapture writes one Ethernet/IPv4/UDP packet per payload.
func writeCapture(t *testing.T, path string, ports []uint16, payloads [][]byte, stamps []time.Time) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for i, payload := range payloads {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP{192, 168, 1, 50},
			DstIP:    net.IP{192, 168, 1, 10},
		}
		udp := &layers.UDP{SrcPort: 50000, DstPort: layers.UDPPort(ports[i])}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))

		data := buf.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: stamps[i], CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
}

func TestPCAPSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "radar.pcap")
	first := EncodePacket(testFrame(10, 3))
	second := EncodePacket(testFrame(11, 1))
	half := len(first) / 2

	stamps := []time.Time{
		epoch,
		epoch.Add(time.Millisecond),
		epoch.Add(2 * time.Millisecond),
		epoch.Add(100 * time.Millisecond),
	}
	writeCapture(t, path,
		[]uint16{2368, 9999, 2368, 2368},
		[][]byte{first[:half], []byte("not radar"), first[half:], second},
		stamps)

	src, err := OpenPCAPSource(path, 2368, 100*time.Millisecond)
	require.NoError(t, err)
	defer src.Close()

	ctx := context.Background()
	f, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), f.Seq)
	assert.Len(t, f.Detections, 3)
	assert.True(t, stamps[2].Equal(f.Timestamp), "stamped with the datagram that completed the frame, got %v", f.Timestamp)

	f, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), f.Seq)
	assert.True(t, stamps[3].Equal(f.Timestamp))

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, uint64(3), src.Packets(), "the datagram to another port is ignored")
}

func TestPCAPSourceAnyPort(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "any.pcap")
	writeCapture(t, path, []uint16{1234}, [][]byte{EncodePacket(testFrame(1, 2))}, []time.Time{epoch})

	src, err := OpenPCAPSource(path, 0, 0)
	require.NoError(t, err)
	defer src.Close()

	f, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)
}

func TestOpenPCAPSourceErrors(t *testing.T) {
	t.Parallel()

	_, err := OpenPCAPSource(filepath.Join(t.TempDir(), "missing.pcap"), 0, 0)
	assert.Error(t, err)

	junk := filepath.Join(t.TempDir(), "junk.pcap")
	require.NoError(t, os.WriteFile(junk, []byte("this is not a capture file at all"), 0o644))
	_, err = OpenPCAPSource(junk, 0, 0)
	assert.Error(t, err)
}
