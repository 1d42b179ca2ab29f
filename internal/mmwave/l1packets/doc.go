// Package l1packets owns the sensor-facing transport: TI mmWave TLV frame
// decoding and the live (serial, UDP) and captured (PCAP) byte sources that
// feed it.
//
// Every source produces l2frames.Frame values; nothing below this package
// knows about the wire format.
package l1packets
