// Package replay reads and writes offline experiment recordings: a directory
// of numbered CSV files (1.csv, 2.csv, ...) with one detection per row,
//
//	frame,x,y,z,doppler,peakVal,posix_ms
//
// A frame's rows may continue into the next file. Frame numbers with no
// rows were empty on capture and are skipped on replay.
package replay
