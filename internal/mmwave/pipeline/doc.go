// Package pipeline provides the frame scheduler that drives the tracking
// layers: normalisation (l2frames), clustering (l4perception) and the track
// lifecycle (l5tracks).
//
// This package is the composition root: it imports from the layer packages
// but none of them import pipeline/.
package pipeline
