// Package monitor renders track output for humans: PNG trail plots of a
// recorded session and HTML scatter charts of the live track set.
package monitor
