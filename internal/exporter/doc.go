// Package exporter renders archived analysis runs as CSV for
// download and offline processing.
package exporter
