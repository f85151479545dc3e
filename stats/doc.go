// Package stats turns frame and packet events into sender statistics.
//
// Events from both ends of a stream are buffered in a Collector. An Analyzer
// drains it periodically, estimates the receiver's clock offset from pairs
// of matching events, converts receiver timestamps to sender time, and
// publishes per media type averages, counters and latency histograms as
// SenderStats.
package stats
