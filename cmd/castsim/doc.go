// Package main implements castsim, a loopback Cast streaming simulator.
//
// castsim runs a sender session and a receiver session in one process. The
// two sessions negotiate over a control channel, then the sender streams
// synthetic audio and video frames to the receiver over two UDP sockets bound
// to 127.0.0.1. Sender statistics are logged on every analysis pass and can
// be scraped as Prometheus metrics.
//
// # Usage
//
//	castsim [options]
//
// # Configuration Options
//
// Streaming:
//
//	--duration, -d       How long to stream before exiting (default: 10s)
//	--frame-rate, -r     Video frames per second, capped by the receiver's
//	                     recommended maximum (default: 30)
//	--video-bitrate      Target video bit rate in bits/s (default: 2000000)
//	--target-delay       Target playout delay (default: 400ms)
//	--loss               Fraction of sender datagrams to drop, 0 to 1 (default: 0)
//	--no-audio           Do not offer an audio stream
//
// Control channel:
//
//	--control            "pipe" for an in-process channel or "websocket" to
//	                     exchange control messages over a local WebSocket
//	                     (default: pipe)
//	--encrypt            Noise-encrypt the WebSocket control channel
//	                     (default: true)
//
// Observability:
//
//	--log-level          Log level: debug, info, warn, error (default: info)
//	--json-logs          Emit logs as JSON
//	--metrics-addr       Serve Prometheus metrics on this address, e.g.
//	                     127.0.0.1:9090 (default: disabled)
//
// # Examples
//
// Stream for 30 seconds with 2% loss:
//
//	castsim --duration 30s --loss 0.02
//
// Negotiate over an encrypted WebSocket and expose metrics:
//
//	castsim --control websocket --metrics-addr 127.0.0.1:9090
//
// # Exit Codes
//
//	0 - Simulation completed
//	1 - Invalid configuration or setup failure
//	2 - Negotiation failed
package main
