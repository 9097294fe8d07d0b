// Package config provides runtime configuration for the AirCat audio core.
package config

import "time"

// RTSP/RAOP server defaults
const (
	DefaultRTSPPort    = 5000
	DefaultUserAgent   = "AirCat/1.0"
	DefaultDeviceName  = "AirCat"
	MaxPortRetries     = 7000 // ports are retried +1/+2 until they exceed this
	DefaultMaxClients  = 8
)

// RTP/jitter buffer defaults
const (
	DefaultRTPPayloadType = 0x60
	MaxRTPPacketSize      = 16384
	MaxRTPRecvPerPoll     = 50
	MaxMisorder           = 100
	MaxDropout            = 3000
	PoolMillis            = 1000 // pool_packet_count derived from this many ms
	DelayMillis           = 100  // delay_packet_count derived from this many ms
	ResentRatioPercent    = 10
	MaxResentRatioPercent = 80
	FillRatioPercent      = 5
)

// Mixer defaults
const (
	VolumeMax            = 65536
	DefaultDeviceRate    = 44100
	DefaultDeviceChans   = 2
	DefaultMixIntervalMs = 20
)

// Stream defaults
const (
	MaxSkipLen = 8 * 1024
)

// Timeouts
const (
	RTSPPollTimeout    = 1 * time.Second
	NonceExpiry        = 5 * time.Minute
	NonceSweepInterval = 1 * time.Minute
)
