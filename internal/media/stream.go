// Package media holds the audio stream endpoints the bridge relays between:
// the carrier media websocket, RTP from the SIP trunk and anything else that
// can read and write 8kHz mu-law frames.
package media

import (
	"context"
	"errors"
	"time"
)

// FrameBytes is one 20ms frame of 8kHz mu-law.
const FrameBytes = 160

var ErrStreamClosed = errors.New("media: stream closed")

// Frame is one chunk of mu-law audio. Payloads are never transcoded here.
type Frame struct {
	Payload []byte
	Seq     uint16
	At      time.Time
}

// Stream is one end of an audio relay.
// ReadFrame returns io.EOF when the remote side finished cleanly.
type Stream interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// Info describes where a provider's media for a call lives.
type Info struct {
	// RemoteRTP is host:port of the trunk's RTP endpoint (sip_trunk only).
	RemoteRTP   string `json:"remote_rtp,omitempty"`
	PayloadType uint8  `json:"payload_type,omitempty"`
	// StreamID is the carrier media stream id (cloud_carrier only).
	StreamID string `json:"stream_id,omitempty"`
}
