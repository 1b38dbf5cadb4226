package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Carrier media stream message types (Twilio-style Media Streams).
type carrierMessage struct {
	Event     string           `json:"event"`
	StreamSID string           `json:"streamSid,omitempty"`
	Start     *carrierStart    `json:"start,omitempty"`
	Media     *carrierMedia    `json:"media,omitempty"`
	Stop      *carrierStop     `json:"stop,omitempty"`
	DTMF      *carrierDTMF     `json:"dtmf,omitempty"`
	Mark      *carrierMarkName `json:"mark,omitempty"`
}

type carrierStart struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	CustomParams map[string]string `json:"customParameters"`
}

type carrierMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type carrierStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type carrierDTMF struct {
	Digit string `json:"digit"`
}

type carrierMarkName struct {
	Name string `json:"name"`
}

// CarrierOptions tunes AcceptCarrier.
type CarrierOptions struct {
	// StartTimeout bounds the wait for the "start" message after upgrade.
	StartTimeout time.Duration
	// OnDTMF receives in-band digits the carrier reports over the stream.
	OnDTMF func(callID, digit string)
	// Buffer is the inbound frame queue depth.
	Buffer int
}

// CarrierStream is a Stream over an upgraded carrier media websocket.
type CarrierStream struct {
	conn      *websocket.Conn
	streamSID string
	callSID   string
	params    map[string]string
	onDTMF    func(callID, digit string)

	frames  chan Frame
	done    chan struct{}
	writeMu sync.Mutex

	closeOnce sync.Once
	errMu     sync.Mutex
	readErr   error
}

// AcceptCarrier consumes the "connected" and "start" messages and starts the read loop.
func AcceptCarrier(conn *websocket.Conn, opts CarrierOptions) (*CarrierStream, error) {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 50
	}

	_ = conn.SetReadDeadline(time.Now().Add(opts.StartTimeout))
	var start *carrierStart
	for start == nil {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("media: waiting for start: %w", err)
		}
		var msg carrierMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "connected":
		case "start":
			if msg.Start == nil || msg.Start.CallSID == "" {
				return nil, errors.New("media: start message without callSid")
			}
			start = msg.Start
		case "stop":
			return nil, io.EOF
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := &CarrierStream{
		conn:      conn,
		streamSID: start.StreamSID,
		callSID:   start.CallSID,
		params:    start.CustomParams,
		onDTMF:    opts.OnDTMF,
		frames:    make(chan Frame, opts.Buffer),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *CarrierStream) CallID() string   { return s.callSID }
func (s *CarrierStream) StreamID() string { return s.streamSID }

// Param returns a custom parameter passed through the stream start message.
func (s *CarrierStream) Param(key string) string { return s.params[key] }

func (s *CarrierStream) readLoop() {
	defer close(s.frames)

	var seq uint16
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(io.EOF)
			} else {
				s.setErr(err)
			}
			return
		}

		var msg carrierMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			seq++
			select {
			case s.frames <- Frame{Payload: audio, Seq: seq, At: time.Now()}:
			case <-s.done:
				return
			}
		case "dtmf":
			if msg.DTMF != nil && s.onDTMF != nil {
				s.onDTMF(s.callSID, msg.DTMF.Digit)
			}
		case "stop":
			s.setErr(io.EOF)
			return
		}
	}
}

func (s *CarrierStream) setErr(err error) {
	s.errMu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.errMu.Unlock()
}

func (s *CarrierStream) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.readErr == nil {
		return ErrStreamClosed
	}
	return s.readErr
}

func (s *CarrierStream) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return Frame{}, s.err()
		}
		return f, nil
	case <-s.done:
		return Frame{}, ErrStreamClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *CarrierStream) WriteFrame(ctx context.Context, f Frame) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	msg := carrierMessage{
		Event:     "media",
		StreamSID: s.streamSID,
		Media:     &carrierMedia{Payload: base64.StdEncoding.EncodeToString(f.Payload)},
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	return s.conn.WriteJSON(msg)
}

// Mark asks the carrier to echo name back once queued audio has played.
func (s *CarrierStream) Mark(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(carrierMessage{Event: "mark", StreamSID: s.streamSID, Mark: &carrierMarkName{Name: name}})
}

// Clear drops audio the carrier has buffered but not yet played (barge-in).
func (s *CarrierStream) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(carrierMessage{Event: "clear", StreamSID: s.streamSID})
}

func (s *CarrierStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
