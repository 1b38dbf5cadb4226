package media

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// PayloadTypePCMU is the static RTP payload type for G.711 mu-law.
const PayloadTypePCMU uint8 = 0

const rtpReadPoll = 250 * time.Millisecond

// RTPStream is a Stream over a UDP socket carrying PCMU RTP.
// The remote address is learned from the first inbound packet when not known
// up front (symmetric RTP).
type RTPStream struct {
	conn net.PacketConn
	pt   uint8
	ssrc uint32

	mu     sync.Mutex
	remote net.Addr
	seq    uint16
	ts     uint32

	closeOnce sync.Once
	closed    chan struct{}
}

func NewRTPStream(conn net.PacketConn, remote net.Addr, payloadType uint8) *RTPStream {
	return &RTPStream{
		conn:   conn,
		pt:     payloadType,
		ssrc:   rand.Uint32(),
		remote: remote,
		seq:    uint16(rand.UintN(1 << 16)),
		ts:     rand.Uint32(),
		closed: make(chan struct{}),
	}
}

func (s *RTPStream) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *RTPStream) ReadFrame(ctx context.Context) (Frame, error) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-s.closed:
			return Frame{}, ErrStreamClosed
		default:
		}
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(rtpReadPoll))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.closed:
				return Frame{}, ErrStreamClosed
			default:
			}
			return Frame{}, err
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		// telephone-event and comfort noise are signaled out of band
		if pkt.PayloadType != s.pt {
			continue
		}

		s.mu.Lock()
		if s.remote == nil {
			s.remote = addr
		}
		s.mu.Unlock()

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		return Frame{Payload: payload, Seq: pkt.SequenceNumber, At: time.Now()}, nil
	}
}

func (s *RTPStream) WriteFrame(_ context.Context, f Frame) error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}

	s.mu.Lock()
	remote := s.remote
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.pt,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: f.Payload,
	}
	s.seq++
	s.ts += uint32(len(f.Payload)) // one byte per sample for G.711
	s.mu.Unlock()

	if remote == nil {
		// Nothing to send to until the trunk speaks first.
		return nil
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteTo(data, remote)
	return err
}

func (s *RTPStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
