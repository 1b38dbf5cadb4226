package signaling

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"telephony-gateway/internal/auth"
	"telephony-gateway/internal/media"
	"telephony-gateway/internal/telephony"
	"telephony-gateway/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Carriers do not send a browser Origin; the media token authenticates the socket.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Media accepts the carrier's media websocket. The token binds the socket to
// one call; the accepted stream is handed to the hub for the bridge to claim.
func (s *Server) Media(c *gin.Context) {
	log := logger.FromGin(c)
	v, err := telephony.ParseVariant(c.Param("provider"))
	if err != nil || v != telephony.VariantCloudCarrier {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no media socket for provider"})
		return
	}
	if s.opts.MediaTokens == nil || s.opts.Media == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "media not configured"})
		return
	}
	claims, err := s.opts.MediaTokens.Verify(c.Query("token"), auth.TokenTypeMedia, s.opts.Now())
	if err != nil || claims.Provider != string(v) {
		log.Warn("media token rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid media token"})
		return
	}
	log = log.With("call_id", claims.CallID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("media upgrade failed", "err", err)
		return
	}

	stream, err := media.AcceptCarrier(conn, media.CarrierOptions{
		StartTimeout: s.opts.MediaStartTimeout,
		OnDTMF: func(callID, digit string) {
			ev := s.event(callID, v, telephony.EventDTMF)
			ev.Digit = digit
			s.dispatch(context.Background(), log, ev, "")
		},
	})
	if err != nil {
		log.Warn("media stream did not start", "err", err)
		_ = conn.Close()
		return
	}
	if stream.CallID() != claims.CallID {
		log.Warn("media stream call mismatch", "stream_call_id", stream.CallID())
		_ = stream.Close()
		return
	}

	s.opts.Media.Deliver(claims.CallID, stream)
	ev := s.event(claims.CallID, v, telephony.EventMediaStarted)
	ev.Media = &media.Info{StreamID: stream.StreamID()}
	s.dispatch(context.Background(), log, ev, "")
	log.Info("carrier media stream connected", "stream_id", stream.StreamID())
}
