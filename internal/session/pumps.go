package session

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// writeWait bounds any single write so one stalled client cannot wedge its
// write pump.
const writeWait = 5 * time.Second

// readPump feeds inbound frames into the actor loop and reports when the
// connection dies. It is the only reader of the connection.
func (s *Session) readPump() {
	defer s.wg.Done()
	defer s.post(readClosedEvent{})

	for {
		msg, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			return
		}
		switch op {
		case ws.OpText:
			s.post(frameEvent{data: msg})
		case ws.OpBinary:
			s.post(frameEvent{data: msg, binary: true})
		case ws.OpClose:
			return
		}
	}
}

// writePump drains the send channel onto the wire. When the actor closes the
// channel it emits the recorded close frame and shuts the connection, which
// unwinds the read pump.
func (s *Session) writePump() {
	defer s.wg.Done()

	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := wsutil.WriteServerMessage(s.conn, ws.OpText, msg); err != nil {
			s.logger.Debug().Err(err).Msg("Frame write failed")
			s.conn.Close()
			// Keep draining so the actor never blocks on a dead pump.
			for range s.send {
			}
			return
		}
	}

	s.writeCloseFrame()
	s.conn.Close()
}

func (s *Session) writeCloseFrame() {
	code := ws.StatusNormalClosure
	if s.closeCode != 0 {
		code = ws.StatusCode(s.closeCode)
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	body := ws.NewCloseFrameBody(code, s.closeText)
	if err := wsutil.WriteServerMessage(s.conn, ws.OpClose, body); err != nil {
		s.logger.Debug().Err(err).Msg("Close frame write failed")
	}
}

// queue hands a frame to the write pump. Called only from the actor loop.
// A full buffer blocks the actor until the pump drains, which throttles the
// read side instead of losing replies; the wait is bounded because every
// write carries a deadline, and a dead pump keeps draining the channel.
func (s *Session) queue(frame []byte) {
	if s.closed {
		return
	}
	s.send <- frame
}
