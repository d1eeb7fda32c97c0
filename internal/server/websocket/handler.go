package websocket

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxInboundFrame caps the payload length accepted from clients. The
// dashboard never sends application frames at all, so anything approaching
// this limit means a broken or hostile peer; the read pump drops the
// connection instead of allocating for it.
const maxInboundFrame = 64 * 1024

// acceptGUID is the fixed GUID from RFC 6455 §4.1 used to derive the
// Sec-WebSocket-Accept response header.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Handler upgrades HTTP requests to WebSocket connections and runs one
// session per client: broadcast notifications flow out as text frames, and
// inbound frames are drained only to detect disconnect (the dashboard is a
// pure listener).
type Handler struct {
	bc     *Broadcaster
	logger *slog.Logger

	// writeTimeout bounds each outbound frame write; a client that cannot
	// drain a frame within it is disconnected.
	writeTimeout time.Duration
}

// NewHandler creates a Handler backed by bc.
//
// writeTimeout ≤ 0 defaults to 10 seconds.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		bc:           bc,
		logger:       logger,
		writeTimeout: writeTimeout,
	}
}

// ServeHTTP validates the upgrade request, completes the handshake, and
// blocks for the lifetime of the resulting session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !upgradeRequested(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrade(w, key)
	if err != nil {
		h.logger.Error("websocket: upgrade failed", slog.Any("error", err))
		return
	}

	s := &session{
		id:      uuid.NewString(),
		conn:    conn,
		logger:  h.logger,
		timeout: h.writeTimeout,
	}
	s.client = h.bc.Register(s.id)
	defer h.bc.Unregister(s.id)

	h.logger.Info("websocket: client connected",
		slog.String("client_id", s.id),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)
	s.run()
}

// upgrade hijacks the underlying TCP connection and writes the 101
// Switching Protocols response. On any error the connection is already
// closed (or was never detached) when upgrade returns.
func (h *Handler) upgrade(w http.ResponseWriter, key string) (net.Conn, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return nil, errors.New("response writer is not a hijacker")
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		return nil, fmt.Errorf("hijack: %w", err)
	}

	// The HTTP server's read/write deadlines survive the hijack and would
	// kill this long-lived connection; writes re-arm their own deadline per
	// frame.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clear deadline: %w", err)
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n\r\n"
	if _, err := bufrw.WriteString(resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	if err := bufrw.Flush(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake flush: %w", err)
	}
	return conn, nil
}

// upgradeRequested reports whether the request carries the RFC 6455 §4.1
// upgrade headers.
func upgradeRequested(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// acceptKey derives the Sec-WebSocket-Accept value from the client's
// Sec-WebSocket-Key as defined in RFC 6455 §4.1.
func acceptKey(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// session is one upgraded client connection. The write pump runs on the
// ServeHTTP goroutine; the read pump runs on its own and exists only to
// notice the peer going away.
type session struct {
	id      string
	conn    net.Conn
	client  *Client
	logger  *slog.Logger
	timeout time.Duration

	closed atomic.Bool
}

// shutdown closes the connection exactly once, regardless of which pump
// loses first.
func (s *session) shutdown() {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.Close()
	}
}

func (s *session) run() {
	done := make(chan struct{})
	go s.readPump(done)
	s.writePump(done)
}

// writePump drains the client's broadcast channel into text frames until the
// channel closes, a write fails, or the read pump reports disconnect.
func (s *session) writePump(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-s.client.Send():
			if !ok {
				// Broadcaster unregistered us; nothing left to deliver.
				s.shutdown()
				return
			}
			if err := s.writeText(msg); err != nil {
				s.logger.Warn("websocket: write failed",
					slog.String("client_id", s.id), slog.Any("error", err))
				s.shutdown()
				return
			}
		}
	}
}

// writeText arms the write deadline and sends payload as one unfragmented,
// unmasked text frame (FIN=1, opcode=0x1; servers must not mask, RFC 6455
// §5.1). Header and payload go out in a single Write.
func (s *session) writeText(payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return fmt.Errorf("arm deadline: %w", err)
	}

	n := len(payload)
	frame := make([]byte, 0, 10+n)
	switch {
	case n < 126:
		frame = append(frame, 0x81, byte(n))
	case n < 65536:
		frame = append(frame, 0x81, 126, byte(n>>8), byte(n))
	default:
		frame = append(frame, 0x81, 127)
		frame = binary.BigEndian.AppendUint64(frame, uint64(n))
	}
	frame = append(frame, payload...)

	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readPump consumes inbound frames, discarding their payloads, until the
// connection drops or the client sends a close frame. Closing done wakes the
// write pump.
func (s *session) readPump(done chan struct{}) {
	defer close(done)
	defer s.shutdown()
	defer func() {
		// A framing bug must cost one connection, not the process.
		if r := recover(); r != nil {
			s.logger.Error("websocket: read pump panic recovered",
				slog.Any("recover", r), slog.String("client_id", s.id))
		}
	}()

	br := bufio.NewReader(s.conn)
	for {
		opcode, length, masked, err := readFrameHeader(br)
		if err != nil {
			return
		}
		if masked {
			var maskKey [4]byte
			if _, err := io.ReadFull(br, maskKey[:]); err != nil {
				return
			}
		}
		if length > 0 {
			if _, err := io.CopyN(io.Discard, br, length); err != nil {
				return
			}
		}
		if opcode == 0x08 {
			s.logger.Debug("websocket: close frame received", slog.String("client_id", s.id))
			return
		}
	}
}

// readFrameHeader parses one frame header, including the extended payload
// length forms. Frames over maxInboundFrame are rejected as an error.
func readFrameHeader(br *bufio.Reader) (opcode byte, length int64, masked bool, err error) {
	var hdr [2]byte
	if _, err = io.ReadFull(br, hdr[:]); err != nil {
		return 0, 0, false, err
	}
	opcode = hdr[0] & 0x0F
	masked = hdr[1]&0x80 != 0
	length = int64(hdr[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err = io.ReadFull(br, ext[:]); err != nil {
			return 0, 0, false, err
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err = io.ReadFull(br, ext[:]); err != nil {
			return 0, 0, false, err
		}
		// A uint64 length past the cap would also wrap negative on int64
		// conversion; reject before converting.
		raw := binary.BigEndian.Uint64(ext[:])
		if raw > maxInboundFrame {
			return 0, 0, false, fmt.Errorf("frame length %d exceeds limit", raw)
		}
		length = int64(raw)
	}
	if length > maxInboundFrame {
		return 0, 0, false, fmt.Errorf("frame length %d exceeds limit", length)
	}
	return opcode, length, masked, nil
}
