package s7

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"s7link/logging"
)

const (
	defaultS7Port = 102

	// Largest telegram a TPKT length field can describe.
	maxTelegramSize = 65535
)

// Dialer opens the TCP stream to the PLC. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// hostPort adds the given port to host unless host already carries one.
func hostPort(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// readFrames feeds whole telegrams from conn to the run loop until the
// stream fails or the loop stops accepting events.
func readFrames(conn net.Conn, gen uint64, post func(interface{}) bool) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxTelegramSize+1)
	sc.Split(scanTPKT)

	for sc.Scan() {
		frame := make([]byte, len(sc.Bytes()))
		copy(frame, sc.Bytes())
		logging.DebugRX("S7", frame)
		if !post(frameEvent{gen: gen, frame: frame}) {
			return
		}
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	post(streamEvent{gen: gen, err: err})
}

// writeFrame sends one telegram with a write deadline.
func writeFrame(conn net.Conn, b []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	logging.DebugTX("S7", b)
	_, err := conn.Write(b)
	return err
}
