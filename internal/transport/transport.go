// Package transport implements the length-prefix framed TCP protocol used
// to talk to the native host: a 4-byte little-endian unsigned length prefix
// followed by exactly that many bytes of UTF-8 JSON.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bloomworks/bloom/internal/errs"
)

// MaxBodyBytes is the maximum permitted framed body size (10 MiB).
const MaxBodyBytes = 10 * 1024 * 1024

// Send serializes msg and writes a length-prefix frame to conn.
func Send(conn net.Conn, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.FramingError, "encode message", err)
	}
	if len(body) > MaxBodyBytes {
		return errs.New(errs.FramingError, fmt.Sprintf("body too large: %d bytes", len(body)))
	}

	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	if _, err := conn.Write(frame); err != nil {
		return errs.Wrap(errs.ConnectionClosed, "write frame", err)
	}
	return nil
}

// Recv reads exactly one length-prefix frame from conn and decodes it into
// out. A deadline of timeout is applied to the whole read; a zero or
// negative timeout sets no deadline.
func Recv(conn net.Conn, timeout time.Duration, out any) error {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return errs.Wrap(errs.IOError, "set read deadline", err)
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errs.Wrap(errs.ConnectionClosed, "read frame header", err)
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return errs.Wrap(errs.Timeout, "read frame header", err)
		}
		return errs.Wrap(errs.IOError, "read frame header", err)
	}

	length := binary.LittleEndian.Uint32(header)
	if length > MaxBodyBytes {
		return errs.New(errs.FramingError, fmt.Sprintf("frame length %d exceeds max %d", length, MaxBodyBytes))
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errs.Wrap(errs.ConnectionClosed, "read frame body", err)
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return errs.Wrap(errs.Timeout, "read frame body", err)
		}
		return errs.Wrap(errs.IOError, "read frame body", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errs.Wrap(errs.FramingError, "decode frame body", err)
	}
	return nil
}

// Dial opens a TCP connection to host:port with the given connect timeout.
func Dial(host string, port int, timeout time.Duration) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errs.Wrap(errs.Timeout, "dial "+addr, err)
		}
		return nil, errs.Wrap(errs.ConnectionRefused, "dial "+addr, err)
	}
	return conn, nil
}

// Listen binds host:port and returns a listener that accepts one connection
// at a time, for download mode.
func Listen(host string, port int) (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "listen on "+addr, err)
	}
	return ln, nil
}

// PingResult describes a successful ping to the native host.
type PingResult struct {
	Port          int
	ResponseTime  time.Duration
	Version       string
}

type pingRequest struct {
	Command   string `json:"command"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

type pingResponse struct {
	Status  string `json:"status"`
	Command string `json:"command"`
	Version string `json:"version"`
}

// Ping scans ports low..high and returns the first one that accepts a
// connection and responds to a ping with a pong.
func Ping(host string, low, high int, perPortTimeout time.Duration) (*PingResult, error) {
	for port := low; port <= high; port++ {
		start := time.Now()

		conn, err := Dial(host, port, perPortTimeout)
		if err != nil {
			continue
		}

		req := pingRequest{
			Command:   "ping",
			Source:    "bloom",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if err := Send(conn, req); err != nil {
			conn.Close()
			continue
		}

		var resp pingResponse
		err = Recv(conn, perPortTimeout, &resp)
		conn.Close()
		if err != nil {
			continue
		}

		if resp.Status == "pong" || resp.Command == "pong" {
			return &PingResult{
				Port:         port,
				ResponseTime: time.Since(start),
				Version:      resp.Version,
			}, nil
		}
	}
	return nil, errs.New(errs.ConnectionRefused, "no native host responded to ping in range")
}
