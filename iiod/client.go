// Package iiod implements the text variant of the IIOD network
// protocol spoken by Pluto-style devices (IIOD v0.25). Commands are a
// single line; every reply starts with "status length\n" followed by
// length payload bytes. A negative or nonzero status carries the error
// text in the payload.
package iiod

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a connection to an IIOD server. Command execution is
// serialized; the protocol has no framing for concurrent requests.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	closed atomic.Bool
}

// Dial connects to an IIOD server at host:port.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to IIOD at %s: %w", addr, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// Abort closes the connection out from under any in-flight command,
// forcing a blocked exec to return. Used to cancel a pending READBUF.
func (c *Client) Abort() error {
	return c.Close()
}

// exec sends one command line and reads the framed reply.
func (c *Client) exec(cmd string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, fmt.Errorf("iiod: connection closed")
	}
	if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
		return nil, fmt.Errorf("send %q: %w", cmd, err)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read reply header for %q: %w", cmd, err)
	}
	var status, length int
	if _, err := fmt.Sscanf(strings.TrimSpace(line), "%d %d", &status, &length); err != nil {
		return nil, fmt.Errorf("malformed reply header %q: %w", strings.TrimSpace(line), err)
	}
	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return nil, fmt.Errorf("read %d payload bytes for %q: %w", length, cmd, err)
		}
	}
	if status != 0 {
		return nil, fmt.Errorf("iiod: %s returned status %d: %s",
			strings.Fields(cmd)[0], status, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

func (c *Client) execString(cmd string) (string, error) {
	payload, err := c.exec(cmd)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// Version queries the server version string.
func (c *Client) Version() (string, error) {
	return c.execString("VERSION")
}

// ListDevices returns the device identifiers exposed by the context.
func (c *Client) ListDevices() ([]string, error) {
	payload, err := c.execString("LIST_DEVICES")
	if err != nil {
		return nil, err
	}
	return strings.Fields(payload), nil
}

// ListChannels returns the channel identifiers of a device.
func (c *Client) ListChannels(device string) ([]string, error) {
	if strings.TrimSpace(device) == "" {
		return nil, fmt.Errorf("device name is required")
	}
	payload, err := c.execString("LIST_CHANNELS " + device)
	if err != nil {
		return nil, err
	}
	return strings.Fields(payload), nil
}

// ReadAttr reads a device or channel attribute. Pass an empty channel
// for device-level attributes.
func (c *Client) ReadAttr(device, channel, attr string) (string, error) {
	payload, err := c.execString(joinCmd("READ_ATTR", device, channel, attr))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(payload), nil
}

// WriteAttr writes a device or channel attribute. Pass an empty
// channel for device-level attributes.
func (c *Client) WriteAttr(device, channel, attr, value string) error {
	_, err := c.exec(joinCmd("WRITE_ATTR", device, channel, attr, value))
	return err
}

// OpenBuffer creates a streaming buffer of the given sample count on
// the device. Channels must already be enabled via their "en"
// attribute.
func (c *Client) OpenBuffer(device string, samples int) error {
	if samples <= 0 {
		return fmt.Errorf("sample count must be positive")
	}
	_, err := c.exec(fmt.Sprintf("OPEN %s %d", device, samples))
	return err
}

// ReadBuffer reads one buffer worth of raw sample bytes. Blocks until
// the device has filled the buffer.
func (c *Client) ReadBuffer(device string, samples int) ([]byte, error) {
	if samples <= 0 {
		return nil, fmt.Errorf("sample count must be positive")
	}
	payload, err := c.exec(fmt.Sprintf("READBUF %s %d", device, samples))
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty buffer read from %s", device)
	}
	return payload, nil
}

// CloseBuffer destroys the device's streaming buffer.
func (c *Client) CloseBuffer(device string) error {
	_, err := c.exec("CLOSE " + device)
	return err
}

// joinCmd assembles a command line, skipping empty parts so optional
// channel names collapse out of the wire format.
func joinCmd(parts ...string) string {
	fields := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			fields = append(fields, p)
		}
	}
	return strings.Join(fields, " ")
}
