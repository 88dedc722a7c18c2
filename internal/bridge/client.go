package bridge

import (
	"bufio"
	"fmt"
	"net"
)

// Client speaks the bridge wire protocol from the instance side. The
// manager never uses this itself in production — the running blueprint
// does — but it is the same protocol implementation the server uses, so it
// doubles as the bridge's own integration test harness and as the
// conformance reference for blueprint authors.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// DialUnix connects to a bridge listening on an AF_UNIX socket.
func DialUnix(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial unix %s: %w", socketPath, err)
	}
	return newClient(conn)
}

func newClient(conn net.Conn) (*Client, error) {
	if _, err := conn.Write([]byte{wireVersion}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bridge: write wire version: %w", err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (c *Client) call(m Method, payload []byte) (envelope, error) {
	if err := writeFrame(c.conn, envelope{Method: m, Payload: payload}); err != nil {
		return envelope{}, err
	}
	return readFrame(c.reader)
}

// Ping sends a single heartbeat.
func (c *Client) Ping() error {
	reply, err := c.call(MethodPing, nil)
	if err != nil {
		return err
	}
	return asError(reply)
}

// RequestPort asks the bridge to allocate a host port, preferring
// `preferred` when non-zero.
func (c *Client) RequestPort(preferred uint32) (uint32, error) {
	reply, err := c.call(MethodRequestPort, encodePayload(RequestPortArgs{Preferred: preferred}))
	if err != nil {
		return 0, err
	}
	if err := asError(reply); err != nil {
		return 0, err
	}
	var out RequestPortReply
	if err := decodePayload(reply.Payload, &out); err != nil {
		return 0, err
	}
	return out.Port, nil
}

func asError(env envelope) error {
	if len(env.Payload) == 0 {
		return nil
	}
	var e errReply
	if decodePayload(env.Payload, &e) == nil && e.Message != "" {
		return fmt.Errorf("bridge: %s", e.Message)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
