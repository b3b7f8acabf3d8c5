// Package remote implements the framed RPC protocol worker processes use to
// share limit data with a central control daemon, and the daemon composition
// that serves it.
package remote

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Protocol verbs. Every frame is a newline-terminated JSON object of the
// form {"cmd": <verb>, "payload": [...]}.
const (
	cmdAuth = "AUTH"
	cmdOK   = "OK"
	cmdErr  = "ERR"
	cmdPing = "PING"
	cmdPong = "PONG"
	cmdCall = "CALL"
	cmdRes  = "RES"
	cmdExc  = "EXC"
	cmdQuit = "QUIT"
)

var (
	// ErrConnectionClosed reports that the peer went away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrMalformedMessage reports a frame that could not be parsed. The
	// connection itself remains usable.
	ErrMalformedMessage = errors.New("malformed message")
)

// Message is one parsed protocol frame.
type Message struct {
	Cmd     string `json:"cmd"`
	Payload []any  `json:"payload"`
}

// Connection frames messages over a stream socket. Receives buffer partial
// frames internally; sends are safe for concurrent use.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
	sendMu sync.Mutex
}

// NewConnection wraps an established socket.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{conn: conn, reader: bufio.NewReader(conn)}
}

// Send writes one frame.
func (c *Connection) Send(cmd string, payload ...any) error {
	if payload == nil {
		payload = []any{}
	}
	raw, err := json.Marshal(Message{Cmd: cmd, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", cmd, err)
	}
	raw = append(raw, '\n')
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err = c.conn.Write(raw)
	return err
}

// Recv blocks for the next complete frame. A closed peer yields
// ErrConnectionClosed; an unparseable frame yields ErrMalformedMessage while
// leaving the connection usable for further frames.
func (c *Connection) Recv() (Message, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		// Either a clean close or a partial trailing frame; both end
		// the message stream.
		return Message{}, ErrConnectionClosed
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

// Close tears the connection down.
func (c *Connection) Close() error {
	return c.conn.Close()
}
