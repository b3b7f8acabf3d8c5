package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// maxAcceptErrors is the rolling accept-failure budget; exceeding it is
// treated as a fatal listener failure rather than something to retry.
const maxAcceptErrors = 10

// RemoteFunc is a method exposed over the RPC channel. Only explicitly
// registered methods are callable; there is no reflective dispatch.
type RemoteFunc func(args []any, kwargs map[string]any) (any, error)

// Mode selects whether an RPC endpoint serves calls or issues them.
type Mode int

// RPC endpoint modes.
const (
	ModeServer Mode = iota
	ModeClient
)

// RPC is one endpoint of the framed RPC protocol. A server listens and
// dispatches registered methods; a client dials lazily and issues calls. A
// server-mode endpoint answers Call locally without touching the network, so
// single-process deployments need no socket at all.
type RPC struct {
	addr    string
	authkey string
	logger  *zap.Logger
	mode    Mode

	methodsMu sync.RWMutex
	methods   map[string]RemoteFunc

	// connMu serializes the client connection: one call in flight at a
	// time, matching the strictly sequential request/response framing.
	connMu sync.Mutex
	conn   *Connection
}

// NewServer creates a server-mode endpoint.
func NewServer(addr, authkey string, logger *zap.Logger) *RPC {
	return newRPC(addr, authkey, logger, ModeServer)
}

// NewClient creates a client-mode endpoint.
func NewClient(addr, authkey string, logger *zap.Logger) *RPC {
	return newRPC(addr, authkey, logger, ModeClient)
}

func newRPC(addr, authkey string, logger *zap.Logger, mode Mode) *RPC {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPC{
		addr:    addr,
		authkey: authkey,
		logger:  logger,
		mode:    mode,
		methods: map[string]RemoteFunc{},
	}
}

// Register exposes a method to remote callers.
func (r *RPC) Register(name string, fn RemoteFunc) {
	r.methodsMu.Lock()
	defer r.methodsMu.Unlock()
	r.methods[name] = fn
}

// lookup resolves a registered method.
func (r *RPC) lookup(name string) (RemoteFunc, bool) {
	r.methodsMu.RLock()
	defer r.methodsMu.RUnlock()
	fn, ok := r.methods[name]
	return fn, ok
}

// Call invokes a named method. In server mode the method runs locally; in
// client mode the call is sent to the server and the reply translated back:
// RES to a value, EXC to the named error, anything else to a hard failure
// that also drops the connection.
func (r *RPC) Call(name string, args []any, kwargs map[string]any) (any, error) {
	if r.mode == ModeServer {
		fn, ok := r.lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoSuchMethod, name)
		}
		return fn(args, kwargs)
	}

	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		if err := r.connectLocked(); err != nil {
			return nil, err
		}
	}
	if err := r.conn.Send(cmdCall, name, args, kwargs); err != nil {
		r.closeLocked()
		return nil, fmt.Errorf("send call %q: %w", name, err)
	}
	msg, err := r.conn.Recv()
	if err != nil {
		r.closeLocked()
		return nil, fmt.Errorf("receive reply for %q: %w", name, err)
	}

	switch msg.Cmd {
	case cmdRes:
		if len(msg.Payload) == 0 {
			return nil, nil
		}
		return msg.Payload[0], nil
	case cmdExc:
		class, message := excPayload(msg.Payload)
		if sentinel, ok := lookupError(class); ok {
			return nil, fmt.Errorf("%s: %w", message, sentinel)
		}
		return nil, &RemoteError{Class: class, Message: message}
	case cmdErr:
		r.closeLocked()
		return nil, fmt.Errorf("rpc error: %s", firstString(msg.Payload))
	default:
		r.closeLocked()
		return nil, fmt.Errorf("unexpected reply %q to call %q", msg.Cmd, name)
	}
}

// connectLocked dials the server and completes the AUTH handshake.
func (r *RPC) connectLocked() error {
	sock, err := net.Dial("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", r.addr, err)
	}
	conn := NewConnection(sock)
	if err := conn.Send(cmdAuth, r.authkey); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}
	msg, err := conn.Recv()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("auth reply: %w", err)
	}
	if msg.Cmd != cmdOK {
		_ = conn.Close()
		return fmt.Errorf("authentication rejected: %s", firstString(msg.Payload))
	}
	r.conn = conn
	return nil
}

// closeLocked drops the client connection so the next call redials.
func (r *RPC) closeLocked() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

// Close shuts down a client connection if one is open.
func (r *RPC) Close() {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	r.closeLocked()
}

// Listen accepts connections until the context ends or accept failures
// exhaust the error budget. Each connection gets its own serving goroutine.
func (r *RPC) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	errCount := 0
	for {
		sock, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			errCount++
			r.logger.Error("accept failed",
				zap.Error(err), zap.Int("consecutive", errCount))
			if errCount > maxAcceptErrors {
				_ = listener.Close()
				return fmt.Errorf("too many accept failures: %w", err)
			}
			continue
		}
		if errCount > 0 {
			errCount--
		}
		go r.serve(NewConnection(sock))
	}
}

// serve runs the per-connection auth and command loop. The connection is
// closed on the way out no matter how the loop ends.
func (r *RPC) serve(conn *Connection) {
	defer func() {
		_ = conn.Close()
	}()

	authed := false
	for {
		msg, err := conn.Recv()
		if errors.Is(err, ErrConnectionClosed) {
			return
		}
		if err != nil {
			_ = conn.Send(cmdErr, "Failed to parse message")
			if !authed {
				return
			}
			continue
		}

		switch msg.Cmd {
		case cmdQuit:
			return

		case cmdAuth:
			if authed {
				_ = conn.Send(cmdErr, "Already authenticated")
				continue
			}
			if key, ok := firstPayload(msg.Payload).(string); ok && key == r.authkey {
				authed = true
				_ = conn.Send(cmdOK)
				continue
			}
			_ = conn.Send(cmdErr, "Invalid authentication key")
			return

		default:
			if !authed {
				_ = conn.Send(cmdErr, "Not authenticated")
				continue
			}
			switch msg.Cmd {
			case cmdPing:
				_ = conn.Send(cmdPong, msg.Payload...)
			case cmdCall:
				r.handleCall(conn, msg)
			default:
				_ = conn.Send(cmdErr, fmt.Sprintf("Unrecognized command %q", msg.Cmd))
			}
		}
	}
}

// handleCall dispatches one CALL frame to a registered method.
func (r *RPC) handleCall(conn *Connection, msg Message) {
	name, args, kwargs, ok := callPayload(msg.Payload)
	if !ok {
		_ = conn.Send(cmdErr, "Invalid call payload")
		return
	}
	fn, found := r.lookup(name)
	if !found {
		_ = conn.Send(cmdExc, errorName(ErrNoSuchMethod),
			fmt.Sprintf("no such method %q", name))
		return
	}
	result, err := invoke(fn, args, kwargs)
	if err != nil {
		_ = conn.Send(cmdExc, errorName(err), err.Error())
		return
	}
	_ = conn.Send(cmdRes, result)
}

// invoke runs a method, converting a panic into an error so one bad call
// cannot take down the connection loop.
func invoke(fn RemoteFunc, args []any, kwargs map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("method panicked: %v", r)
		}
	}()
	return fn(args, kwargs)
}

// callPayload unpacks [name, args, kwargs].
func callPayload(payload []any) (string, []any, map[string]any, bool) {
	if len(payload) != 3 {
		return "", nil, nil, false
	}
	name, ok := payload[0].(string)
	if !ok {
		return "", nil, nil, false
	}
	args, ok := payload[1].([]any)
	if !ok {
		return "", nil, nil, false
	}
	kwargs, ok := payload[2].(map[string]any)
	if !ok {
		return "", nil, nil, false
	}
	return name, args, kwargs, true
}

// excPayload unpacks [class, message] with lenient defaults.
func excPayload(payload []any) (string, string) {
	class := "error"
	message := ""
	if len(payload) > 0 {
		if s, ok := payload[0].(string); ok {
			class = s
		}
	}
	if len(payload) > 1 {
		if s, ok := payload[1].(string); ok {
			message = s
		}
	}
	return class, message
}

// firstPayload returns the first payload element, or nil.
func firstPayload(payload []any) any {
	if len(payload) == 0 {
		return nil
	}
	return payload[0]
}

// firstString renders the first payload element for error text.
func firstString(payload []any) string {
	if len(payload) == 0 {
		return ""
	}
	return fmt.Sprint(payload[0])
}
