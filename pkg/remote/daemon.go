package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/klmitch/turnstile-sub000/pkg/control"
	"github.com/klmitch/turnstile-sub000/pkg/store"
)

// DaemonConfig holds the settings the RPC side of a remote control daemon
// requires. All three fields are mandatory.
type DaemonConfig struct {
	Host    string
	Port    int
	AuthKey string
}

// Validate checks the configuration, reporting every problem at once rather
// than stopping at the first.
func (c DaemonConfig) Validate() error {
	var problems []error
	if c.Host == "" {
		problems = append(problems, errors.New("remote.host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Errorf("remote.port must be in 1..65535, got %d", c.Port))
	}
	if c.AuthKey == "" {
		problems = append(problems, errors.New("remote.authkey is required"))
	}
	return errors.Join(problems...)
}

// Addr renders the host/port pair as a dial or listen address.
func (c DaemonConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RemoteControlDaemon is a control daemon that additionally serves its limit
// data to worker processes over RPC, centralizing the authoritative copy in
// deployments where workers do not share memory.
type RemoteControlDaemon struct {
	*control.Daemon
	rpc    *RPC
	logger *zap.Logger
}

// NewRemoteControlDaemon validates the configuration and assembles the
// daemon with its RPC service.
func NewRemoteControlDaemon(s store.Store, logger *zap.Logger, controlCfg control.Config, remoteCfg DaemonConfig) (*RemoteControlDaemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := remoteCfg.Validate(); err != nil {
		for _, problem := range flatten(err) {
			logger.Warn("remote control daemon misconfigured", zap.Error(problem))
		}
		return nil, err
	}
	d := &RemoteControlDaemon{
		Daemon: control.NewDaemon(s, logger, controlCfg),
		rpc:    NewServer(remoteCfg.Addr(), remoteCfg.AuthKey, logger),
		logger: logger,
	}
	d.rpc.Register("get_limits", d.getLimits)
	return d, nil
}

// Start deliberately does nothing: callers may fork worker processes after
// construction, and the RPC socket must not exist before the fork. Serve
// performs the real startup.
func (d *RemoteControlDaemon) Start(context.Context) error {
	return nil
}

// Serve starts the underlying control daemon and then blocks serving RPC.
func (d *RemoteControlDaemon) Serve(ctx context.Context) error {
	if err := d.Daemon.Start(ctx); err != nil {
		return err
	}
	return d.rpc.Listen(ctx)
}

// getLimits is the remote-callable view of the daemon's limit data.
func (d *RemoteControlDaemon) getLimits(args []any, _ map[string]any) (any, error) {
	var known string
	if len(args) > 0 {
		known, _ = args[0].(string)
	}
	sum, data, err := d.Limits().GetLimits(known)
	if err != nil {
		return nil, err
	}
	return []any{sum, data}, nil
}

// flatten unpacks an errors.Join result for individual logging.
func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// RemoteLimitData is the worker-process view of a remote control daemon's
// limit data. Any RPC-layer failure, including an unreachable daemon, is
// reported as ErrNoChange so workers keep serving from their last good copy
// instead of crashing.
type RemoteLimitData struct {
	mu  sync.Mutex
	rpc *RPC
}

// NewRemoteLimitData creates the client-side view.
func NewRemoteLimitData(cfg DaemonConfig, logger *zap.Logger) *RemoteLimitData {
	return &RemoteLimitData{rpc: NewClient(cfg.Addr(), cfg.AuthKey, logger)}
}

// GetLimits fetches the limit list over RPC.
func (d *RemoteLimitData) GetLimits(knownSum string) (string, []string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	result, err := d.rpc.Call("get_limits", []any{knownSum}, nil)
	if err != nil {
		return "", nil, control.ErrNoChange
	}
	sum, data, ok := limitsPayload(result)
	if !ok {
		return "", nil, control.ErrNoChange
	}
	return sum, data, nil
}

// SetLimits always fails: the remote view is read-only by design.
func (d *RemoteLimitData) SetLimits([]string) error {
	return errors.New("remote limit data is read-only")
}

// limitsPayload unpacks the [sum, [limit...]] result of get_limits.
func limitsPayload(result any) (string, []string, bool) {
	pair, ok := result.([]any)
	if !ok || len(pair) != 2 {
		return "", nil, false
	}
	sum, ok := pair[0].(string)
	if !ok {
		return "", nil, false
	}
	var data []string
	switch raw := pair[1].(type) {
	case []any:
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				return "", nil, false
			}
			data = append(data, s)
		}
	case nil:
	default:
		return "", nil, false
	}
	return sum, data, true
}
