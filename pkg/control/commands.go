package control

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CommandFunc handles one control-channel command. Arguments arrive as the
// colon-delimited strings following the command name.
type CommandFunc func(ctx context.Context, d *Daemon, args []string) error

var commands = struct {
	mu    sync.RWMutex
	table map[string]CommandFunc
}{table: map[string]CommandFunc{}}

// RegisterCommand adds a command to the control-channel dispatch table.
// Names beginning with an underscore are reserved and never dispatched.
func RegisterCommand(name string, fn CommandFunc) {
	commands.mu.Lock()
	defer commands.mu.Unlock()
	if _, ok := commands.table[name]; ok {
		panic(fmt.Sprintf("control command %q registered twice", name))
	}
	commands.table[name] = fn
}

// lookupCommand resolves a command by name.
func lookupCommand(name string) (CommandFunc, bool) {
	commands.mu.RLock()
	defer commands.mu.RUnlock()
	fn, ok := commands.table[name]
	return fn, ok
}

func init() {
	RegisterCommand("ping", pingCommand)
	RegisterCommand("reload", reloadCommand)
}

// pingCommand answers "ping:<channel>[:data]" with "pong[:node][:data]" on
// the requested reply channel. No reply channel means nothing to do.
func pingCommand(ctx context.Context, d *Daemon, args []string) error {
	if len(args) == 0 || args[0] == "" {
		return nil
	}
	channel := args[0]
	var data string
	if len(args) > 1 {
		data = strings.Join(args[1:], ":")
	}

	reply := []string{"pong"}
	if d.config.NodeName != "" || data != "" {
		reply = append(reply, d.config.NodeName)
	}
	if data != "" {
		reply = append(reply, data)
	}
	return d.store.Publish(ctx, channel, strings.Join(reply, ":"))
}

// reloadCommand schedules a reload: immediately, spread over an explicit
// window, or per the daemon's static configuration.
func reloadCommand(ctx context.Context, d *Daemon, args []string) error {
	var loadType, spreadArg string
	if len(args) > 0 {
		loadType = args[0]
	}
	if len(args) > 1 {
		spreadArg = args[1]
	}

	spread := d.config.ReloadSpread
	switch loadType {
	case "immediate":
		spread = 0
	case "spread":
		parsed, err := strconv.ParseFloat(spreadArg, 64)
		if err != nil || parsed < 0 {
			// Bad spread argument; fall back to configured behavior.
			break
		}
		spread = parsed
	}

	if spread <= 0 {
		go d.Reload(ctx)
		return nil
	}
	delay := time.Duration(rand.Float64() * spread * float64(time.Second))
	go func() {
		select {
		case <-time.After(delay):
			d.Reload(ctx)
		case <-ctx.Done():
		}
	}()
	return nil
}
