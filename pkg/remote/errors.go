package remote

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klmitch/turnstile-sub000/pkg/control"
)

// ErrNoSuchMethod reports a CALL for a method the service never registered.
var ErrNoSuchMethod = errors.New("no such method")

// RemoteError carries an exception from the peer that has no registered
// local equivalent.
type RemoteError struct {
	Class   string
	Message string
}

// Error formats the remote exception.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote exception %s: %s", e.Class, e.Message)
}

// The error-name registry gives sentinel errors stable wire names so an EXC
// frame can be translated back into the error callers test for with
// errors.Is.
var errNames = struct {
	mu     sync.RWMutex
	byName map[string]error
	names  []namedError
}{byName: map[string]error{}}

type namedError struct {
	name string
	err  error
}

// RegisterError gives a sentinel error a wire name.
func RegisterError(name string, err error) {
	errNames.mu.Lock()
	defer errNames.mu.Unlock()
	if _, ok := errNames.byName[name]; ok {
		panic(fmt.Sprintf("remote error %q registered twice", name))
	}
	errNames.byName[name] = err
	errNames.names = append(errNames.names, namedError{name: name, err: err})
}

// errorName returns the wire name for an error, or "error" for unnamed ones.
func errorName(err error) string {
	errNames.mu.RLock()
	defer errNames.mu.RUnlock()
	for _, named := range errNames.names {
		if errors.Is(err, named.err) {
			return named.name
		}
	}
	return "error"
}

// lookupError resolves a wire name back to its sentinel.
func lookupError(name string) (error, bool) {
	errNames.mu.RLock()
	defer errNames.mu.RUnlock()
	err, ok := errNames.byName[name]
	return err, ok
}

func init() {
	RegisterError("control.ErrNoChange", control.ErrNoChange)
	RegisterError("remote.ErrNoSuchMethod", ErrNoSuchMethod)
}
