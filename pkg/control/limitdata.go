// Package control implements the control plane: the process-local cache of
// the current limit list and the daemon that keeps it fresh by listening for
// reload signals on a pub/sub channel.
package control

import (
	"errors"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ErrNoChange signals that the caller's view of the limit list is already
// current. It is a control-flow signal, not a failure.
var ErrNoChange = errors.New("limit data unchanged")

// LimitSource is any provider of the checksummed limit list. The in-process
// LimitData implements it directly; multi-process deployments substitute a
// remote view backed by RPC.
type LimitSource interface {
	// GetLimits returns the current checksum and raw serialized limits,
	// or ErrNoChange when knownSum is already current.
	GetLimits(knownSum string) (string, []string, error)

	// SetLimits atomically replaces the cached limit list.
	SetLimits(raw []string) error
}

// LimitData caches the current ranked limit list with a checksum so readers
// can cheaply detect that nothing changed.
type LimitData struct {
	mu   sync.Mutex
	data []string
	sum  string
}

// NewLimitData creates an empty cache.
func NewLimitData() *LimitData {
	return &LimitData{sum: checksum(nil)}
}

// SetLimits installs a new limit list and recomputes the checksum.
func (d *LimitData) SetLimits(raw []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = append([]string(nil), raw...)
	d.sum = checksum(d.data)
	return nil
}

// GetLimits returns the cached list, or ErrNoChange when knownSum matches.
func (d *LimitData) GetLimits(knownSum string) (string, []string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if knownSum == d.sum {
		return "", nil, ErrNoChange
	}
	return d.sum, append([]string(nil), d.data...), nil
}

// checksum hashes the concatenated serialized limits. It only has to detect
// change, so a fast non-cryptographic hash is enough.
func checksum(data []string) string {
	h := xxhash.New()
	for _, raw := range data {
		_, _ = h.WriteString(raw)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
