// Package limit implements rate-limit descriptors: the per-route
// configuration a deployment distributes through the store, and the
// request-time evaluation that feeds each request through its leaky bucket.
package limit

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/klmitch/turnstile-sub000/pkg/bucket"
)

// BaseClass is the registry identifier of the plain limit type.
const BaseClass = "limit"

// Limit describes one rate limit applied to a route. The JSON form is what
// gets persisted in the store's ranked limit list; hook fields are runtime
// state attached by the class registry.
type Limit struct {
	Class        string            `json:"limit_class"`
	UUID         string            `json:"uuid"`
	URI          string            `json:"uri"`
	Value        int               `json:"value"`
	Unit         bucket.TimeUnit   `json:"unit"`
	Verbs        []string          `json:"verbs,omitempty"`
	Requirements map[string]string `json:"requirements,omitempty"`
	Queries      []string          `json:"queries,omitempty"`
	Use          []string          `json:"use,omitempty"`
	ContinueScan bool              `json:"continue_scan,omitempty"`
	KeyVersion   int               `json:"key_version,omitempty"`

	filter FilterHook
	route  RouteHook
}

// New creates a base-class limit with a fresh identity.
func New(uri string, value int, unit bucket.TimeUnit) *Limit {
	return &Limit{
		Class: BaseClass,
		UUID:  uuid.NewString(),
		URI:   uri,
		Value: value,
		Unit:  unit,
	}
}

// Validate checks the fields every limit class shares.
func (l *Limit) Validate() error {
	if l.UUID == "" {
		return fmt.Errorf("limit for %q has no uuid", l.URI)
	}
	if l.Value <= 0 {
		return fmt.Errorf("limit %s: value must be positive, got %d", l.UUID, l.Value)
	}
	if l.Unit <= 0 {
		return fmt.Errorf("limit %s: unit must be positive, got %d", l.UUID, int(l.Unit))
	}
	return nil
}

// Cost is the amount of water one request adds to the bucket.
func (l *Limit) Cost() float64 {
	return l.Unit.Seconds() / float64(l.Value)
}

// BucketParams returns the rate parameters buckets of this limit enforce.
func (l *Limit) BucketParams() bucket.Params {
	return bucket.Params{
		Cost:        l.Cost(),
		UnitSeconds: l.Unit.Seconds(),
		Value:       l.Value,
	}
}

// keyVersion returns the bucket key version, defaulting to the log form.
func (l *Limit) keyVersion() int {
	if l.KeyVersion == 0 {
		return 2
	}
	return l.KeyVersion
}

// BucketKey builds the storage key for the given used parameters.
func (l *Limit) BucketKey(params map[string]any) (string, error) {
	return bucket.Key{UUID: l.UUID, Params: params, Version: l.keyVersion()}.Encode()
}

// Route returns the URI this limit should be registered under, giving the
// class's route hook a chance to adjust the registration.
func (l *Limit) Route(args map[string]any) string {
	if l.route != nil {
		return l.route.Route(l.URI, args)
	}
	return l.URI
}

// Dehydrate serializes the limit for the store.
func (l *Limit) Dehydrate() (string, error) {
	raw, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("dehydrate limit %s: %w", l.UUID, err)
	}
	return string(raw), nil
}
