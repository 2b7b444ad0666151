package ratelimit

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/maltehedderich/brand-gateway/internal/config"
)

// Policy allows at most Limit checks per fixed Window
type Policy struct {
	Limit  int
	Window time.Duration
}

// Validate reports whether the policy can be used with Check
func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("policy limit must be positive, got %d", p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("policy window must be positive, got %s", p.Window)
	}
	return nil
}

// String renders the policy as "5/15m0s"
func (p Policy) String() string {
	return strconv.Itoa(p.Limit) + "/" + p.Window.String()
}

// key scopes identifier to this policy. The same identifier checked against
// two policies yields two independent windows.
func (p Policy) key(identifier string) string {
	return identifier + ":" + strconv.Itoa(p.Limit) + ":" + strconv.FormatInt(int64(p.Window), 10)
}

// Catalog maps policy names to policies. It is built once at startup and
// never modified.
type Catalog map[string]Policy

// NewCatalog builds a validated catalog from configuration
func NewCatalog(policies map[string]config.PolicyConfig) (Catalog, error) {
	c := make(Catalog, len(policies))
	for name, pc := range policies {
		p := Policy{Limit: pc.Limit, Window: pc.Window}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
		c[name] = p
	}
	return c, nil
}

// Get looks up a policy by name
func (c Catalog) Get(name string) (Policy, bool) {
	p, ok := c[name]
	return p, ok
}

// MustGet is Get for names that configuration validation guarantees
func (c Catalog) MustGet(name string) Policy {
	p, ok := c[name]
	if !ok {
		panic(fmt.Sprintf("ratelimit: policy %q not in catalog", name))
	}
	return p
}

// Names returns the policy names in sorted order
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
