// Package quota implements plan entitlements, usage evaluation and admission
// control for metered AI generation.
//
// The package is stateless: every type holds only injected dependencies, so
// one instance can serve any number of concurrent requests. Exclusion between
// concurrent reservations is delegated to the UsageCounter implementation.
package quota

import (
	"errors"
	"fmt"
	"io"

	"github.com/DukeRupert/mailsmith/internal/domain"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCatalog is returned when a catalog definition is incomplete or malformed.
var ErrInvalidCatalog = errors.New("quota: invalid plan catalog")

// defaultLimits is the compiled-in plan catalog.
var defaultLimits = map[domain.Plan]domain.PlanLimits{
	domain.PlanFree: {
		TemplatesLimit: 3,
		ImagesLimit:    3,
	},
	domain.PlanTrial: {
		TemplatesLimit:       20,
		ImagesLimit:          30,
		HasPremiumImageModel: true,
	},
	domain.PlanPro: {
		TemplatesLimit:       100,
		ImagesLimit:          250,
		HasPremiumImageModel: true,
	},
	domain.PlanScale: {
		TemplatesLimit:       500,
		ImagesLimit:          1500,
		HasPremiumImageModel: true,
		HasPriorityQueue:     true,
	},
}

// Catalog maps plan identifiers to their limits. It is immutable after construction.
type Catalog struct {
	plans    map[domain.Plan]domain.PlanLimits
	fallback domain.PlanLimits
}

// DefaultCatalog returns the compiled-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultLimits)
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog builds a catalog. Every known plan must be present with non-negative limits.
func NewCatalog(limits map[domain.Plan]domain.PlanLimits) (*Catalog, error) {
	plans := make(map[domain.Plan]domain.PlanLimits, len(limits))
	for _, plan := range domain.Plans {
		l, ok := limits[plan]
		if !ok {
			return nil, fmt.Errorf("%w: plan %q is not defined", ErrInvalidCatalog, plan)
		}
		if l.TemplatesLimit < 0 || l.ImagesLimit < 0 {
			return nil, fmt.Errorf("%w: plan %q has a negative limit", ErrInvalidCatalog, plan)
		}
		l.Plan = plan
		plans[plan] = l
	}
	for plan := range limits {
		if _, ok := plans[plan]; !ok {
			return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidCatalog, plan)
		}
	}

	return &Catalog{
		plans:    plans,
		fallback: mostRestrictive(plans),
	}, nil
}

// catalogFile is the YAML layout accepted by LoadCatalog.
//
//	plans:
//	  free:  {templates: 3, images: 3}
//	  trial: {templates: 20, images: 30, premium_image_model: true}
type catalogFile struct {
	Plans map[domain.Plan]domain.PlanLimits `yaml:"plans"`
}

// LoadCatalog parses a YAML catalog definition.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	return NewCatalog(file.Plans)
}

// LimitsFor returns the limits for a plan. Unknown plans fail closed to the
// most restrictive known plan, so an unexpected identifier from the billing
// provider can never grant more than the smallest entitlement.
func (c *Catalog) LimitsFor(plan domain.Plan) domain.PlanLimits {
	if l, ok := c.plans[plan]; ok {
		return l
	}
	return c.fallback
}

// Plans returns every plan's limits in catalog order.
func (c *Catalog) Plans() []domain.PlanLimits {
	out := make([]domain.PlanLimits, 0, len(domain.Plans))
	for _, plan := range domain.Plans {
		out = append(out, c.plans[plan])
	}
	return out
}

// mostRestrictive picks the plan with the smallest combined limits.
// domain.Plans starts with free, so ties resolve to free.
func mostRestrictive(plans map[domain.Plan]domain.PlanLimits) domain.PlanLimits {
	var best domain.PlanLimits
	found := false
	for _, plan := range domain.Plans {
		l := plans[plan]
		if !found || l.TemplatesLimit+l.ImagesLimit < best.TemplatesLimit+best.ImagesLimit {
			best = l
			found = true
		}
	}
	return best
}
