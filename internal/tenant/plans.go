package tenant

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/wolfeidau/tenantry/internal/models"
	"gopkg.in/yaml.v3"
)

var ErrUnknownPlan = errors.New("unknown plan")

// PlanCatalog holds the subscription plans tenants can be created with.
type PlanCatalog struct {
	plans map[string]models.Plan
}

// DefaultPlans returns the built-in plan catalog.
func DefaultPlans() *PlanCatalog {
	return NewPlanCatalog(
		models.Plan{Name: "trial", Trial: true, Limits: models.Limits{MaxUsers: 5, MaxStorageBytes: 1 << 30}},
		models.Plan{Name: "standard", Limits: models.Limits{MaxUsers: 50, MaxStorageBytes: 50 << 30}},
		models.Plan{Name: "enterprise", Limits: models.Limits{MaxUsers: 5000, MaxStorageBytes: 2 << 40}},
	)
}

// NewPlanCatalog creates a catalog from the given plans; later plans replace earlier ones by name.
func NewPlanCatalog(plans ...models.Plan) *PlanCatalog {
	c := &PlanCatalog{plans: make(map[string]models.Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.Name] = p
	}
	return c
}

// LoadPlanCatalog reads plans from a YAML file and merges them over the built-in plans.
//
//	plans:
//	  - name: startup
//	    limits:
//	      maxUsers: 20
//	      maxStorageBytes: 10737418240
func LoadPlanCatalog(path string) (*PlanCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}

	var file struct {
		Plans []models.Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}

	catalog := DefaultPlans()
	for _, p := range file.Plans {
		if p.Name == "" {
			return nil, fmt.Errorf("plan catalog %s: plan without a name", path)
		}
		catalog.plans[p.Name] = p
	}
	return catalog, nil
}

// Lookup returns the named plan.
func (c *PlanCatalog) Lookup(name string) (models.Plan, error) {
	p, ok := c.plans[name]
	if !ok {
		return models.Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, name)
	}
	return p, nil
}

// Names returns the plan names in sorted order.
func (c *PlanCatalog) Names() []string {
	names := make([]string, 0, len(c.plans))
	for name := range c.plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
