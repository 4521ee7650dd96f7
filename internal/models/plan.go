package models

// Plan is a subscription tier and the limits it grants.
type Plan struct {
	Name   string `yaml:"name"`
	Trial  bool   `yaml:"trial"`
	Limits Limits `yaml:"limits"`
}

// InitialStatus returns the status a tenant on this plan moves to once provisioned.
func (p Plan) InitialStatus() Status {
	if p.Trial {
		return StatusTrial
	}
	return StatusActive
}
