package workflow

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-pm-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
)

// Catalog holds approval hierarchies. At most one hierarchy is active; rule
// selection only ever consults the active one. Safe for concurrent use.
type Catalog struct {
	mu          sync.RWMutex
	hierarchies []*repository.ApprovalHierarchy
	now         func() time.Time
}

// NewCatalog creates a catalog seeded with hierarchies. When several are
// flagged active the first one wins and the rest are deactivated.
func NewCatalog(hierarchies ...*repository.ApprovalHierarchy) *Catalog {
	c := &Catalog{now: time.Now}
	c.Replace(hierarchies)
	return c
}

// FindMatchingRule returns the first rule of the active hierarchy whose
// condition holds for the subject. It returns false when no hierarchy is
// active or nothing matches; that means no approval is required.
func (c *Catalog) FindMatchingRule(s Subject) (*repository.ApprovalRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h := c.activeLocked()
	if h == nil {
		return nil, false
	}
	return FindMatchingRule(h, s)
}

// FindMatchingRule scans h's rules in list order; first match wins.
func FindMatchingRule(h *repository.ApprovalHierarchy, s Subject) (*repository.ApprovalRule, bool) {
	if h == nil || !h.Active {
		return nil, false
	}
	for i := range h.Rules {
		if Evaluate(h.Rules[i].Condition, s) {
			rule := h.Rules[i]
			return &rule, true
		}
	}
	return nil, false
}

// Active returns a copy of the active hierarchy, or nil.
func (c *Catalog) Active() *repository.ApprovalHierarchy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h := c.activeLocked(); h != nil {
		cp := *h
		return &cp
	}
	return nil
}

func (c *Catalog) activeLocked() *repository.ApprovalHierarchy {
	for _, h := range c.hierarchies {
		if h.Active {
			return h
		}
	}
	return nil
}

// Hierarchies returns copies of every hierarchy in insertion order.
func (c *Catalog) Hierarchies() []repository.ApprovalHierarchy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]repository.ApprovalHierarchy, 0, len(c.hierarchies))
	for _, h := range c.hierarchies {
		out = append(out, *h)
	}
	return out
}

// Prepare validates h and returns the copy Add would store, with id, creation
// time and rule ids filled in. The catalog is not modified.
func (c *Catalog) Prepare(h repository.ApprovalHierarchy) (*repository.ApprovalHierarchy, error) {
	if err := ValidateHierarchy(&h); err != nil {
		return nil, err
	}
	h.Rules = append([]repository.ApprovalRule(nil), h.Rules...)
	if h.ID == "" {
		h.ID = "hierarchy-" + uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = c.now()
	}
	for i := range h.Rules {
		if h.Rules[i].ID == "" {
			h.Rules[i].ID = fmt.Sprintf("%s-rule-%d", h.ID, i+1)
		}
	}
	if c.Contains(h.ID) {
		return nil, errHierarchyExists(h.ID)
	}
	return &h, nil
}

// Add validates and registers a hierarchy, assigning an id and creation time
// when missing. Adding an active hierarchy deactivates the previous one.
func (c *Catalog) Add(h repository.ApprovalHierarchy) (*repository.ApprovalHierarchy, error) {
	prepared, err := c.Prepare(h)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.hierarchies {
		if existing.ID == prepared.ID {
			return nil, errHierarchyExists(prepared.ID)
		}
	}
	if prepared.Active {
		for _, existing := range c.hierarchies {
			existing.Active = false
		}
	}
	c.hierarchies = append(c.hierarchies, prepared)
	out := *prepared
	return &out, nil
}

// Contains reports whether a hierarchy with id is registered.
func (c *Catalog) Contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, h := range c.hierarchies {
		if h.ID == id {
			return true
		}
	}
	return false
}

func errHierarchyExists(id string) error {
	return errors.New(errors.ErrCodeConflict, "approval hierarchy already exists: "+id)
}

// Activate makes id the only active hierarchy.
func (c *Catalog) Activate(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var found bool
	for _, h := range c.hierarchies {
		if h.ID == id {
			found = true
		}
	}
	if !found {
		return ErrHierarchyNotFound
	}
	for _, h := range c.hierarchies {
		h.Active = h.ID == id
	}
	return nil
}

// Deactivate leaves the catalog with no active hierarchy, so no task requires
// approval.
func (c *Catalog) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.hierarchies {
		h.Active = false
	}
}

// Replace swaps the whole catalog content, e.g. after a reload.
func (c *Catalog) Replace(hierarchies []*repository.ApprovalHierarchy) {
	next := make([]*repository.ApprovalHierarchy, 0, len(hierarchies))
	seenActive := false
	for _, h := range hierarchies {
		if h == nil {
			continue
		}
		cp := *h
		if cp.Active {
			if seenActive {
				cp.Active = false
			}
			seenActive = true
		}
		next = append(next, &cp)
	}

	c.mu.Lock()
	c.hierarchies = next
	c.mu.Unlock()
}

// ValidateHierarchy rejects rules whose condition or approver specs use
// anything outside the supported sets.
func ValidateHierarchy(h *repository.ApprovalHierarchy) error {
	if h.Name == "" {
		return errors.InvalidInput("name", "hierarchy name is required")
	}
	for i, rule := range h.Rules {
		if !Field(rule.Condition.Field).Supported() {
			return errors.InvalidInput(fmt.Sprintf("rules[%d].condition.field", i), "unsupported field "+rule.Condition.Field)
		}
		if !Operator(rule.Condition.Operator).Supported() {
			return errors.InvalidInput(fmt.Sprintf("rules[%d].condition.operator", i), "unsupported operator "+rule.Condition.Operator)
		}
		if len(rule.Approvers) == 0 {
			return errors.InvalidInput(fmt.Sprintf("rules[%d].approvers", i), "at least one approver is required")
		}
		for j, spec := range rule.Approvers {
			switch spec.Type {
			case repository.ApproverUser, repository.ApproverRole:
				if spec.Identifier == "" {
					return errors.InvalidInput(fmt.Sprintf("rules[%d].approvers[%d].identifier", i, j), "identifier is required")
				}
			case repository.ApproverManager, repository.ApproverDepartmentHead:
			default:
				return errors.InvalidInput(fmt.Sprintf("rules[%d].approvers[%d].type", i, j), "unsupported approver type "+string(spec.Type))
			}
		}
		if rule.EscalationTimeHours != nil && *rule.EscalationTimeHours <= 0 {
			return errors.InvalidInput(fmt.Sprintf("rules[%d].escalation_time_hours", i), "must be positive")
		}
	}
	return nil
}

// catalogFile is the YAML layout of a rules file.
type catalogFile struct {
	Hierarchies []*repository.ApprovalHierarchy `yaml:"hierarchies"`
}

// LoadCatalogFile reads hierarchies from a YAML rules file.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML rules document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	for _, h := range file.Hierarchies {
		if err := ValidateHierarchy(h); err != nil {
			return nil, fmt.Errorf("hierarchy %q: %w", h.ID, err)
		}
	}
	return NewCatalog(file.Hierarchies...), nil
}
