package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/pharmahub/internal/idgen"
	"github.com/mbd888/pharmahub/internal/logging"
	"github.com/mbd888/pharmahub/internal/plans"
	"github.com/mbd888/pharmahub/internal/validation"
)

// Encrypter seals credentials before they are stored.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// PlanLookup resolves plan ids against the catalog.
type PlanLookup interface {
	Get(ctx context.Context, id string) (*plans.Plan, error)
}

// TrialStarter creates the initial subscription of a newly provisioned tenant.
// Implemented by the subscription service so this package does not import it.
type TrialStarter interface {
	StartTrial(ctx context.Context, tenantID, planID string) error
}

// ProvisionRequest contains the parameters for creating a tenant.
type ProvisionRequest struct {
	TaxID    string `json:"taxId" binding:"required"`
	Name     string `json:"name" binding:"required"`
	PlanID   string `json:"planId"`
	Database struct {
		Name     string `json:"name"`
		User     string `json:"user"`
		Password string `json:"password"`
	} `json:"database"`
	Modules []string `json:"modules"`
	Gateway string   `json:"gateway"`
}

// UpdateRequest carries the mutable admin fields. Nil means unchanged.
type UpdateRequest struct {
	Name    *string   `json:"name"`
	Modules *[]string `json:"modules"`
	Gateway *string   `json:"gateway"`
}

// DefaultPlanID is assigned when provisioning without an explicit plan.
const DefaultPlanID = "starter"

// Service implements tenant directory operations.
type Service struct {
	store  Store
	plans  PlanLookup
	cipher Encrypter
	trials TrialStarter
}

// NewService creates a new tenant service.
func NewService(store Store, planLookup PlanLookup, cipher Encrypter) *Service {
	return &Service{store: store, plans: planLookup, cipher: cipher}
}

// WithTrialStarter wires the subscription lifecycle into provisioning.
func (s *Service) WithTrialStarter(t TrialStarter) *Service {
	s.trials = t
	return s
}

// Store exposes the underlying directory store.
func (s *Service) Store() Store { return s.store }

// Provision validates and creates a tenant, then starts its trial.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (*Tenant, error) {
	taxID := validation.NormalizeTaxID(req.TaxID)
	if errs := validation.Validate(
		validation.Required("taxId", req.TaxID),
		validation.ValidTaxID("taxId", req.TaxID),
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 200),
		validation.OneOf("gateway", req.Gateway, "asaas", "stripe"),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTenant, errs.Error())
	}

	planID := req.PlanID
	if planID == "" {
		planID = DefaultPlanID
	}
	if _, err := s.plans.Get(ctx, planID); err != nil {
		return nil, fmt.Errorf("%w: plan %q: %v", ErrInvalidTenant, planID, err)
	}

	dbName := req.Database.Name
	if dbName == "" {
		dbName = "tenant_" + taxID
	}
	dbUser := req.Database.User
	if dbUser == "" {
		dbUser = dbName
	}
	passwordEnc, err := s.cipher.Encrypt(req.Database.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt tenant credentials: %w", err)
	}

	now := time.Now()
	t := &Tenant{
		ID:     idgen.WithPrefix("ten_"),
		TaxID:  taxID,
		Name:   validation.SanitizeString(req.Name, 200),
		Status: StatusActive,
		Database: DatabaseRef{
			Name:        dbName,
			User:        dbUser,
			PasswordEnc: passwordEnc,
		},
		PlanID:    planID,
		Modules:   normalizeModules(req.Modules),
		Gateway:   req.Gateway,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}

	if s.trials != nil {
		if err := s.trials.StartTrial(ctx, t.ID, planID); err != nil {
			s.rollbackProvision(ctx, t)
			return nil, fmt.Errorf("start trial for %s: %w", t.ID, err)
		}
	}

	logging.Audit(ctx, "tenant", t.ID, "", string(StatusActive), "tax_id", t.TaxID, "plan", planID)
	return s.store.Get(ctx, t.ID)
}

// rollbackProvision removes a tenant whose trial could not start so the tax
// id can be provisioned again. If the row cannot be removed it is at least
// made unroutable.
func (s *Service) rollbackProvision(ctx context.Context, t *Tenant) {
	err := s.store.Delete(ctx, t.ID)
	if err == nil {
		return
	}
	logging.L(ctx).Error("failed to remove half-provisioned tenant",
		"tenant_id", t.ID, "tax_id", t.TaxID, "error", err)

	t.Status = StatusInactive
	t.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, t); err != nil {
		logging.L(ctx).Error("failed to deactivate half-provisioned tenant",
			"tenant_id", t.ID, "tax_id", t.TaxID, "error", err)
	}
}

// Get returns a tenant by id.
func (s *Service) Get(ctx context.Context, id string) (*Tenant, error) {
	return s.store.Get(ctx, id)
}

// Lookup resolves a key that is either an opaque tenant id or a tax id.
func (s *Service) Lookup(ctx context.Context, key string) (*Tenant, error) {
	t, err := s.store.Get(ctx, key)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrTenantNotFound) {
		return nil, err
	}
	taxID := validation.NormalizeTaxID(key)
	if taxID == "" {
		return nil, ErrTenantNotFound
	}
	return s.store.GetByTaxID(ctx, taxID)
}

// Update applies admin edits.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Tenant, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := validation.SanitizeString(*req.Name, 200)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidTenant)
		}
		t.Name = name
	}
	if req.Modules != nil {
		t.Modules = normalizeModules(*req.Modules)
	}
	if req.Gateway != nil {
		if err := validation.OneOf("gateway", *req.Gateway, "asaas", "stripe")(); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTenant, err.Message)
		}
		t.Gateway = *req.Gateway
	}
	t.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// SetStatus activates or deactivates a tenant.
func (s *Service) SetStatus(ctx context.Context, id string, status Status) (*Tenant, error) {
	if status != StatusActive && status != StatusInactive {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTenant, status)
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == status {
		return t, nil
	}
	from := t.Status
	t.Status = status
	t.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	logging.Audit(ctx, "tenant", t.ID, string(from), string(status))
	return t, nil
}

// List returns a page of tenants.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Tenant, error) {
	return s.store.List(ctx, limit, offset)
}

func normalizeModules(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, m := range in {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
