package external

import "context"

// DeploymentRequest is the proposal sent to the governance gate before any
// resource is touched.
type DeploymentRequest struct {
	TenantID      string  `json:"tenant_id"`
	CatalogID     string  `json:"catalog_id"`
	Action        string  `json:"action"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// GovernanceDecision is the gate's verdict. A failed decision is a hard stop.
type GovernanceDecision struct {
	Allowed  bool     `json:"allowed"`
	Reason   string   `json:"reason,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Governance is the policy gate consulted before spin-up.
type Governance interface {
	Check(ctx context.Context, req DeploymentRequest) (GovernanceDecision, error)
}

// AllowAllGovernance is the default when no policy engine is configured.
type AllowAllGovernance struct{}

func (AllowAllGovernance) Check(context.Context, DeploymentRequest) (GovernanceDecision, error) {
	return GovernanceDecision{Allowed: true}, nil
}
