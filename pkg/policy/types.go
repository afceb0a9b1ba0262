package policy

import (
	"strings"
	"time"

	"github.com/envforge/envforge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from its deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary. Reloads never drop them.
	Builtin bool `json:"builtin,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one deny entry produced by a policy.
type Violation struct {
	Policy   string                 `json:"policy"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Result is the outcome of evaluating every enabled policy against a request.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking violations and policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Denial joins the blocking violation messages.
func (r *Result) Denial() string {
	var msgs []string
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			msgs = append(msgs, v.Policy+": "+v.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

// Settings are exposed to every policy as data.envforge.settings.
type Settings struct {
	// AllowedLocations lists the regions creates may target. Empty allows all.
	AllowedLocations []string `json:"allowed_locations" mapstructure:"allowed_locations"`

	// AllowedSkus lists the VM sizes creates may request. Empty allows all.
	AllowedSkus []string `json:"allowed_skus" mapstructure:"allowed_skus"`

	// RequiredTags are tag keys every create should carry.
	RequiredTags []string `json:"required_tags" mapstructure:"required_tags"`
}

// Input is the document policies see as input. Secrets from the request
// are never copied into it.
type Input struct {
	Request RequestInput `json:"request"`
	Context InputContext `json:"context"`
}

// RequestInput is the policy view of an engine.CreateRequest.
type RequestInput struct {
	OS             string            `json:"os"`
	SubscriptionID string            `json:"subscription_id"`
	ResourceGroup  string            `json:"resource_group"`
	Location       string            `json:"location"`
	SkuName        string            `json:"sku_name"`
	Image          string            `json:"image"`
	Tags           map[string]string `json:"tags"`
	Components     []ComponentInput  `json:"components"`
}

// ComponentInput is the policy view of an engine.Component.
type ComponentInput struct {
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Preserve bool   `json:"preserve"`
}

// InputContext describes the evaluation itself.
type InputContext struct {
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds the policy input for a create request.
func NewInput(req engine.CreateRequest) Input {
	components := make([]ComponentInput, 0, len(req.Components))
	for _, c := range req.Components {
		components = append(components, ComponentInput{
			Kind:     string(c.Kind),
			Name:     c.Identity.Name,
			Preserve: c.Preserve,
		})
	}

	tags := req.Tags
	if tags == nil {
		tags = map[string]string{}
	}

	return Input{
		Request: RequestInput{
			OS:             string(req.OS),
			SubscriptionID: req.SubscriptionID,
			ResourceGroup:  req.ResourceGroup,
			Location:       req.Location,
			SkuName:        req.SkuName,
			Image:          req.Image,
			Tags:           tags,
			Components:     components,
		},
		Context: InputContext{
			Operation: engine.OpBeginCreate,
			Timestamp: time.Now().UTC(),
		},
	}
}
