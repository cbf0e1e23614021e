package r5

// Issue severities and codes used in responses
const (
	SeverityError   = "error"
	SeverityWarning = "warning"

	IssueInvalid      = "invalid"
	IssueBusinessRule = "business-rule"
	IssueNotSupported = "not-supported"
)

// OperationOutcome is the FHIR error body
type OperationOutcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue"`
}

// Issue is one problem reported in an OperationOutcome
type Issue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// Outcome wraps issues in an OperationOutcome
func Outcome(issues ...Issue) *OperationOutcome {
	return &OperationOutcome{ResourceType: "OperationOutcome", Issue: issues}
}

// HasErrors reports whether any issue is an error
func (o *OperationOutcome) HasErrors() bool {
	for _, i := range o.Issue {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
