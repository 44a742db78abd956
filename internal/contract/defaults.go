package contract

// Defaults is the built-in catalog for a browser/CRM automation fleet.
func Defaults() []Contract {
	return []Contract{
		{Name: "navigate", Risk: RiskLow, Reversible: true, Permissions: []string{"browser"}, TimeoutSeconds: 30, MockAvailable: true, MaxConcurrent: 5},
		{Name: "click", Risk: RiskLow, Reversible: true, Permissions: []string{"browser"}, Dependencies: []string{"navigate"}, TimeoutSeconds: 10, MockAvailable: true, MaxConcurrent: 10},
		{Name: "scan", Risk: RiskLow, Reversible: true, Permissions: []string{"read"}, TimeoutSeconds: 60, MockAvailable: true, MaxConcurrent: 3},
		{Name: "extract_data", Risk: RiskLow, Reversible: true, Permissions: []string{"browser", "read"}, Dependencies: []string{"navigate"}, TimeoutSeconds: 30, MockAvailable: true, MaxConcurrent: 5},
		{Name: "fill_form", Risk: RiskMedium, Reversible: true, Permissions: []string{"browser", "write"}, Dependencies: []string{"navigate"}, TimeoutSeconds: 45, MockAvailable: true, MaxConcurrent: 2},
		{Name: "export_report", Risk: RiskMedium, Reversible: true, Permissions: []string{"read", "export"}, TimeoutSeconds: 120, MockAvailable: true, MaxConcurrent: 1},
		{Name: "update_crm", Risk: RiskMedium, Reversible: true, Permissions: []string{"crm", "write"}, TimeoutSeconds: 60, MockAvailable: true, MaxConcurrent: 1},
		{Name: "create_contact", Risk: RiskHigh, Permissions: []string{"crm", "write"}, TimeoutSeconds: 60, MockAvailable: true, MaxConcurrent: 1, RequiresApproval: true},
		{Name: "send_email", Risk: RiskHigh, Permissions: []string{"email"}, Dependencies: []string{"create_contact"}, TimeoutSeconds: 30, MockAvailable: true, MaxConcurrent: 1, RequiresApproval: true},
		{Name: "delete_record", Risk: RiskHigh, Permissions: []string{"crm", "delete"}, TimeoutSeconds: 30, MockAvailable: false, MaxConcurrent: 1, RequiresApproval: true},
	}
}
