package policy

// BuiltinPolicies returns the policies compiled into every engine. They
// are marked with metadata builtin=true so reloads keep them.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedResourcesPolicy(),
		destructiveChangePolicy(),
	}
}

// protectedResourcesPolicy blocks destroy and replace of resources whose
// labels mark them protected.
func protectedResourcesPolicy() Policy {
	return Policy{
		Name:        "protected-resources",
		Description: "Blocks destroy and replace of resources labeled protected",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety"},
		Metadata:    map[string]any{"builtin": true},
		Rego: `package terrane.policies.protected

import rego.v1

destructive := {"destroy", "replace"}

deny contains violation if {
	some op in input.operations
	destructive[op.kind]
	op.labels.protected == "true"
	violation := {
		"message": sprintf("resource %s is labeled protected and cannot be %sd", [op.address, op.kind]),
		"severity": "error",
		"resource": op.address,
	}
}
`,
	}
}

// destructiveChangePolicy warns whenever a plan destroys or replaces
// anything, so destructive applies never pass silently.
func destructiveChangePolicy() Policy {
	return Policy{
		Name:        "destructive-changes",
		Description: "Warns when a plan contains destroy or replace operations",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety"},
		Metadata:    map[string]any{"builtin": true},
		Rego: `package terrane.policies.destructive

import rego.v1

deny contains violation if {
	total := input.summary.destroy + input.summary.replace
	total > 0
	violation := {
		"message": sprintf("plan destroys %d and replaces %d resources", [input.summary.destroy, input.summary.replace]),
		"severity": "warning",
	}
}
`,
	}
}
