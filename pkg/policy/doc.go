// Package policy gates plans with Open Policy Agent Rego rules.
//
// Policies see a flattened view of the plan (operations, labels, summary)
// and expose a "deny" set; any member with error or critical severity
// blocks the apply. Builtin policies protect labeled resources and flag
// destructive plans; user policies load from .rego or .json files and hot
// reload on change.
package policy
