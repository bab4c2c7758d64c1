// Package config loads Terrane declarations from CUE sources.
//
// A workspace is one or more CUE files declaring resources, resource type
// descriptors, and engine settings. Resources keep their source order
// because declaration order is the scheduling tie-break. Struct-level
// validation uses go-playground/validator tags on the decoded types.
package config
