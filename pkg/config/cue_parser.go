package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// CUEParser parses and validates CUE workspace files.
type CUEParser struct {
	ctx       *cue.Context
	validator *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:       cuecontext.New(),
		validator: validator.New(),
	}
}

// Parse parses CUE configuration from the given sources. Sources may be
// files or directories; directories load as CUE packages. All sources
// unify into a single workspace value.
func (cp *CUEParser) Parse(_ context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		if info.IsDir() {
			var files []string
			var errs []ValidationError
			val, files, errs = cp.loadDirectory(source)
			parseErrors = append(parseErrors, errs...)
			sourceFiles = append(sourceFiles, files...)
		} else {
			var errs []ValidationError
			val, errs = cp.loadFile(source)
			parseErrors = append(parseErrors, errs...)
			sourceFiles = append(sourceFiles, source)
		}

		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractConfig(cueValue, sourceFiles)
}

// ParseInline parses inline CUE content, used by tests and validation.
func (cp *CUEParser) ParseInline(_ context.Context, content string) (*ParsedConfig, error) {
	val := cp.ctx.CompileString(content)
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}
	return cp.extractConfig(val, []string{"inline"})
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

// extractConfig extracts workspace, resources, and type descriptors from a
// unified CUE value. Resource iteration follows source order, which the
// engine relies on for stable tie-breaks.
func (cp *CUEParser) extractConfig(val cue.Value, sourceFiles []string) (*ParsedConfig, error) {
	parsed := &ParsedConfig{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	workspaceVal := val.LookupPath(cue.ParsePath("workspace"))
	if workspaceVal.Exists() {
		if err := workspaceVal.Decode(&parsed.Workspace); err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     "workspace",
				Message:  fmt.Sprintf("failed to decode workspace: %v", err),
				Severity: "error",
			})
		}
	}

	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if resourcesVal.Exists() {
		cp.extractResources(resourcesVal, parsed)
	}

	typesVal := val.LookupPath(cue.ParsePath("types"))
	if typesVal.Exists() {
		cp.extractTypes(typesVal, parsed)
	}

	return parsed, nil
}

// extractResources decodes the resources block, which may be a list or a
// struct keyed by "type.name" address.
func (cp *CUEParser) extractResources(val cue.Value, parsed *ParsedConfig) {
	switch val.Kind() {
	case cue.ListKind:
		list, err := val.List()
		if err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     "resources",
				Message:  fmt.Sprintf("failed to list resources: %v", err),
				Severity: "error",
			})
			return
		}
		idx := 0
		for list.Next() {
			resource, err := cp.extractResource(list.Value())
			if err != nil {
				parsed.Errors = append(parsed.Errors, ValidationError{
					Path:     fmt.Sprintf("resources[%d]", idx),
					Message:  err.Error(),
					Severity: "error",
				})
			} else {
				parsed.Resources = append(parsed.Resources, resource)
			}
			idx++
		}
	case cue.StructKind:
		iter, err := val.Fields(cue.All())
		if err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     "resources",
				Message:  fmt.Sprintf("failed to iterate resources: %v", err),
				Severity: "error",
			})
			return
		}
		for iter.Next() {
			resource, err := cp.extractResource(iter.Value())
			if err != nil {
				parsed.Errors = append(parsed.Errors, ValidationError{
					Path:     fmt.Sprintf("resources.%s", iter.Selector()),
					Message:  err.Error(),
					Severity: "error",
				})
			} else {
				parsed.Resources = append(parsed.Resources, resource)
			}
		}
	default:
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "resources",
			Message:  "resources must be a list or struct",
			Severity: "error",
		})
	}
}

// extractResource decodes and validates one resource declaration.
func (cp *CUEParser) extractResource(val cue.Value) (ResourceConfig, error) {
	var resource ResourceConfig
	if err := val.Decode(&resource); err != nil {
		return resource, fmt.Errorf("failed to decode resource: %w", err)
	}
	if err := cp.validator.Struct(resource); err != nil {
		return resource, fmt.Errorf("validation failed: %w", err)
	}
	return resource, nil
}

// extractTypes decodes the types block.
func (cp *CUEParser) extractTypes(val cue.Value, parsed *ParsedConfig) {
	list, err := val.List()
	if err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "types",
			Message:  fmt.Sprintf("types must be a list: %v", err),
			Severity: "error",
		})
		return
	}
	idx := 0
	for list.Next() {
		var tc TypeConfig
		if err := list.Value().Decode(&tc); err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     fmt.Sprintf("types[%d]", idx),
				Message:  fmt.Sprintf("failed to decode type: %v", err),
				Severity: "error",
			})
		} else if err := cp.validator.Struct(tc); err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     fmt.Sprintf("types[%d]", idx),
				Message:  fmt.Sprintf("validation failed: %v", err),
				Severity: "error",
			})
		} else {
			parsed.Types = append(parsed.Types, tc)
		}
		idx++
	}
}

// convertCUEErrors converts CUE errors to a ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError
	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int
		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}
	return validationErrors
}
