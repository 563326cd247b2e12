package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/livedb/internal/cms"
	"github.com/roach88/livedb/internal/compiler"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/schema"
)

// LoadResult contains the results of loading a schema directory.
type LoadResult struct {
	Specs     []*ir.CollectionSpec
	Schema    *schema.Schema
	CUEValue  cue.Value // The raw CUE value for additional processing
	FileCount int       // Number of CUE files found
}

// LoadError represents an error that occurred during schema loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadSchemaDir loads the CUE package in dir and compiles its collections.
// A directory that builds but fails to compile or validate returns the
// partial result together with the error.
func LoadSchemaDir(dir string) (*LoadResult, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema directory not found: %s", dir)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing schema directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(cueFiles) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}

	result := &LoadResult{CUEValue: value, FileCount: len(cueFiles)}

	specs, err := compiler.CompileSchema(value)
	if err != nil {
		return result, convertCompileError(err)
	}
	result.Specs = specs

	if errs := compiler.Validate(specs); len(errs) > 0 {
		return result, errs[0]
	}
	s, err := schema.New(ctx, value)
	if err != nil {
		return result, err
	}
	result.Schema = s
	return result, nil
}

// loadSchema returns the schema in dir, or the built-in CMS schema when dir
// is empty.
func loadSchema(dir string) (*schema.Schema, error) {
	if dir == "" {
		return cms.LoadSchema()
	}
	result, err := LoadSchemaDir(dir)
	if err != nil {
		return nil, err
	}
	return result.Schema, nil
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: compileErr.Message,
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error

	// Query errors
	ErrCodeQueryInvalid = "E020" // query file does not parse or check
	ErrCodeQueryFailed  = "E021" // query evaluation failed
	ErrCodeDatabase     = "E030" // database open/read failed

	// Schema errors
	ErrCodeNoCollections = "E101" // no collection struct
)

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	switch {
	case field == "collection":
		return ErrCodeNoCollections
	case field == "type", strings.HasPrefix(field, "fields."):
		return compiler.ErrInvalidFieldType
	case field == "unique":
		return compiler.ErrInvalidUnique
	case field == "timestamps":
		return compiler.ErrInvalidTimestamp
	case field == "cue":
		return ErrCodeBuildFailed
	case strings.HasPrefix(field, "refs."):
		return compiler.ErrUnknownRefTarget
	default:
		return ErrCodeGeneric
	}
}
