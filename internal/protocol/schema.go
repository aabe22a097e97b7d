package protocol

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed schema/link.schema.json
var linkSchemaBytes []byte

var (
	linkSchema      *jsonschema.Schema
	compileOnce     sync.Once
	compileErr      error
	printer         = message.NewPrinter(language.English)
	errEmptyPayload = errors.New("payload is empty")
)

// ValidationError reports a payload that does not match its command schema.
type ValidationError struct {
	Command string
	Issues  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Command, strings.Join(e.Issues, "; "))
}

func getLinkSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(linkSchemaBytes))
		if err != nil {
			compileErr = fmt.Errorf("unmarshaling schema JSON: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource("link.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		linkSchema, compileErr = c.Compile("link.schema.json")
		if compileErr != nil {
			compileErr = fmt.Errorf("compiling schema: %w", compileErr)
		}
	})
	return linkSchema, compileErr
}

func validate(command string, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &ValidationError{Command: command, Issues: []string{errEmptyPayload.Error()}}
	}

	schema, err := getLinkSchema()
	if err != nil {
		return err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Command: command, Issues: []string{fmt.Sprintf("malformed JSON: %v", err)}}
	}

	err = schema.Validate(inst)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("validating %s payload: %w", command, err)
	}
	return &ValidationError{Command: command, Issues: collectIssues(verr)}
}

// collectIssues flattens the validation tree into "location: message" lines,
// keeping only leaf causes.
func collectIssues(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		msg := verr.Error()
		if verr.ErrorKind != nil {
			msg = verr.ErrorKind.LocalizedString(printer)
		}
		return []string{fmt.Sprintf("%s: %s", loc, msg)}
	}
	var issues []string
	for _, cause := range verr.Causes {
		issues = append(issues, collectIssues(cause)...)
	}
	return issues
}
