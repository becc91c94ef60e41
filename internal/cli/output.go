package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/tOgg1/changegate/internal/db"
	"github.com/tOgg1/changegate/internal/models"
	"github.com/tOgg1/changegate/internal/ssh"
	"github.com/tOgg1/changegate/internal/workflow"
)

// Exit codes.
const (
	exitError       = 1
	exitValidation  = 2
	exitNotFound    = 3
	exitConflict    = 4
	exitCapacity    = 5
	exitFailed      = 6
	exitUnreachable = 7
)

// errExecutionFailed marks a command whose change ended in FAILED.
var errExecutionFailed = errors.New("change execution failed")

// IsJSONOutput reports whether --json was given.
func IsJSONOutput() bool {
	return jsonOutput
}

// IsJSONLOutput reports whether --jsonl was given.
func IsJSONLOutput() bool {
	return jsonlOutput
}

// WriteOutput writes v as indented JSON, or as one JSON document per line
// for slices under --jsonl.
func WriteOutput(out io.Writer, v any) error {
	if IsJSONLOutput() {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice {
			encoder := json.NewEncoder(out)
			for i := 0; i < rv.Len(); i++ {
				if err := encoder.Encode(rv.Index(i).Interface()); err != nil {
					return err
				}
			}
			return nil
		}
		return json.NewEncoder(out).Encode(v)
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func exitCode(err error) int {
	var capErr *workflow.CapacityError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, models.ErrValidation):
		return exitValidation
	case errors.As(err, &capErr):
		return exitCapacity
	case errors.Is(err, workflow.ErrInvalidTransition):
		return exitConflict
	case errors.Is(err, workflow.ErrRequestNotFound),
		errors.Is(err, workflow.ErrDeviceNotFound),
		errors.Is(err, db.ErrDeviceNotFound),
		errors.Is(err, db.ErrChangeRequestNotFound):
		return exitNotFound
	case errors.Is(err, errExecutionFailed):
		return exitFailed
	case ssh.IsUnreachable(err):
		return exitUnreachable
	default:
		return exitError
	}
}

func describeValidation(err error) string {
	var validation *models.ValidationErrors
	if !errors.As(err, &validation) || len(validation.Errors) < 2 {
		return err.Error()
	}
	msg := "invalid input:"
	for _, fieldErr := range validation.Errors {
		msg += fmt.Sprintf("\n  - %s", fieldErr.Error())
	}
	return msg
}
