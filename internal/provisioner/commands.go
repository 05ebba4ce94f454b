package provisioner

import (
	"fmt"
	"slices"

	"github.com/manchtools/step-provision/internal/validate"
)

// ErrTypeRequired is returned when a missing provisioner must be created
// but the request names no type.
var ErrTypeRequired = fmt.Errorf("%w: type is required when the provisioner does not exist", validate.ErrInvalid)

var errDurationOrder = fmt.Errorf("%w: x509 durations must satisfy min <= default <= max", validate.ErrInvalid)

// UnsupportedTypeError is returned when adding a provisioner of a type this
// tool cannot create. Such records are still listed.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported provisioner type: %s", e.Type)
}

// addPlan is the add command for one provisioner type. When needsSecret is
// set the command is completed with a --password-file argument.
type addPlan struct {
	args        []string
	needsSecret bool
}

func (p addPlan) withPasswordFile(path string) []string {
	return append(slices.Clone(p.args), "--password-file", path)
}

// addBuilders maps a type tag to the function that builds its add command.
var addBuilders = map[string]func(base []string) addPlan{
	TypeJWK: func(base []string) addPlan {
		return addPlan{args: base, needsSecret: true}
	},
	TypeACME: func(base []string) addPlan {
		return addPlan{args: base}
	},
}

// buildAdd returns the plan for `step ca provisioner add`.
func buildAdd(ca CAContext, req Request) (addPlan, error) {
	builder, ok := addBuilders[req.Type]
	if !ok {
		return addPlan{}, &UnsupportedTypeError{Type: req.Type}
	}
	d := ca.effectiveDurations(req)
	if err := d.ordered(); err != nil {
		return addPlan{}, err
	}
	base := ca.provisionerCommand("add", req.Name, "--type", req.Type, "--create")
	base = append(base, d.flags()...)
	return builder(base), nil
}

func listCommand(ca CAContext) []string {
	return ca.provisionerCommand("list")
}

func removeCommand(ca CAContext, name string) []string {
	return ca.provisionerCommand("remove", name)
}
