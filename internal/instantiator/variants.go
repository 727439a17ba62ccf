package instantiator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/animus-labs/appfabric/internal/domain"
)

func (m *ManifestInstantiator) buildProgram(raw ManifestProgram, config map[string]string) (domain.ProgramSpec, error) {
	programType, err := domain.ParseProgramType(raw.Type)
	if err != nil {
		return domain.ProgramSpec{}, err
	}
	program := domain.ProgramSpec{
		Type:      programType,
		Name:      strings.TrimSpace(raw.Name),
		Class:     strings.TrimSpace(raw.Class),
		Instances: raw.Instances,
		Image:     strings.TrimSpace(raw.Image),
	}
	if !domain.ValidName(program.Name) {
		return domain.ProgramSpec{}, fmt.Errorf("invalid program name %q", program.Name)
	}
	if len(raw.Requires) > 0 {
		program.Requires = append([]string(nil), raw.Requires...)
		sort.Strings(program.Requires)
	}
	if len(raw.Properties) > 0 {
		program.Properties = make(map[string]string, len(raw.Properties))
		for k, v := range raw.Properties {
			expanded, err := expand(v, config)
			if err != nil {
				return domain.ProgramSpec{}, fmt.Errorf("property %s: %w", k, err)
			}
			program.Properties[k] = expanded
		}
	}

	switch programType {
	case domain.ProgramTypeService, domain.ProgramTypeWorker:
		if program.Instances == 0 {
			program.Instances = 1
		}
		if program.Instances < 0 {
			return domain.ProgramSpec{}, fmt.Errorf("instances must be positive, got %d", program.Instances)
		}
		if len(raw.Nodes) > 0 {
			return domain.ProgramSpec{}, fmt.Errorf("%s programs do not take nodes", programType)
		}
		return program, m.checkRunnable(program)
	case domain.ProgramTypeMapReduce, domain.ProgramTypeSpark, domain.ProgramTypeCustomAction:
		if program.Instances != 0 {
			return domain.ProgramSpec{}, fmt.Errorf("%s programs do not take instances", programType)
		}
		if len(raw.Nodes) > 0 {
			return domain.ProgramSpec{}, fmt.Errorf("%s programs do not take nodes", programType)
		}
		return program, m.checkRunnable(program)
	case domain.ProgramTypeWorkflow:
		if len(raw.Nodes) == 0 {
			return domain.ProgramSpec{}, errors.New("workflow needs at least one node")
		}
		if program.Instances != 0 {
			return domain.ProgramSpec{}, errors.New("workflow programs do not take instances")
		}
		program.Nodes = make([]string, 0, len(raw.Nodes))
		for _, node := range raw.Nodes {
			program.Nodes = append(program.Nodes, strings.TrimSpace(node))
		}
		return program, nil
	default:
		return domain.ProgramSpec{}, fmt.Errorf("unsupported program type %q", programType)
	}
}

func (m *ManifestInstantiator) checkRunnable(program domain.ProgramSpec) error {
	if program.Class == "" {
		return errors.New("class is required")
	}
	if m.opts.Catalog != nil && !m.opts.Catalog.HasClass(program.Class) {
		return fmt.Errorf("class %q is not available", program.Class)
	}
	if program.Image == "" {
		if m.opts.RequireImage {
			return errors.New("image is required")
		}
		return nil
	}
	if _, err := name.ParseReference(program.Image); err != nil {
		return fmt.Errorf("image %q: %w", program.Image, err)
	}
	return nil
}

// validateWorkflows checks that workflow nodes name batch programs of the
// same application, written as "<type>:<name>".
func validateWorkflows(spec domain.AppSpec) error {
	for _, program := range spec.Programs {
		if program.Type != domain.ProgramTypeWorkflow {
			continue
		}
		for _, node := range program.Nodes {
			rawType, nodeName, ok := strings.Cut(node, ":")
			if !ok {
				return fmt.Errorf("workflow %s: node %q must be <type>:<name>", program.Name, node)
			}
			nodeType, err := domain.ParseProgramType(rawType)
			if err != nil {
				return fmt.Errorf("workflow %s: %w", program.Name, err)
			}
			switch nodeType {
			case domain.ProgramTypeMapReduce, domain.ProgramTypeSpark, domain.ProgramTypeCustomAction:
			default:
				return fmt.Errorf("workflow %s: node %q is not a batch program", program.Name, node)
			}
			if _, ok := spec.Program(nodeType, nodeName); !ok {
				return fmt.Errorf("workflow %s: node %q is not defined", program.Name, node)
			}
		}
	}
	return nil
}
