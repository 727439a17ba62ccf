package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ProgramType is the closed set of runnable unit kinds.
type ProgramType string

const (
	ProgramTypeService      ProgramType = "service"
	ProgramTypeWorker       ProgramType = "worker"
	ProgramTypeMapReduce    ProgramType = "mapreduce"
	ProgramTypeWorkflow     ProgramType = "workflow"
	ProgramTypeSpark        ProgramType = "spark"
	ProgramTypeCustomAction ProgramType = "custom_action"
)

// ProgramTypes lists every supported program type.
func ProgramTypes() []ProgramType {
	return []ProgramType{
		ProgramTypeCustomAction,
		ProgramTypeMapReduce,
		ProgramTypeService,
		ProgramTypeSpark,
		ProgramTypeWorker,
		ProgramTypeWorkflow,
	}
}

// ParseProgramType accepts the canonical names plus a few common aliases.
func ParseProgramType(value string) (ProgramType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "service", "services":
		return ProgramTypeService, nil
	case "worker", "workers":
		return ProgramTypeWorker, nil
	case "mapreduce", "map-reduce", "mr":
		return ProgramTypeMapReduce, nil
	case "workflow", "workflows":
		return ProgramTypeWorkflow, nil
	case "spark":
		return ProgramTypeSpark, nil
	case "custom_action", "custom-action", "action":
		return ProgramTypeCustomAction, nil
	default:
		return "", fmt.Errorf("unknown program type %q", value)
	}
}

func (t ProgramType) Valid() bool {
	switch t {
	case ProgramTypeService, ProgramTypeWorker, ProgramTypeMapReduce,
		ProgramTypeWorkflow, ProgramTypeSpark, ProgramTypeCustomAction:
		return true
	default:
		return false
	}
}

// ProgramID identifies a program inside an application.
type ProgramID struct {
	Application ApplicationID
	Type        ProgramType
	Name        string
}

func (id ProgramID) String() string {
	return fmt.Sprintf("%s/%s/%s", id.Application.String(), id.Type, id.Name)
}

func (id ProgramID) Validate() error {
	if err := id.Application.Validate(); err != nil {
		return err
	}
	if !id.Type.Valid() {
		return fmt.Errorf("invalid program type %q", id.Type)
	}
	if !ValidName(id.Name) {
		return errors.New("program name is invalid")
	}
	return nil
}
