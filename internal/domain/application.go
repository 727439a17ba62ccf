package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ApplicationID identifies an application. Identically named applications in
// different namespaces are unrelated entities.
type ApplicationID struct {
	Namespace string
	Name      string
}

func (id ApplicationID) String() string {
	return id.Namespace + "/" + id.Name
}

func (id ApplicationID) Validate() error {
	if strings.TrimSpace(id.Namespace) == "" {
		return errors.New("application namespace is required")
	}
	if !ValidName(id.Name) {
		return errors.New("application name is invalid")
	}
	return nil
}

// Program returns the id of a program defined in the application.
func (id ApplicationID) Program(programType ProgramType, name string) ProgramID {
	return ProgramID{Application: id, Type: programType, Name: name}
}

// Application is a deployed instantiation of an artifact. Owner is pinned by
// the first successful deploy and stays fixed until the record is deleted.
type Application struct {
	ID        ApplicationID
	Artifact  ArtifactID
	Spec      []byte
	Owner     string
	Config    Metadata
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a Application) Validate() error {
	if err := a.ID.Validate(); err != nil {
		return err
	}
	if err := a.Artifact.Validate(); err != nil {
		return err
	}
	if a.Artifact.Namespace != a.ID.Namespace {
		return fmt.Errorf("artifact namespace %q does not match application namespace %q", a.Artifact.Namespace, a.ID.Namespace)
	}
	if len(a.Spec) == 0 {
		return errors.New("application spec is required")
	}
	return nil
}

// DecodeSpec parses the stored specification blob.
func (a Application) DecodeSpec() (AppSpec, error) {
	return UnmarshalAppSpec(a.Spec)
}

// AppSpec is the instantiated description of an application.
type AppSpec struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Programs    []ProgramSpec `json:"programs"`
}

// ProgramSpec describes one runnable unit of an application.
type ProgramSpec struct {
	Type       ProgramType       `json:"type"`
	Name       string            `json:"name"`
	Class      string            `json:"class"`
	Requires   []string          `json:"requires,omitempty"`
	Instances  int               `json:"instances,omitempty"`
	Nodes      []string          `json:"nodes,omitempty"`
	Image      string            `json:"image,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Program looks up a program by type and name.
func (s AppSpec) Program(programType ProgramType, name string) (ProgramSpec, bool) {
	for _, p := range s.Programs {
		if p.Type == programType && p.Name == name {
			return p, true
		}
	}
	return ProgramSpec{}, false
}

// Normalize sorts programs by type and name so that encoding is deterministic.
func (s AppSpec) Normalize() AppSpec {
	out := s
	out.Programs = make([]ProgramSpec, len(s.Programs))
	copy(out.Programs, s.Programs)
	sort.Slice(out.Programs, func(i, j int) bool {
		if out.Programs[i].Type != out.Programs[j].Type {
			return out.Programs[i].Type < out.Programs[j].Type
		}
		return out.Programs[i].Name < out.Programs[j].Name
	})
	for i := range out.Programs {
		if out.Programs[i].Properties != nil {
			out.Programs[i].Properties = cloneStrings(out.Programs[i].Properties)
		}
	}
	return out
}

func MarshalAppSpec(spec AppSpec) ([]byte, error) {
	blob, err := json.Marshal(spec.Normalize())
	if err != nil {
		return nil, fmt.Errorf("marshal app spec: %w", err)
	}
	return blob, nil
}

func UnmarshalAppSpec(raw []byte) (AppSpec, error) {
	var spec AppSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return AppSpec{}, fmt.Errorf("unmarshal app spec: %w", err)
	}
	return spec, nil
}
