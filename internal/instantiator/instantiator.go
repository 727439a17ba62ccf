// Package instantiator turns artifact bytes plus deploy-time configuration
// into an application specification.
package instantiator

import (
	"context"

	"github.com/animus-labs/appfabric/internal/domain"
)

type Input struct {
	Artifact domain.ArtifactID
	Bytes    []byte
	Config   map[string]any
}

// Instantiator is deterministic: the same input always yields the same spec.
type Instantiator interface {
	Instantiate(ctx context.Context, in Input) (domain.AppSpec, error)
}

// Catalog reports which program classes a runtime can execute.
type Catalog interface {
	HasClass(class string) bool
}
