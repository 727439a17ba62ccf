package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ArtifactID identifies an immutable, versioned code bundle inside a namespace.
type ArtifactID struct {
	Namespace string
	Name      string
	Version   string
}

func (id ArtifactID) String() string {
	return fmt.Sprintf("%s:%s:%s", id.Namespace, id.Name, id.Version)
}

func (id ArtifactID) Validate() error {
	if strings.TrimSpace(id.Namespace) == "" {
		return errors.New("artifact namespace is required")
	}
	if !ValidName(id.Name) {
		return errors.New("artifact name is invalid")
	}
	if !ValidName(id.Version) {
		return errors.New("artifact version is invalid")
	}
	return nil
}

// ArtifactRecord describes where the bytes of an artifact live.
type ArtifactRecord struct {
	ID        ArtifactID
	Location  string
	SHA256    string
	SizeBytes int64
	AddedAt   time.Time
}

func (a ArtifactRecord) Validate() error {
	if err := a.ID.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(a.Location) == "" {
		return errors.New("artifact location is required")
	}
	if strings.TrimSpace(a.SHA256) == "" {
		return errors.New("sha256 is required")
	}
	return nil
}
