package instantiator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/animus-labs/appfabric/internal/domain"
	"gopkg.in/yaml.v3"
)

// Manifest is the YAML document carried by an artifact.
//
//	name: purchases
//	programs:
//	  - type: service
//	    name: catalog
//	    class: shop.Catalog
//	    instances: 2
//	    properties:
//	      table: ${table}
type Manifest struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Programs    []ManifestProgram `yaml:"programs"`
}

type ManifestProgram struct {
	Type       string            `yaml:"type"`
	Name       string            `yaml:"name"`
	Class      string            `yaml:"class"`
	Requires   []string          `yaml:"requires"`
	Instances  int               `yaml:"instances"`
	Nodes      []string          `yaml:"nodes"`
	Image      string            `yaml:"image"`
	Properties map[string]string `yaml:"properties"`
}

// ParseManifest decodes a manifest, rejecting unknown fields.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

type Options struct {
	// Catalog, when set, must know the class of every program.
	Catalog Catalog
	// RequireImage makes a container image mandatory for runnable programs.
	RequireImage bool
}

type ManifestInstantiator struct {
	opts Options
}

func NewManifestInstantiator(opts Options) *ManifestInstantiator {
	return &ManifestInstantiator{opts: opts}
}

func (m *ManifestInstantiator) Instantiate(ctx context.Context, in Input) (domain.AppSpec, error) {
	if err := ctx.Err(); err != nil {
		return domain.AppSpec{}, err
	}
	if len(in.Bytes) == 0 {
		return domain.AppSpec{}, errors.New("artifact is empty")
	}
	manifest, err := ParseManifest(in.Bytes)
	if err != nil {
		return domain.AppSpec{}, err
	}
	config, err := flattenConfig(in.Config)
	if err != nil {
		return domain.AppSpec{}, err
	}

	spec := domain.AppSpec{
		Name:        strings.TrimSpace(manifest.Name),
		Description: strings.TrimSpace(manifest.Description),
		Programs:    make([]domain.ProgramSpec, 0, len(manifest.Programs)),
	}
	if spec.Name == "" {
		spec.Name = in.Artifact.Name
	}
	seen := map[string]struct{}{}
	for i, raw := range manifest.Programs {
		program, err := m.buildProgram(raw, config)
		if err != nil {
			return domain.AppSpec{}, fmt.Errorf("program %d (%s): %w", i, raw.Name, err)
		}
		key := string(program.Type) + "/" + program.Name
		if _, dup := seen[key]; dup {
			return domain.AppSpec{}, fmt.Errorf("duplicate program %s", key)
		}
		seen[key] = struct{}{}
		spec.Programs = append(spec.Programs, program)
	}
	spec = spec.Normalize()
	if err := validateWorkflows(spec); err != nil {
		return domain.AppSpec{}, err
	}
	return spec, nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// expand substitutes ${key} with deploy-time configuration. A missing key is
// an error so that a misconfigured deploy never commits.
func expand(value string, config map[string]string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(value, func(match string) string {
		key := placeholder.FindStringSubmatch(match)[1]
		v, ok := config[key]
		if !ok {
			missing = append(missing, key)
			return match
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing configuration %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func flattenConfig(config map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(config))
	for k, v := range config {
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool, int, int64, float64:
			out[k] = fmt.Sprint(val)
		case nil:
			out[k] = ""
		default:
			return nil, fmt.Errorf("configuration %q must be a scalar, got %T", k, v)
		}
	}
	return out, nil
}
