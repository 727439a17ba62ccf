package instantiator

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/animus-labs/appfabric/internal/domain"
	"gopkg.in/yaml.v3"
	"pgregory.net/rapid"
)

type classSet map[string]bool

func (c classSet) HasClass(class string) bool { return c[class] }

const purchaseManifest = `
name: purchases
programs:
  - type: service
    name: catalog
    class: shop.Catalog
    properties:
      table: ${table}
  - type: mapreduce
    name: aggregate
    class: shop.Aggregate
  - type: workflow
    name: nightly
    nodes: ["mapreduce:aggregate"]
`

var artifact = domain.ArtifactID{Namespace: "ns1", Name: "purchases", Version: "1.0.0"}

func TestInstantiateManifest(t *testing.T) {
	inst := NewManifestInstantiator(Options{Catalog: classSet{"shop.Catalog": true, "shop.Aggregate": true}})
	spec, err := inst.Instantiate(context.Background(), Input{
		Artifact: artifact,
		Bytes:    []byte(purchaseManifest),
		Config:   map[string]any{"table": "orders"},
	})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if len(spec.Programs) != 3 {
		t.Fatalf("programs=%d, want 3", len(spec.Programs))
	}
	catalog, ok := spec.Program(domain.ProgramTypeService, "catalog")
	if !ok {
		t.Fatalf("service catalog missing")
	}
	if catalog.Instances != 1 || catalog.Properties["table"] != "orders" {
		t.Fatalf("unexpected service spec: %+v", catalog)
	}
	if spec.Programs[0].Type != domain.ProgramTypeMapReduce {
		t.Fatalf("programs not sorted: %+v", spec.Programs)
	}
}

func TestInstantiateFailures(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
		config   map[string]any
		opts     Options
		want     string
	}{
		{name: "missing config", manifest: purchaseManifest, want: "missing configuration table"},
		{name: "unknown class", manifest: purchaseManifest, config: map[string]any{"table": "t"}, opts: Options{Catalog: classSet{"shop.Catalog": true}}, want: `class "shop.Aggregate" is not available`},
		{name: "unknown type", manifest: "programs:\n  - {type: flowlet, name: f, class: c}\n", want: "unknown program type"},
		{name: "unknown field", manifest: "programs:\n  - {type: worker, name: w, class: c, replicas: 3}\n", want: "replicas"},
		{name: "duplicate", manifest: "programs:\n  - {type: worker, name: w, class: c}\n  - {type: worker, name: w, class: c}\n", want: "duplicate program worker/w"},
		{name: "dangling node", manifest: "programs:\n  - {type: workflow, name: wf, nodes: ['spark:missing']}\n", want: "is not defined"},
		{name: "service node", manifest: "programs:\n  - {type: service, name: s, class: c}\n  - {type: workflow, name: wf, nodes: ['service:s']}\n", want: "not a batch program"},
		{name: "image required", manifest: "programs:\n  - {type: worker, name: w, class: c}\n", opts: Options{RequireImage: true}, want: "image is required"},
		{name: "bad image", manifest: "programs:\n  - {type: worker, name: w, class: c, image: 'Registry.local/Shop:1.0'}\n", want: `image "Registry.local/Shop:1.0"`},
		{name: "instances on batch", manifest: "programs:\n  - {type: spark, name: s, class: c, instances: 2}\n", want: "do not take instances"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inst := NewManifestInstantiator(tc.opts)
			_, err := inst.Instantiate(context.Background(), Input{Artifact: artifact, Bytes: []byte(tc.manifest), Config: tc.config})
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want %q", err, tc.want)
			}
		})
	}
}

func TestInstantiateIsDeterministic(t *testing.T) {
	programs := []ManifestProgram{
		{Type: "service", Name: "api", Class: "c.Api", Properties: map[string]string{"a": "1", "b": "2"}},
		{Type: "worker", Name: "indexer", Class: "c.Indexer", Instances: 3},
		{Type: "spark", Name: "rank", Class: "c.Rank"},
		{Type: "mapreduce", Name: "agg", Class: "c.Agg"},
		{Type: "custom_action", Name: "notify", Class: "c.Notify"},
		{Type: "workflow", Name: "nightly", Nodes: []string{"mapreduce:agg", "spark:rank"}},
	}
	inst := NewManifestInstantiator(Options{})
	encode := func(t *rapid.T, ps []ManifestProgram) []byte {
		raw, err := yaml.Marshal(Manifest{Name: "shop", Programs: ps})
		if err != nil {
			t.Fatalf("marshal manifest: %v", err)
		}
		spec, err := inst.Instantiate(context.Background(), Input{Artifact: artifact, Bytes: raw})
		if err != nil {
			t.Fatalf("Instantiate: %v", err)
		}
		blob, err := domain.MarshalAppSpec(spec)
		if err != nil {
			t.Fatalf("MarshalAppSpec: %v", err)
		}
		return blob
	}
	rapid.Check(t, func(t *rapid.T) {
		shuffled := rapid.Permutation(programs).Draw(t, "programs")
		if !bytes.Equal(encode(t, programs), encode(t, shuffled)) {
			t.Fatalf("spec encoding depends on manifest order")
		}
	})
}
