package domain

import "maps"

// Metadata carries free-form JSON attributes: application config, audit
// payloads.
type Metadata map[string]any

// Clone is shallow; nested values are shared.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return maps.Clone(in)
}
