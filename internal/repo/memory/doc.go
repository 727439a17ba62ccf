// Package memory provides in-process implementations of the repository
// interfaces. They back the service when APPFABRIC_STORE=memory and are the
// stores used by service tests. Records are copied on the way in and out so
// callers never share mutable state with the store.
package memory
