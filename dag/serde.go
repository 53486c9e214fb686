package dag

// Serde is an opaque descriptor for how one edge's element type is encoded
// and decoded at a shuffle boundary. The planner never inspects its
// contents; it is carried transparently on every node's output so that the
// job adapter can hand it to the underlying batch framework unchanged.
type Serde struct {
	// TypeName is a human-readable label used in diagnostics and job specs
	// (e.g. "string", "KV[string,int]"). It has no semantic meaning to the
	// planner.
	TypeName string

	// Encode and Decode are optional hooks for round-tripping values
	// through byte slices at a shuffle boundary. Nothing in this module
	// calls them: jobrun.LocalRunner and interp pass values through
	// unchanged. Cluster-mode job adapters are free to ignore them and rely
	// entirely on the underlying framework's own serialisation.
	Encode func(v any) ([]byte, error)
	Decode func(b []byte) (any, error)
}

// Opaque returns a Serde with only a type name and no codec hooks, for
// edges whose serialisation is handled entirely by the external batch
// framework.
func Opaque(typeName string) Serde {
	return Serde{TypeName: typeName}
}
