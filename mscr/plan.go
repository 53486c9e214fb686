package mscr

import "github.com/scoobi-go/scoobi/dag"

// Plan is a fully built, layered MSCR plan ready for the executor.
type Plan struct {
	MSCRs  []*MSCR
	Layers [][]*MSCR
}

// BuildPlan groups root's reachable nodes into MSCRs and layers them.
// root should already have been through optimiser.Optimise.
func BuildPlan(root dag.Node) (*Plan, error) {
	mscrs, err := Build(root)
	if err != nil {
		return nil, err
	}
	layers, err := Layer(mscrs)
	if err != nil {
		return nil, err
	}
	return &Plan{MSCRs: mscrs, Layers: layers}, nil
}
