package engine

import (
	"fmt"

	"github.com/rzbill/conductor/internal/args"
)

// GraphDocument is the JSON form of a submission. Nodes refer to their
// successors by key.
//
//	{
//	  "name": "scale_out",
//	  "cluster_id": "c-1",
//	  "tasks": [
//	    {"key": "vol", "name": "create_volume", "rollback_on_fail": true, "next": ["attach"]},
//	    {"key": "attach", "name": "attach_volume", "args": {"volume": {"from_result": "vol_id"}}}
//	  ]
//	}
type GraphDocument struct {
	Name      string                 `json:"name"`
	ClusterID string                 `json:"cluster_id,omitempty"`
	ParentJob string                 `json:"parent_job,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Tasks     []NodeDocument         `json:"tasks"`
}

// NodeDocument is one task of a GraphDocument.
type NodeDocument struct {
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	Args           args.Args `json:"args,omitempty"`
	RollbackOnFail bool      `json:"rollback_on_fail,omitempty"`
	Next           []string  `json:"next,omitempty"`
}

// Build resolves keys into a TaskGraph.
func (d GraphDocument) Build() (TaskGraph, error) {
	specs := make(map[string]*TaskSpec, len(d.Tasks))
	for _, n := range d.Tasks {
		if n.Key == "" {
			return nil, &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf("task %q has no key", n.Name)}
		}
		if _, dup := specs[n.Key]; dup {
			return nil, &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf("duplicate key %q", n.Key)}
		}
		specs[n.Key] = &TaskSpec{Name: n.Name, Args: n.Args, RollbackOnFail: n.RollbackOnFail}
	}
	g := make(TaskGraph, len(d.Tasks))
	for _, n := range d.Tasks {
		succ := make([]*TaskSpec, 0, len(n.Next))
		for _, k := range n.Next {
			s, ok := specs[k]
			if !ok {
				return nil, &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf("task %q: unknown successor %q", n.Key, k)}
			}
			succ = append(succ, s)
		}
		g[specs[n.Key]] = succ
	}
	return g, nil
}

// Submission converts d into a Submission.
func (d GraphDocument) Submission() (Submission, error) {
	g, err := d.Build()
	if err != nil {
		return Submission{}, err
	}
	return Submission{
		Name:      d.Name,
		ClusterID: d.ClusterID,
		ParentJob: d.ParentJob,
		RequestID: d.RequestID,
		Context:   JobContext(d.Context),
		Graph:     g,
	}, nil
}
