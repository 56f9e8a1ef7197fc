package plan

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RenderDOT renders p as a Graphviz DOT digraph, one node per NodeId and
// one edge per dependency, labeled by operator/kind.
func (p *SymbolicPlan) RenderDOT() string {
	var ids []string
	for id := range p.Nodes {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("digraph plan {\n")
	b.WriteString("  rankdir=LR;\n")
	for _, idStr := range ids {
		id := NodeId(idStr)
		n := p.Nodes[id]
		label := nodeLabel(id, n)
		fmt.Fprintf(&b, "  %q [label=%q];\n", idStr, label)
		for _, dep := range n.Args {
			fmt.Fprintf(&b, "  %q -> %q;\n", string(dep), idStr)
		}
		for _, kw := range n.Kwargs {
			fmt.Fprintf(&b, "  %q -> %q [label=%q];\n", string(kw.Id), idStr, kw.Name)
		}
		for _, dep := range n.CaptureArgs {
			fmt.Fprintf(&b, "  %q -> %q [style=dashed];\n", string(dep), idStr)
		}
	}
	for i, g := range p.Goals {
		goalNode := fmt.Sprintf("goal_%d", i)
		fmt.Fprintf(&b, "  %q [shape=box,label=%q];\n", goalNode, string(g.Operation)+" "+g.Label)
		fmt.Fprintf(&b, "  %q -> %q;\n", string(g.Target), goalNode)
	}
	b.WriteString("}\n")
	return b.String()
}

func nodeLabel(id NodeId, n NodeSpec) string {
	short := string(id)
	if len(short) > 10 {
		short = short[:10]
	}
	switch n.Kind {
	case KindConstant:
		return fmt.Sprintf("%s\\nconst %v", short, n.ConstValue)
	case KindClosure:
		return fmt.Sprintf("%s\\nclosure(%s)", short, n.Parameter)
	default:
		return fmt.Sprintf("%s\\n%s", short, n.Operator)
	}
}

// jsonNode is the JSON-renderable shape of a NodeSpec, keyed by NodeId.
type jsonNode struct {
	Kind       Kind             `json:"kind"`
	ConstValue any              `json:"const_value,omitempty"`
	Operator   string           `json:"operator,omitempty"`
	Args       []string         `json:"args,omitempty"`
	Kwargs     []jsonKeywordArg `json:"kwargs,omitempty"`
	Attrs      map[string]any   `json:"attrs,omitempty"`
	OutputKind OutputKind       `json:"output_kind,omitempty"`
	Parameter  string           `json:"parameter,omitempty"`
	Body       string           `json:"body,omitempty"`
	Captures   map[string]string `json:"captures,omitempty"`
}

type jsonKeywordArg struct {
	Name string `json:"name"`
	Id   string `json:"id"`
}

type jsonGoal struct {
	Operation GoalOp `json:"operation"`
	Target    string `json:"target"`
	Label     string `json:"label"`
}

type jsonPlan struct {
	Nodes              map[string]jsonNode `json:"nodes"`
	Goals              []jsonGoal          `json:"goals"`
	ImportedNamespaces []string            `json:"imported_namespaces"`
}

// RenderJSON renders p as JSON, one entry per node keyed by its NodeId
// string.
func (p *SymbolicPlan) RenderJSON() ([]byte, error) {
	out := jsonPlan{Nodes: make(map[string]jsonNode, len(p.Nodes)), ImportedNamespaces: p.ImportedNamespaces}
	for id, n := range p.Nodes {
		jn := jsonNode{
			Kind:       n.Kind,
			ConstValue: n.ConstValue,
			Operator:   n.Operator,
			Attrs:      n.Attrs,
			OutputKind: n.OutputKind,
			Parameter:  n.Parameter,
			Body:       n.Body,
		}
		for _, dep := range n.Args {
			jn.Args = append(jn.Args, string(dep))
		}
		for _, kw := range n.Kwargs {
			jn.Kwargs = append(jn.Kwargs, jsonKeywordArg{Name: kw.Name, Id: string(kw.Id)})
		}
		if len(n.CaptureNames) > 0 {
			jn.Captures = make(map[string]string, len(n.CaptureNames))
			for i, name := range n.CaptureNames {
				jn.Captures[name] = string(n.CaptureArgs[i])
			}
		}
		out.Nodes[string(id)] = jn
	}
	for _, g := range p.Goals {
		out.Goals = append(out.Goals, jsonGoal{Operation: g.Operation, Target: string(g.Target), Label: g.Label})
	}
	return json.MarshalIndent(out, "", "  ")
}
