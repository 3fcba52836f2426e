package flows

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/nurture/pkg/conditions"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/schema"
	"github.com/dukex/nurture/pkg/services"
)

// Validate checks the structure of a flow graph and the config of every node. All problems
// are returned together in one services.ValidationError.
func (e *Engine) Validate(flow *models.FlowDefinition) error {
	return services.NewValidationError("ValidateFlow", e.problems(flow.Nodes, flow.Edges)...)
}

func (e *Engine) problems(nodes []models.FlowNode, edges []models.FlowEdge) []string {
	var problems []string

	byID := make(map[string]*models.FlowNode, len(nodes))

	var starts, ends []string

	for i := range nodes {
		node := &nodes[i]

		if _, dup := byID[node.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", node.ID))
		}

		byID[node.ID] = node

		switch node.Type {
		case models.NodeStart:
			starts = append(starts, describe(node))
		case models.NodeEnd:
			ends = append(ends, node.ID)
		}

		problems = append(problems, e.nodeProblems(node)...)
	}

	switch len(starts) {
	case 0:
		problems = append(problems, "flow has no start node")
	case 1:
	default:
		problems = append(problems, fmt.Sprintf("flow must have exactly one start node, found %d: %s",
			len(starts), strings.Join(starts, ", ")))
	}

	if len(ends) == 0 {
		problems = append(problems, "flow has no end node")
	}

	for i, edge := range edges {
		at := fmt.Sprintf("edges[%d]", i)
		if edge.ID != "" {
			at = fmt.Sprintf("edge %s", edge.ID)
		}

		if _, ok := byID[edge.Source]; !ok {
			problems = append(problems, fmt.Sprintf("%s: source %q does not exist", at, edge.Source))
		}

		if _, ok := byID[edge.Target]; !ok {
			problems = append(problems, fmt.Sprintf("%s: target %q does not exist", at, edge.Target))
		}

		for _, p := range conditions.Problems(edge.Condition) {
			problems = append(problems, at+": "+p)
		}
	}

	if len(starts) == 1 {
		problems = append(problems, unreachable(nodes, edges)...)
	}

	return problems
}

func (e *Engine) nodeProblems(node *models.FlowNode) []string {
	at := fmt.Sprintf("node %s", node.ID)

	handler, ok := e.handlers[node.Type]
	if !ok {
		return []string{fmt.Sprintf("%s: unknown node type %q", at, node.Type)}
	}

	problems := schema.Validate(at, handler.Schema(), node.Data.Config)

	if node.Type == models.NodeCondition && len(problems) == 0 {
		cfg, err := models.DecodeConfig[models.ConditionNodeConfig](node.Data.Config)
		if err != nil {
			return append(problems, fmt.Sprintf("%s: %v", at, err))
		}

		for _, p := range conditions.Problems(&cfg.Conditions) {
			problems = append(problems, at+": "+p)
		}
	}

	return problems
}

// unreachable walks the edges breadth first from the start node and reports every node it
// never reached.
func unreachable(nodes []models.FlowNode, edges []models.FlowEdge) []string {
	adjacent := map[string][]string{}
	for _, edge := range edges {
		adjacent[edge.Source] = append(adjacent[edge.Source], edge.Target)
	}

	start := slices.IndexFunc(nodes, func(n models.FlowNode) bool { return n.Type == models.NodeStart })
	seen := map[string]bool{nodes[start].ID: true}
	queue := []string{nodes[start].ID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range adjacent[current] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	var problems []string

	for i := range nodes {
		if !seen[nodes[i].ID] {
			problems = append(problems, fmt.Sprintf("node %s is unreachable from start", describe(&nodes[i])))
		}
	}

	return problems
}

func describe(node *models.FlowNode) string {
	if node.Data.Label == "" || node.Data.Label == node.ID {
		return node.ID
	}

	return fmt.Sprintf("%s (%s)", node.ID, node.Data.Label)
}
