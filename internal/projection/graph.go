package projection

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/bitfantasy/nimo-pdm/internal/fanout"
)

// cypherRunner executes one write statement.
type cypherRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) error
	Verify(ctx context.Context) error
}

// graphLabels maps projected kinds to node labels.
var graphLabels = map[string]string{
	fanout.KindPart:     "Part",
	fanout.KindDocument: "Document",
	fanout.KindChange:   "Change",
	fanout.KindTask:     "Task",
}

// GraphTarget 图数据库副本: Part 节点 + USES 边, Change 通过 AFFECTS 指向受影响对象
type GraphTarget struct {
	run cypherRunner
}

// NewGraphTarget opens a neo4j driver.
func NewGraphTarget(uri, user, password, database string) (*GraphTarget, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &GraphTarget{run: &neo4jRunner{driver: driver, database: database}}, nil
}

func (t *GraphTarget) Name() string { return "graph" }

// Upsert merges the node (or edge) so replays converge.
func (t *GraphTarget) Upsert(ctx context.Context, m fanout.Mutation) error {
	if m.Kind == fanout.KindUsage {
		return t.run.Run(ctx, `
MERGE (p:Part {id: $parentId})
MERGE (c:Part {id: $childId})
MERGE (p)-[u:USES]->(c)
SET u.quantity = $quantity, u.usageId = $id`, map[string]any{
			"id":       m.ID,
			"parentId": m.Fields["parent_id"],
			"childId":  m.Fields["child_id"],
			"quantity": m.Fields["quantity"],
		})
	}

	label, ok := graphLabels[m.Kind]
	if !ok {
		return nil
	}
	props := make(map[string]any, len(m.Fields))
	for k, v := range m.Fields {
		if k == "affected_ids" {
			continue
		}
		props[k] = v
	}
	if err := t.run.Run(ctx,
		fmt.Sprintf("MERGE (n:%s {id: $id}) SET n += $props", label),
		map[string]any{"id": m.ID, "props": props}); err != nil {
		return err
	}

	if m.Kind == fanout.KindChange {
		affected, _ := m.Fields["affected_ids"].([]string)
		return t.run.Run(ctx, `
MATCH (c:Change {id: $id})
OPTIONAL MATCH (c)-[old:AFFECTS]->()
DELETE old
WITH DISTINCT c
UNWIND $affected AS itemId
MATCH (n {id: itemId})
MERGE (c)-[:AFFECTS]->(n)`, map[string]any{"id": m.ID, "affected": affected})
	}
	return nil
}

// Delete removes the node with its edges, or a single USES edge.
func (t *GraphTarget) Delete(ctx context.Context, m fanout.Mutation) error {
	if m.Kind == fanout.KindUsage {
		return t.run.Run(ctx,
			"MATCH (:Part {id: $parentId})-[u:USES]->(:Part {id: $childId}) DELETE u",
			map[string]any{"parentId": m.Fields["parent_id"], "childId": m.Fields["child_id"]})
	}
	label, ok := graphLabels[m.Kind]
	if !ok {
		return nil
	}
	return t.run.Run(ctx,
		fmt.Sprintf("MATCH (n:%s {id: $id}) DETACH DELETE n", label),
		map[string]any{"id": m.ID})
}

// Ready verifies connectivity to neo4j.
func (t *GraphTarget) Ready(ctx context.Context) error {
	return t.run.Verify(ctx)
}

type neo4jRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (r *neo4jRunner) Run(ctx context.Context, cypher string, params map[string]any) error {
	_, err := neo4j.ExecuteQuery(ctx, r.driver, cypher, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(r.database),
		neo4j.ExecuteQueryWithWritersRouting())
	return err
}

func (r *neo4jRunner) Verify(ctx context.Context) error {
	return r.driver.VerifyConnectivity(ctx)
}

// Close releases the driver.
func (t *GraphTarget) Close(ctx context.Context) error {
	if r, ok := t.run.(*neo4jRunner); ok {
		return r.driver.Close(ctx)
	}
	return nil
}
