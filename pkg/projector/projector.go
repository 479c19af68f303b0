// Package projector maps ledger updates onto graph mutations.
//
// Every statement it emits is a MERGE on the target's key, so replaying
// an already-projected update is a no-op. Statement order within one
// update: the Transaction node, then each requesting Party with its
// REQUESTED edge, then the event nodes, then the ACTION, CONSEQUENCE,
// TARGET and CONSUMES edges.
package projector

import (
	"fmt"
	"time"

	"github.com/damlgraph/damlgraph/pkg/graph"
	"github.com/damlgraph/damlgraph/pkg/ledger"
	"github.com/damlgraph/damlgraph/pkg/tree"
)

// Project maps one ledger update to its graph mutations. Checkpoints
// produce no statements; their offsets advance through batch
// bookkeeping alone.
func Project(u ledger.Update) ([]graph.Statement, error) {
	switch v := u.(type) {
	case *ledger.Transaction:
		return projectTransaction(v)
	case *ledger.Reassignment:
		return projectReassignment(v), nil
	case *ledger.Checkpoint:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown update type %T", u)
	}
}

func projectTransaction(tx *ledger.Transaction) ([]graph.Statement, error) {
	stmts := []graph.Statement{{
		Cypher: `MERGE (t:Transaction {offset: $offset})
ON CREATE SET t.update_id = $update_id, t.command_id = $command_id,
              t.effective_at = $effective_at, t.record_time = $record_time`,
		Params: map[string]any{
			"offset":       tx.Offset,
			"update_id":    tx.UpdateID,
			"command_id":   tx.CommandID,
			"effective_at": nullableTime(tx.EffectiveAt),
			"record_time":  nullableTime(tx.RecordTime),
		},
	}}

	for _, party := range tx.RequestingParties {
		stmts = append(stmts, graph.Statement{
			Cypher: `MATCH (t:Transaction {offset: $offset})
MERGE (p:Party {party_id: $party_id})
MERGE (p)-[:REQUESTED]->(t)`,
			Params: map[string]any{"party_id": party, "offset": tx.Offset},
		})
	}

	// event nodes, then the decoded tree's edges
	labels := make(map[int64]string, len(tx.Events))
	markers := make([]tree.Marker, 0, len(tx.Events))
	for _, ev := range tx.Events {
		markers = append(markers, tree.Marker{
			NodeID:         ev.EventNodeID(),
			LastDescendant: ev.EventLastDescendant(),
		})
		switch e := ev.(type) {
		case *ledger.Created:
			labels[e.NodeID] = "Created"
			stmts = append(stmts, createdStatement(tx.Offset, e))
		case *ledger.Exercised:
			labels[e.NodeID] = "Exercised"
			stmts = append(stmts, exercisedStatement(tx.Offset, e))
		default:
			return nil, fmt.Errorf("unknown event type %T", ev)
		}
	}

	edges, roots, err := tree.Decode(markers)
	if err != nil {
		return nil, &ledger.MalformedError{Detail: fmt.Sprintf("event tree of update %s", tx.UpdateID), Err: err}
	}

	for _, root := range roots {
		stmts = append(stmts, graph.Statement{
			Cypher: fmt.Sprintf(`MATCH (t:Transaction {offset: $offset})
MATCH (e:%s {offset: $offset, node_id: $node_id})
MERGE (t)-[:ACTION]->(e)`, labels[root]),
			Params: map[string]any{"offset": tx.Offset, "node_id": root},
		})
	}

	for _, edge := range edges {
		stmts = append(stmts, graph.Statement{
			Cypher: fmt.Sprintf(`MATCH (p:Exercised {offset: $offset, node_id: $parent})
MATCH (c:%s {offset: $offset, node_id: $child})
MERGE (p)-[:CONSEQUENCE]->(c)`, labels[edge.Child]),
			Params: map[string]any{"offset": tx.Offset, "parent": edge.Parent, "child": edge.Child},
		})
	}

	// contract-target edges; a MATCH that finds no Created node for the
	// contract id makes the statement a no-op
	for _, ev := range tx.Events {
		ex, ok := ev.(*ledger.Exercised)
		if !ok || ex.TargetContractID == "" {
			continue
		}
		stmts = append(stmts, targetStatement("TARGET", tx.Offset, ex))
		if ex.Consuming {
			stmts = append(stmts, targetStatement("CONSUMES", tx.Offset, ex))
		}
	}

	return stmts, nil
}

func createdStatement(offset int64, c *ledger.Created) graph.Statement {
	return graph.Statement{
		Cypher: `MERGE (c:Created {offset: $offset, node_id: $node_id})
ON CREATE SET c.contract_id = $contract_id, c.template_name = $template_name,
              c.signatories = $signatories, c.observers = $observers, c.payload = $payload`,
		Params: map[string]any{
			"offset":        offset,
			"node_id":       c.NodeID,
			"contract_id":   c.ContractID,
			"template_name": c.TemplateName,
			"signatories":   c.Signatories,
			"observers":     c.Observers,
			"payload":       c.Payload,
		},
	}
}

func exercisedStatement(offset int64, e *ledger.Exercised) graph.Statement {
	return graph.Statement{
		Cypher: `MERGE (e:Exercised {offset: $offset, node_id: $node_id})
ON CREATE SET e.choice_name = $choice_name, e.target_contract_id = $target_contract_id,
              e.acting_parties = $acting_parties, e.consuming = $consuming,
              e.last_descendant_node_id = $last_descendant_node_id`,
		Params: map[string]any{
			"offset":                  offset,
			"node_id":                 e.NodeID,
			"choice_name":             e.ChoiceName,
			"target_contract_id":      e.TargetContractID,
			"acting_parties":          e.ActingParties,
			"consuming":               e.Consuming,
			"last_descendant_node_id": e.LastDescendant,
		},
	}
}

func targetStatement(rel string, offset int64, e *ledger.Exercised) graph.Statement {
	return graph.Statement{
		Cypher: fmt.Sprintf(`MATCH (e:Exercised {offset: $offset, node_id: $node_id})
MATCH (c:Created {contract_id: $contract_id})
MERGE (e)-[:%s]->(c)`, rel),
		Params: map[string]any{
			"offset":      offset,
			"node_id":     e.NodeID,
			"contract_id": e.TargetContractID,
		},
	}
}

func projectReassignment(re *ledger.Reassignment) []graph.Statement {
	stmts := []graph.Statement{{
		Cypher: `MERGE (r:Reassignment {offset: $offset})
ON CREATE SET r.update_id = $update_id, r.record_time = $record_time`,
		Params: map[string]any{
			"offset":      re.Offset,
			"update_id":   re.UpdateID,
			"record_time": nullableTime(re.RecordTime),
		},
	}}

	if re.Created != nil {
		stmts = append(stmts, createdStatement(re.Offset, re.Created))
		stmts = append(stmts, graph.Statement{
			Cypher: `MATCH (r:Reassignment {offset: $offset})
MATCH (e:Created {offset: $offset, node_id: $node_id})
MERGE (r)-[:ACTION]->(e)`,
			Params: map[string]any{"offset": re.Offset, "node_id": re.Created.NodeID},
		})
	}

	return stmts
}

// ProjectActiveContract synthesises the mutations for one active
// contract loaded during bootstrap. The contract is anchored at the
// snapshot offset with a synthetic node id, so a later replay of its
// original create merges cleanly alongside it.
func ProjectActiveContract(c *ledger.Created, snapshotOffset int64, nodeID int64) []graph.Statement {
	synthetic := *c
	synthetic.NodeID = nodeID
	return []graph.Statement{createdStatement(snapshotOffset, &synthetic)}
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
