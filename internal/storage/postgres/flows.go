package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AaronLay10/SentientFlow/internal/flow"
)

// FlowStore keeps flow documents in the flows table, one row per flow
// with the node, edge and configuration lists as JSONB.
type FlowStore struct {
	c *Client
}

// Flows returns the flow store backed by this connection.
func (c *Client) Flows() *FlowStore {
	return &FlowStore{c: c}
}

func (s *FlowStore) ListFlows(ctx context.Context) ([]string, error) {
	rows, err := s.c.db.QueryContext(ctx, `SELECT name FROM flows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *FlowStore) LoadFlow(ctx context.Context, name string) (*flow.Flow, error) {
	var nodes, edges, configs []byte
	err := s.c.db.QueryRowContext(ctx,
		`SELECT nodes, edges, configurations FROM flows WHERE name = $1`, name,
	).Scan(&nodes, &edges, &configs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", flow.ErrFlowNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", name, err)
	}
	return decodeRow(name, nodes, edges, configs)
}

// SaveFlow inserts or replaces a flow.
func (s *FlowStore) SaveFlow(ctx context.Context, f *flow.Flow) error {
	if err := f.Validate(); err != nil {
		return err
	}
	nodes, edges, configs, err := encodeRow(f)
	if err != nil {
		return err
	}
	_, err = s.c.db.ExecContext(ctx, `
		INSERT INTO flows (name, nodes, edges, configurations, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (name) DO UPDATE
		SET nodes = EXCLUDED.nodes, edges = EXCLUDED.edges,
		    configurations = EXCLUDED.configurations, updated_at = now()
	`, f.Name, nodes, edges, configs)
	if err != nil {
		return fmt.Errorf("save flow %s: %w", f.Name, err)
	}
	return nil
}

// DeleteFlow removes a flow. Deleting a missing flow is not an error.
func (s *FlowStore) DeleteFlow(ctx context.Context, name string) error {
	_, err := s.c.db.ExecContext(ctx, `DELETE FROM flows WHERE name = $1`, name)
	return err
}

func encodeRow(f *flow.Flow) (nodes, edges, configs []byte, err error) {
	orEmpty := func(v any, n int) ([]byte, error) {
		if n == 0 {
			return []byte("[]"), nil
		}
		return json.Marshal(v)
	}
	if nodes, err = orEmpty(f.Nodes, len(f.Nodes)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode nodes: %w", err)
	}
	if edges, err = orEmpty(f.Edges, len(f.Edges)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode edges: %w", err)
	}
	if configs, err = orEmpty(f.Configurations, len(f.Configurations)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode configurations: %w", err)
	}
	return nodes, edges, configs, nil
}

func decodeRow(name string, nodes, edges, configs []byte) (*flow.Flow, error) {
	f := &flow.Flow{Name: name}
	if err := json.Unmarshal(nodes, &f.Nodes); err != nil {
		return nil, fmt.Errorf("flow %s: decode nodes: %w", name, err)
	}
	if err := json.Unmarshal(edges, &f.Edges); err != nil {
		return nil, fmt.Errorf("flow %s: decode edges: %w", name, err)
	}
	if err := json.Unmarshal(configs, &f.Configurations); err != nil {
		return nil, fmt.Errorf("flow %s: decode configurations: %w", name, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	f.Qualify()
	return f, nil
}
