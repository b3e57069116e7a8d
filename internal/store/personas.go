package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreatePersona inserts a new persona. Name collisions return an error.
func (s *Store) CreatePersona(ctx context.Context, p *Persona) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO personas (name, description, system_prompt, mcp_servers, skill_priority, config, is_default, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, nullStr(p.Description), nullStr(p.SystemPrompt),
		jsonText(p.MCPServers), jsonText(p.SkillPriority), jsonText(p.Config),
		p.IsDefault, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("create persona: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	if p.IsDefault {
		return s.SetDefaultPersona(ctx, p.Name)
	}
	return nil
}

// GetPersona fetches a persona by name; nil when absent.
func (s *Store) GetPersona(ctx context.Context, name string) (*Persona, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, system_prompt, mcp_servers, skill_priority, config, is_default, created_at
		 FROM personas WHERE name = ?`, name,
	)
	p, err := scanPersona(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get persona: %w", err)
	}
	return p, nil
}

// DefaultPersona fetches the persona marked default; nil when none is.
func (s *Store) DefaultPersona(ctx context.Context) (*Persona, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, system_prompt, mcp_servers, skill_priority, config, is_default, created_at
		 FROM personas WHERE is_default = 1 LIMIT 1`,
	)
	p, err := scanPersona(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("default persona: %w", err)
	}
	return p, nil
}

// ListPersonas returns all personas ordered by name.
func (s *Store) ListPersonas(ctx context.Context) ([]Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, system_prompt, mcp_servers, skill_priority, config, is_default, created_at
		 FROM personas ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()
	var out []Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SetDefaultPersona marks one persona default and clears the flag from every
// other in a single transaction, preserving the at-most-one invariant.
func (s *Store) SetDefaultPersona(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin default persona tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE personas SET is_default = 0 WHERE is_default = 1`); err != nil {
		return fmt.Errorf("clear default persona: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE personas SET is_default = 1 WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("set default persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set default persona: %q not found", name)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit default persona tx: %w", err)
	}
	return nil
}

// ClearDefaultPersona unsets the default flag everywhere.
func (s *Store) ClearDefaultPersona(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE personas SET is_default = 0 WHERE is_default = 1`); err != nil {
		return fmt.Errorf("clear default persona: %w", err)
	}
	return nil
}

// UpdatePersonaPrompt replaces a persona's system prompt.
func (s *Store) UpdatePersonaPrompt(ctx context.Context, name, prompt string) error {
	return s.updatePersonaField(ctx, name, "system_prompt", nullStr(prompt))
}

// UpdatePersonaMCPServers replaces a persona's MCP server list.
func (s *Store) UpdatePersonaMCPServers(ctx context.Context, name string, servers []string) error {
	return s.updatePersonaField(ctx, name, "mcp_servers", jsonText(servers))
}

// UpdatePersonaSkills replaces a persona's skill priority list.
func (s *Store) UpdatePersonaSkills(ctx context.Context, name string, skills []string) error {
	return s.updatePersonaField(ctx, name, "skill_priority", jsonText(skills))
}

// UpdatePersonaDescription replaces a persona's description.
func (s *Store) UpdatePersonaDescription(ctx context.Context, name, description string) error {
	return s.updatePersonaField(ctx, name, "description", nullStr(description))
}

func (s *Store) updatePersonaField(ctx context.Context, name, column string, value any) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE personas SET `+column+` = ? WHERE name = ?`, value, name,
	)
	if err != nil {
		return fmt.Errorf("update persona %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update persona: %q not found", name)
	}
	return nil
}

// DeletePersona removes a persona, reporting whether it existed.
func (s *Store) DeletePersona(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete persona: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanPersona(row rowScanner) (*Persona, error) {
	var p Persona
	var desc, prompt, servers, skills, config sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &desc, &prompt, &servers, &skills, &config, &p.IsDefault, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Description = desc.String
	p.SystemPrompt = prompt.String
	p.MCPServers = stringList(servers)
	p.SkillPriority = stringList(skills)
	if config.Valid && config.String != "" && config.String != "null" {
		var cfg map[string]any
		if err := json.Unmarshal([]byte(config.String), &cfg); err == nil {
			p.Config = cfg
		}
	}
	return &p, nil
}
