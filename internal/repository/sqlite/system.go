package sqlite

import "fmt"

// SetLoopTick records a watchdog loop's last completed tick. Survives
// restarts so liveness reporting does not reset to zero.
func (s *Store) SetLoopTick(name string, ts int64) error {
	_, err := s.db.Exec(`INSERT INTO system_loop_ticks (name, last_tick) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET last_tick = excluded.last_tick`, name, ts)
	if err != nil {
		return fmt.Errorf("set loop tick %s: %w", name, err)
	}
	return nil
}

// LoopTicks returns every loop's last tick timestamp.
func (s *Store) LoopTicks() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT name, last_tick FROM system_loop_ticks`)
	if err != nil {
		return nil, fmt.Errorf("loop ticks: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var (
			name string
			ts   int64
		)
		if err := rows.Scan(&name, &ts); err != nil {
			return nil, err
		}
		out[name] = ts
	}
	return out, rows.Err()
}
