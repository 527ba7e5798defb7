package store

// Aggregation queries backing the status, report and diff commands.

// Aggregates summarizes one session's event stream.
type Aggregates struct {
	Connects    uint64
	Closes      uint64
	Active      int64
	PerProvider map[string]uint64
	Domains     map[string]uint64
	Alerts      uint64
}

// SessionAggregates computes totals, per-provider connect counts, and the
// contacted domain set for a session.
func (s *Store) SessionAggregates(runID string) (*Aggregates, error) {
	agg := &Aggregates{
		PerProvider: make(map[string]uint64),
		Domains:     make(map[string]uint64),
	}

	rows, err := s.db.Query(
		`SELECT event, provider, COALESCE(domain, ''), alert
		 FROM events WHERE run_id = ? AND event IN ('connect', 'close')`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var event, provider, domain string
		var alert int
		if err := rows.Scan(&event, &provider, &domain, &alert); err != nil {
			return nil, err
		}
		if alert != 0 {
			agg.Alerts++
		}
		switch event {
		case "connect":
			agg.Connects++
			agg.PerProvider[provider]++
			if domain != "" {
				agg.Domains[domain]++
			}
		case "close":
			agg.Closes++
			// Close events can carry a domain that resolved after connect.
			if domain != "" {
				agg.Domains[domain]++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	agg.Active = int64(agg.Connects) - int64(agg.Closes)
	if agg.Active < 0 {
		agg.Active = 0
	}
	return agg, nil
}
