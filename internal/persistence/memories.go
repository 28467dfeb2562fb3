package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/loom/internal/fault"
)

// UpsertMemory stores or replaces a long-term fact. Session-scoped memories
// use a non-empty sessionID; global facts use "".
func (s *Store) UpsertMemory(ctx context.Context, sessionID, key, value, source string) error {
	if key == "" {
		return fault.Validationf("memory key is required")
	}
	if source == "" {
		source = "user"
	}
	return retryOnBusy(ctx, taskWriteRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memories (session_id, key, value, source)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, key) DO UPDATE SET
				value = excluded.value,
				source = excluded.source,
				last_accessed = CURRENT_TIMESTAMP;
		`, sessionID, key, value, source)
		if err != nil {
			return fmt.Errorf("upsert memory: %w", err)
		}
		return nil
	})
}

// DeleteMemory removes one fact. Missing keys are not an error.
func (s *Store) DeleteMemory(ctx context.Context, sessionID, key string) error {
	return retryOnBusy(ctx, taskWriteRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM memories WHERE session_id = ? AND key = ?;
		`, sessionID, key)
		if err != nil {
			return fmt.Errorf("delete memory: %w", err)
		}
		return nil
	})
}

// SearchMemories scores session-scoped and global facts against the query's
// terms and returns the topK best matches, bumping their access counters.
// Scoring is keyword overlap with a bias toward key matches.
func (s *Store) SearchMemories(ctx context.Context, sessionID, query string, topK int) ([]MemoryEntry, error) {
	if topK <= 0 {
		topK = 4
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, key, value, source, access_count, created_at, last_accessed
		FROM memories
		WHERE session_id = ? OR session_id = '';
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select memories: %w", err)
	}
	defer rows.Close()

	type scored struct {
		entry MemoryEntry
		score int
	}
	var candidates []scored
	for rows.Next() {
		var m MemoryEntry
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Key, &m.Value, &m.Source, &m.AccessCount, &m.CreatedAt, &m.LastAccessed); err != nil {
			return nil, err
		}
		keyLower := strings.ToLower(m.Key)
		valueLower := strings.ToLower(m.Value)
		score := 0
		for _, term := range terms {
			if strings.Contains(keyLower, term) {
				score += 3
			}
			if strings.Contains(valueLower, term) {
				score++
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{entry: m, score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].entry.LastAccessed.After(candidates[j].entry.LastAccessed)
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := make([]MemoryEntry, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, c.entry)
		_ = retryOnBusy(ctx, 1, func() error {
			_, err := s.db.ExecContext(ctx, `
				UPDATE memories SET access_count = access_count + 1, last_accessed = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, c.entry.ID)
			return err
		})
	}
	return results, nil
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "this": {}, "with": {},
	"was": {}, "you": {}, "what": {}, "did": {}, "about": {}, "have": {},
}

func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var terms []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, skip := stopWords[f]; skip {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}
