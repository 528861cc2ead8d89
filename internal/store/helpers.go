package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FormPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts an optional time to a nullable column value.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// rebindDollar rewrites ? placeholders as $1..$n for PostgreSQL.
func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode session metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to decode session metadata: %w", err)
	}
	return m, nil
}

// scanSession scans a session row without answers or messages.
func scanSession(row *sql.Row) (models.Session, error) {
	var s models.Session
	var status string
	var currentNode, channel, locale, metadata sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&s.ID, &s.FormID, &status, &currentNode, &channel, &locale, &metadata,
		&s.CreatedAt, &s.UpdatedAt, &completedAt)
	if err != nil {
		return s, err
	}
	s.Status = models.SessionStatus(status)
	s.CurrentNodeID = currentNode.String
	s.Channel = channel.String
	s.Locale = locale.String
	if s.Metadata, err = decodeMetadata(metadata.String); err != nil {
		return s, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	return s, nil
}
