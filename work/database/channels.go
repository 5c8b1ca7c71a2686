package database

import (
	"database/sql"
	"fmt"
	"time"

	"iptv-relay/work/registry"
)

// UpsertChannel inserts or updates a row in channel_info. Existing sources
// are untouched; only the descriptive fields change on conflict.
func (db *DB) UpsertChannel(ch *registry.Channel) error {
	_, err := db.Exec(`
		INSERT INTO channel_info (channel_id, display_name, group_name, logo_url, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(channel_id) DO UPDATE SET
			display_name = excluded.display_name,
			group_name = excluded.group_name,
			logo_url = excluded.logo_url,
			updated_at = CURRENT_TIMESTAMP
	`, ch.ID, ch.DisplayName, ch.Group, ch.LogoURL)
	if err != nil {
		return fmt.Errorf("failed to upsert channel %s: %w", ch.ID, err)
	}
	return nil
}

// AddSource persists a source for an existing channel. Returns
// registry.ErrChannelNotFound when the channel row does not exist.
func (db *DB) AddSource(channelID string, src registry.Source) error {
	var exists int
	err := db.QueryRow("SELECT COUNT(*) FROM channel_info WHERE channel_id = ?", channelID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check channel %s: %w", channelID, err)
	}
	if exists == 0 {
		return registry.ErrChannelNotFound
	}

	_, err = db.Exec(`
		INSERT INTO channel_sources (channel_id, url, priority, user_agent, req_origin, req_referrer)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, url) DO UPDATE SET
			priority = excluded.priority,
			user_agent = excluded.user_agent,
			req_origin = excluded.req_origin,
			req_referrer = excluded.req_referrer
	`, channelID, src.URL, src.Priority, src.UserAgent, src.Origin, src.Referrer)
	if err != nil {
		return fmt.Errorf("failed to add source for %s: %w", channelID, err)
	}
	return nil
}

// RecordSourceResult updates the health bookkeeping for a source after a
// connection attempt. Successful attempts reset the failure counter.
func (db *DB) RecordSourceResult(channelID, url string, ok bool) error {
	var err error
	if ok {
		_, err = db.Exec(`
			UPDATE channel_sources
			SET last_checked = CURRENT_TIMESTAMP, last_ok = CURRENT_TIMESTAMP, failure_count = 0
			WHERE channel_id = ? AND url = ?
		`, channelID, url)
	} else {
		_, err = db.Exec(`
			UPDATE channel_sources
			SET last_checked = CURRENT_TIMESTAMP, failure_count = failure_count + 1
			WHERE channel_id = ? AND url = ?
		`, channelID, url)
	}
	if err != nil {
		return fmt.Errorf("failed to record source result for %s: %w", channelID, err)
	}
	return nil
}

// LoadAll reads every channel and its sources ordered by priority, ready to
// seed the in-memory registry at startup.
func (db *DB) LoadAll() ([]*registry.Channel, error) {
	rows, err := db.Query(`
		SELECT channel_id, display_name, group_name, logo_url
		FROM channel_info
		ORDER BY created_at, channel_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	var channels []*registry.Channel
	index := make(map[string]*registry.Channel)

	for rows.Next() {
		ch := &registry.Channel{}
		if err := rows.Scan(&ch.ID, &ch.DisplayName, &ch.Group, &ch.LogoURL); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, ch)
		index[ch.ID] = ch
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srcRows, err := db.Query(`
		SELECT channel_id, url, priority, user_agent, req_origin, req_referrer, last_checked
		FROM channel_sources
		ORDER BY channel_id, priority, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}
	defer srcRows.Close()

	for srcRows.Next() {
		var channelID string
		var src registry.Source
		var lastChecked sql.NullTime
		if err := srcRows.Scan(&channelID, &src.URL, &src.Priority, &src.UserAgent, &src.Origin, &src.Referrer, &lastChecked); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		if lastChecked.Valid {
			src.LastChecked = lastChecked.Time
		}
		if ch, found := index[channelID]; found {
			ch.Sources = append(ch.Sources, src)
		}
	}
	if err := srcRows.Err(); err != nil {
		return nil, err
	}

	return channels, nil
}

// ChannelCount returns the number of channels currently persisted.
func (db *DB) ChannelCount() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM channel_info").Scan(&count)
	return count, err
}

// StaleSourceCount returns how many sources have not succeeded within the
// given window. Used by the admin stats endpoint.
func (db *DB) StaleSourceCount(window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window)
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM channel_sources
		WHERE last_ok IS NULL OR last_ok < ?
	`, cutoff).Scan(&count)
	return count, err
}
