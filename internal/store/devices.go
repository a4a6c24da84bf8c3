package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const deviceTableName = "devices.json"

// DeviceEntry is what is remembered about a device between runs.
type DeviceEntry struct {
	DID         string    `json:"did"`
	Token       string    `json:"token"`
	IP          string    `json:"ip"`
	OwnerUserID int64     `json:"ownerUserId"`
	Model       string    `json:"model"`
	Name        string    `json:"name,omitempty"`
	Account     string    `json:"account,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DeviceTable is the persisted map of did to device entry.
type DeviceTable struct {
	store BlobStore

	mu      sync.RWMutex
	entries map[string]DeviceEntry
}

// LoadDeviceTable reads the table from store. A missing table is empty.
func LoadDeviceTable(ctx context.Context, store BlobStore) (*DeviceTable, error) {
	t := &DeviceTable{store: store, entries: map[string]DeviceEntry{}}
	data, err := store.Load(ctx, deviceTableName)
	if errors.Is(err, ErrNotFound) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load device table: %w", err)
	}
	if err := json.Unmarshal(data, &t.entries); err != nil {
		return nil, fmt.Errorf("decode device table: %w", err)
	}
	if t.entries == nil {
		t.entries = map[string]DeviceEntry{}
	}
	return t, nil
}

// Upsert merges entries by did. Empty fields keep their stored values.
func (t *DeviceTable) Upsert(entries ...DeviceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for _, e := range entries {
		if e.DID == "" {
			continue
		}
		cur := t.entries[e.DID]
		cur.DID = e.DID
		if e.Token != "" {
			cur.Token = e.Token
		}
		if e.IP != "" {
			cur.IP = e.IP
		}
		if e.OwnerUserID != 0 {
			cur.OwnerUserID = e.OwnerUserID
		}
		if e.Model != "" {
			cur.Model = e.Model
		}
		if e.Name != "" {
			cur.Name = e.Name
		}
		if e.Account != "" {
			cur.Account = e.Account
		}
		cur.UpdatedAt = now
		t.entries[e.DID] = cur
	}
}

func (t *DeviceTable) Get(did string) (DeviceEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[did]
	return e, ok
}

// All returns the entries ordered by did.
func (t *DeviceTable) All() []DeviceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]DeviceEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out
}

func (t *DeviceTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *DeviceTable) Save(ctx context.Context) error {
	t.mu.RLock()
	data, err := json.MarshalIndent(t.entries, "", "  ")
	t.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode device table: %w", err)
	}
	if err := t.store.Save(ctx, deviceTableName, data); err != nil {
		return fmt.Errorf("save device table: %w", err)
	}
	return nil
}
