package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"dn-pair-bot/internal/events"
	"dn-pair-bot/internal/position"
)

const (
	activePrefix = "position:active:"
	tradePrefix  = "trade:"
)

// Journal persists active position snapshots and final trade records. It is
// wired as an event sink so persistence never blocks the coordinator.
type Journal struct {
	store Store
}

func NewJournal(store Store) *Journal {
	return &Journal{store: store}
}

func (j *Journal) HandleEvent(ctx context.Context, e events.Event) error {
	if e.Type != events.TypeTransition || e.Position == nil {
		return nil
	}
	if e.To.Terminal() {
		return j.store.Delete(ctx, activePrefix+e.PositionID)
	}
	return SaveActivePosition(ctx, j.store, *e.Position)
}

func (j *Journal) HandleRecord(ctx context.Context, r events.TradeRecord) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d:%s", tradePrefix, r.ClosedAt.UnixNano(), r.PositionID)
	return j.store.Set(ctx, key, string(payload))
}

func SaveActivePosition(ctx context.Context, store Store, p position.Position) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return store.Set(ctx, activePrefix+p.ID, string(payload))
}

// LoadActivePositions returns snapshots of positions that never reached a
// terminal state, ordered by creation time.
func LoadActivePositions(ctx context.Context, store Store) ([]position.Position, error) {
	if store == nil {
		return nil, nil
	}
	raw, err := store.List(ctx, activePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]position.Position, 0, len(raw))
	for key, value := range raw {
		if strings.TrimSpace(value) == "" {
			continue
		}
		var p position.Position
		if err := json.Unmarshal([]byte(value), &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func ClearActivePosition(ctx context.Context, store Store, id string) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, activePrefix+id)
}

// LoadTradeRecords returns the most recent limit records, newest first.
func LoadTradeRecords(ctx context.Context, store Store, limit int) ([]events.TradeRecord, error) {
	if store == nil {
		return nil, nil
	}
	raw, err := store.List(ctx, tradePrefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]events.TradeRecord, 0, len(keys))
	for _, key := range keys {
		var r events.TradeRecord
		if err := json.Unmarshal([]byte(raw[key]), &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, r)
	}
	return out, nil
}
