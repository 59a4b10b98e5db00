package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dn-pair-bot/internal/alerts"
	"dn-pair-bot/internal/state"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorConfig struct {
	chatID       int64
	allowedUsers map[int64]struct{}
	pollInterval time.Duration
}

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
	PositionIDs  []string  `json:"position_ids,omitempty"`
}

func (a *App) operatorSettings() (operatorConfig, bool) {
	if a.alerts == nil || !a.cfg.Telegram.OperatorEnabled {
		return operatorConfig{}, false
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return operatorConfig{}, false
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowed := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowed[id] = struct{}{}
	}
	return operatorConfig{chatID: chatID, allowedUsers: allowed, pollInterval: pollInterval}, true
}

func (a *App) operatorLoop(ctx context.Context, op operatorConfig) {
	offset := a.loadOperatorOffset(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, op.pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(op.pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, op)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, op operatorConfig) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != op.chatID {
		return
	}
	if len(op.allowedUsers) > 0 {
		if _, ok := op.allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Commands addressed as /status@botname in group chats.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	audit := operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     time.Now().UTC(),
		Command:  meta.Raw,
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
	}
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "pause", "resume":
		pause := cmd == "pause"
		audit.Action = cmd
		audit.PausedBefore = a.isPaused()
		audit.PausedAfter = a.setPaused(pause)
		a.auditOperatorEvent(ctx, audit)
		switch {
		case pause && audit.PausedBefore:
			return "entries already paused", nil
		case pause:
			return "entries paused; active positions run to completion", nil
		case !audit.PausedBefore:
			return "entries already active", nil
		default:
			return "entries resumed", nil
		}
	case "close":
		if len(args) != 1 {
			return "", errors.New("usage: /close <position_id>")
		}
		if !a.Stop(args[0], "operator") {
			return "", fmt.Errorf("position %s is not active", args[0])
		}
		audit.Action = "close"
		audit.PositionIDs = []string{args[0]}
		a.auditOperatorEvent(ctx, audit)
		return fmt.Sprintf("closing %s", args[0]), nil
	case "closeall":
		ids := a.StopAll("operator")
		audit.Action = "close_all"
		audit.PositionIDs = ids
		a.auditOperatorEvent(ctx, audit)
		if len(ids) == 0 {
			return "no active positions", nil
		}
		return fmt.Sprintf("closing %d position(s): %s", len(ids), strings.Join(ids, ", ")), nil
	case "dismiss":
		if len(args) != 1 {
			return "", errors.New("usage: /dismiss <position_id>")
		}
		if a.isActive(args[0]) {
			return "", fmt.Errorf("position %s is still active; use /close", args[0])
		}
		if err := state.ClearActivePosition(ctx, a.store, args[0]); err != nil {
			return "", err
		}
		audit.Action = "dismiss"
		audit.PositionIDs = []string{args[0]}
		a.auditOperatorEvent(ctx, audit)
		return fmt.Sprintf("dismissed %s", args[0]), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) operatorStatus(ctx context.Context) string {
	lines := []string{
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("pair: %s %s long / %s %s short",
			a.venueA.Gateway.Name(), a.venueA.Symbol, a.venueB.Gateway.Name(), a.venueB.Symbol),
	}
	active := a.activeSnapshots()
	lines = append(lines, fmt.Sprintf("active: %d", len(active)))
	for _, p := range active {
		line := fmt.Sprintf("  %s %s filled=%.6f/%.6f slippage=%.2fbps imbalance=%.2f",
			p.ID, p.Status, p.LegA.FilledSize, p.LegB.FilledSize, p.SlippageBps, p.Imbalance())
		if !p.MarkedAt.IsZero() {
			line += fmt.Sprintf(" upnl=%.4f", p.UnrealizedPnL)
		}
		lines = append(lines, line)
	}
	if leftovers, err := state.LoadActivePositions(ctx, a.store); err == nil {
		var stale []string
		for _, p := range leftovers {
			if !a.isActive(p.ID) {
				stale = append(stale, p.ID)
			}
		}
		if len(stale) > 0 {
			lines = append(lines, "needs attention: "+strings.Join(stale, ", "))
		}
	}
	if records, err := state.LoadTradeRecords(ctx, a.store, 3); err == nil && len(records) > 0 {
		lines = append(lines, "recent:")
		for _, r := range records {
			lines = append(lines, fmt.Sprintf("  %s %s pnl=%.4f slippage=%.2fbps", r.PositionID, r.Outcome, r.PnL, r.SlippageBps))
		}
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - entries, active positions and recent trades",
		"/pause - stop opening new positions",
		"/resume - resume opening positions",
		"/close <id> - close one active position now",
		"/closeall - close every active position now",
		"/dismiss <id> - forget a position left over from a previous run",
	}, "\n")
}

func (a *App) isActive(id string) bool {
	a.activeMu.Lock()
	defer a.activeMu.Unlock()
	_, ok := a.active[id]
	return ok
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
