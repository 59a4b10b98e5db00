package app

import (
	"dn-pair-bot/internal/risk"
	"dn-pair-bot/internal/timescale"
)

// recordQuotes queues the tickers the entry gate saw, approved or not.
func (a *App) recordQuotes(snaps ...risk.AccountSnapshot) {
	if a.timescale == nil {
		return
	}
	for _, snap := range snaps {
		t := snap.Ticker
		at := t.UpdatedAt
		if at.IsZero() {
			at = snap.TakenAt
		}
		a.timescale.EnqueueQuote(timescale.QuoteSample{
			Time:      at.UTC(),
			Venue:     snap.Venue,
			Symbol:    t.Symbol,
			Bid:       t.Bid,
			Ask:       t.Ask,
			SpreadBps: t.SpreadBps,
		})
	}
}
