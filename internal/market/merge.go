package market

// mergeHistory splices history in front of live candles by bucket key. Live
// entries always win: history only contributes buckets older than the first
// live one. Both inputs must be sorted oldest first.
func mergeHistory(live, history []Candle) []Candle {
	if len(live) == 0 {
		return append([]Candle(nil), history...)
	}
	firstLive := live[0].Key
	cut := 0
	for cut < len(history) && history[cut].Key < firstLive {
		cut++
	}
	merged := make([]Candle, 0, cut+len(live))
	merged = append(merged, history[:cut]...)
	return append(merged, live...)
}
