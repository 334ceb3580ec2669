// Package trending scores recent token activity across all tracked wallets
// and feeds the hottest tokens to trending triggers.
package trending

import (
	"sort"

	"tradeflow/internal/storage"
	"tradeflow/internal/trigger"
)

// Scoring weights.
const (
	BuyerWeight = 10.0
	BuyWeight   = 2.0
	SellWeight  = 1.0
)

// Score rates one token's activity. Distinct buyers dominate, repeated buys
// add less, sells subtract. The result is scaled by the buy share of traded
// volume and never negative.
func Score(a *storage.TokenActivity) float64 {
	raw := BuyerWeight*float64(a.DistinctBuyers) + BuyWeight*float64(a.Buys) - SellWeight*float64(a.Sells)
	if raw <= 0 {
		return 0
	}
	total := a.BuyVolume + a.SellVolume
	if total <= 0 {
		return raw
	}
	return raw * a.BuyVolume / total
}

// Rank scores activity and returns the top n tokens with at least minBuyers
// distinct buyers, highest score first. Ties order by chain then token.
func Rank(activity []*storage.TokenActivity, minBuyers, n int) []trigger.HotToken {
	var hot []trigger.HotToken
	for _, a := range activity {
		if a.DistinctBuyers < minBuyers {
			continue
		}
		score := Score(a)
		if score <= 0 {
			continue
		}
		hot = append(hot, trigger.HotToken{Chain: a.Chain, Token: a.Token, Score: score})
	}

	sort.SliceStable(hot, func(i, j int) bool {
		if hot[i].Score != hot[j].Score {
			return hot[i].Score > hot[j].Score
		}
		if hot[i].Chain != hot[j].Chain {
			return hot[i].Chain < hot[j].Chain
		}
		return hot[i].Token < hot[j].Token
	})
	if n > 0 && len(hot) > n {
		hot = hot[:n]
	}
	return hot
}
