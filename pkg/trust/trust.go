// Package trust scores how much a status can be relied on from its recent history.
package trust

import (
	"math"

	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	// HistoryWindow is the number of most recent history entries that contribute to a score
	HistoryWindow = 10

	maxScore           = 100
	noHistoryUnhealthy = 50

	recentUnhealthyPenalty = 30
	recentDegradedPenalty  = 15
	unhealthyRatioWeight   = 40
	degradedRatioWeight    = 20
)

// Score computes the trust score for current given history ordered newest first.
// Only the first HistoryWindow entries are considered. The result is always within [0, 100].
func Score(current models.Health, history []models.StatusHistoryEntry) int {
	if len(history) == 0 {
		if current == models.HealthHealthy {
			return maxScore
		}
		return noHistoryUnhealthy
	}

	if len(history) > HistoryWindow {
		history = history[:HistoryWindow]
	}

	score := float64(maxScore)
	switch history[0].Health {
	case models.HealthUnhealthy:
		score -= recentUnhealthyPenalty
	case models.HealthDegraded:
		score -= recentDegradedPenalty
	}

	var unhealthy, degraded int
	for _, entry := range history {
		switch entry.Health {
		case models.HealthUnhealthy:
			unhealthy++
		case models.HealthDegraded:
			degraded++
		}
	}
	total := float64(len(history))
	score -= float64(unhealthy) / total * unhealthyRatioWeight
	score -= float64(degraded) / total * degradedRatioWeight

	return clamp(int(math.Round(score)))
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
