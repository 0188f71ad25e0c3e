package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/fern/pkg/models"
)

func history(healths ...models.Health) []models.StatusHistoryEntry {
	entries := make([]models.StatusHistoryEntry, len(healths))
	for i, h := range healths {
		entries[i].Health = h
	}
	return entries
}

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		current models.Health
		history []models.StatusHistoryEntry
		want    int
	}{
		{name: "no history healthy", current: models.HealthHealthy, want: 100},
		{name: "no history degraded", current: models.HealthDegraded, want: 50},
		{name: "no history unknown", current: models.HealthUnknown, want: 50},
		{
			name:    "all healthy",
			current: models.HealthHealthy,
			history: history(models.HealthHealthy, models.HealthHealthy),
			want:    100,
		},
		{
			// 100 - 30 - (1/1)*40
			name:    "single unhealthy",
			current: models.HealthUnhealthy,
			history: history(models.HealthUnhealthy),
			want:    30,
		},
		{
			// 100 - 15 - (1/4)*20
			name:    "recent degraded",
			current: models.HealthDegraded,
			history: history(models.HealthDegraded, models.HealthHealthy, models.HealthHealthy, models.HealthHealthy),
			want:    80,
		},
		{
			// 100 - (1/3)*40 - (1/3)*20 = 80
			name:    "mixed older failures",
			current: models.HealthHealthy,
			history: history(models.HealthHealthy, models.HealthUnhealthy, models.HealthDegraded),
			want:    80,
		},
		{
			// 100 - 30 - 40
			name:    "floor is respected",
			current: models.HealthUnhealthy,
			history: history(models.HealthUnhealthy, models.HealthUnhealthy, models.HealthUnhealthy),
			want:    30,
		},
		{
			// entries past the window are ignored: 100 - (1/10)*40
			name:    "window of ten",
			current: models.HealthHealthy,
			history: history(
				models.HealthHealthy, models.HealthHealthy, models.HealthHealthy, models.HealthHealthy, models.HealthHealthy,
				models.HealthHealthy, models.HealthHealthy, models.HealthHealthy, models.HealthHealthy, models.HealthUnhealthy,
				models.HealthUnhealthy, models.HealthUnhealthy,
			),
			want: 96,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.current, tt.history)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, 0)
			assert.LessOrEqual(t, got, 100)
		})
	}
}
