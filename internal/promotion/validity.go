package promotion

import (
	"time"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// IsCurrentlyValid проверяет, действует ли акция в момент now.
// Даты сравниваются без времени в часовом поясе now.
func IsCurrentlyValid(p *domain.Promotion, now time.Time) bool {
	if !p.Active {
		return false
	}

	today := dateOf(now, now.Location())
	if p.StartDate != nil && today.Before(dateOf(*p.StartDate, now.Location())) {
		return false
	}
	if p.EndDate != nil && today.After(dateOf(*p.EndDate, now.Location())) {
		return false
	}

	if len(p.ApplicableDays) > 0 {
		match := false
		for _, d := range p.ApplicableDays {
			if d == now.Weekday() {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if len(p.ApplicableHours) > 0 {
		at := domain.TimeOfDay{Hour: now.Hour(), Minute: now.Minute()}
		for _, r := range p.ApplicableHours {
			if r.Contains(at) {
				return true
			}
		}
		return false
	}
	return true
}

// FilterValid оставляет только действующие акции, сохраняя порядок.
func FilterValid(promotions []domain.Promotion, now time.Time) []domain.Promotion {
	result := make([]domain.Promotion, 0, len(promotions))
	for i := range promotions {
		if IsCurrentlyValid(&promotions[i], now) {
			result = append(result, promotions[i])
		}
	}
	return result
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
