package quota

import "github.com/stixly/stickergen"

// AllowList resolves users on the list to the elevated plan and everyone else to standard.
type AllowList struct {
	elevated map[int64]struct{}
}

var _ stickergen.PlanResolver = (*AllowList)(nil)

// NewAllowList creates a resolver from the elevated user ids.
func NewAllowList(elevated ...int64) *AllowList {
	m := make(map[int64]struct{}, len(elevated))
	for _, id := range elevated {
		m[id] = struct{}{}
	}
	return &AllowList{elevated: m}
}

func (a *AllowList) Plan(userID int64) stickergen.Plan {
	if _, ok := a.elevated[userID]; ok {
		return stickergen.PlanElevated
	}
	return stickergen.PlanStandard
}
