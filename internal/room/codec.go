package room

import (
	"strconv"
	"time"
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func planFields(plan LessonPlan) map[string]any {
	return map[string]any{
		"title":       plan.Title,
		"description": plan.Description,
		"creatorId":   plan.CreatorID,
		"createdAt":   formatTime(plan.CreatedAt),
		"updatedAt":   formatTime(plan.UpdatedAt),
	}
}

func decodePlan(fields map[string]string) LessonPlan {
	return LessonPlan{
		Title:       fields["title"],
		Description: fields["description"],
		CreatorID:   fields["creatorId"],
		CreatedAt:   parseTime(fields["createdAt"]),
		UpdatedAt:   parseTime(fields["updatedAt"]),
	}
}

func bloqFields(b Bloq) map[string]any {
	return map[string]any{
		"id":        b.ID,
		"title":     b.Title,
		"type":      string(b.Type),
		"content":   b.Content,
		"order":     strconv.Itoa(b.Order),
		"createdAt": formatTime(b.CreatedAt),
		"updatedAt": formatTime(b.UpdatedAt),
	}
}

func decodeBloq(fields map[string]string) (Bloq, bool) {
	if fields["id"] == "" {
		return Bloq{}, false
	}
	order, _ := strconv.Atoi(fields["order"])
	return Bloq{
		ID:        fields["id"],
		Title:     fields["title"],
		Type:      BloqKind(fields["type"]),
		Content:   fields["content"],
		Order:     order,
		CreatedAt: parseTime(fields["createdAt"]),
		UpdatedAt: parseTime(fields["updatedAt"]),
	}, true
}
