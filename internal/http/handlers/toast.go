package handlers

import (
	"strings"
)

// toast is a transient message the console shows once.
type toast struct {
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func newToast(category, title, description string) *toast {
	t := &toast{
		Category:    normalizeToastCategory(category),
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
	}
	if t.Title == "" && t.Description == "" {
		return nil
	}
	return t
}

func normalizeToastCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case "success", "error", "warning", "info":
		return strings.ToLower(strings.TrimSpace(category))
	default:
		return "info"
	}
}
