// Package phrase turns analysis output and message text into the short
// context phrase handed to the reply generator. Every function is pure.
package phrase

import (
	"strings"

	"groupbot/internal/domain"
)

const (
	// Image is used when no analysis is available.
	Image = "image"
	// Sticker is used for sticker-style media that is never analyzed.
	Sticker = "sticker"
)

// FromAnalysis builds "<top label> with <class>, <class>" from the merged
// model output. Detection classes keep their case, order and duplicates.
func FromAnalysis(r *domain.AnalysisResult) string {
	if r == nil {
		return Image
	}

	base := strings.ToLower(r.TopLabel())
	if base == "" {
		base = Image
	}
	if len(r.Detections) == 0 {
		return base
	}

	classes := make([]string, len(r.Detections))
	for i, d := range r.Detections {
		classes[i] = d.Class
	}
	return base + " with " + strings.Join(classes, ", ")
}

// FromText wraps a text body verbatim.
func FromText(body string) string {
	return `text message saying "` + body + `"`
}
