// Package bundle assembles enriched search hits into a deterministic
// markdown-with-citations context bundle for downstream LLM consumption.
//
// Given identical inputs the output is byte-identical: section order is
// fixed (text, image, video, keyframe), numeric formatting uses the C locale
// with one decimal for durations and integer pixel dimensions, and citation
// markers are 1-based within each section.
package bundle

import (
	"fmt"
	"strings"
)

// transcriptionExcerptLen caps video transcription text in the bundle.
const transcriptionExcerptLen = 500

// Citation identifies the source of one rendered item.
type Citation struct {
	Source     string `json:"source"`
	Type       string `json:"type"`
	DocumentID string `json:"document_id"`
	CreatedAt  string `json:"created_at"`
}

// Section is one rendered modality block.
type Section struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Count   int    `json:"count"`
}

// Bundle is the assembled context artifact embedded in search responses and
// frozen into search sessions.
type Bundle struct {
	Query          string     `json:"query"`
	Sections       []Section  `json:"sections"`
	UnifiedContext string     `json:"unified_context"`
	TotalResults   int        `json:"total_results"`
	ContextLength  int        `json:"context_length"`
	Citations      []Citation `json:"citations"`
}

// Item is one enriched hit in bundle-input form. ContentType is one of
// text, image, video, keyframe.
type Item struct {
	ContentType string

	// Content carries chunk text for text, caption for image and keyframe,
	// transcription for video.
	Content  string
	Filename string

	Width    int
	Height   int
	Duration float64

	// Timestamp is the keyframe offset into its parent video, seconds.
	Timestamp float64

	ViewURL  string
	Citation Citation
}

// sectionOrder fixes the partition order of the bundle.
var sectionOrder = []string{"text", "image", "video", "keyframe"}

var sectionTitles = map[string]string{
	"text":     "Relevant Text Content",
	"image":    "Relevant Images",
	"video":    "Relevant Video Content",
	"keyframe": "Video Keyframes",
}

// Assemble builds the context bundle from enriched hits. Input order within
// each content type is preserved; callers pass hits already ranked.
func Assemble(query string, items []Item) *Bundle {
	byType := make(map[string][]Item, len(sectionOrder))
	for _, it := range items {
		byType[it.ContentType] = append(byType[it.ContentType], it)
	}

	b := &Bundle{
		Query:     query,
		Sections:  []Section{},
		Citations: []Citation{},
	}

	for _, t := range sectionOrder {
		group := byType[t]
		if len(group) == 0 {
			continue
		}
		section := Section{
			Type:    t,
			Title:   sectionTitles[t],
			Content: renderSection(t, group),
			Count:   len(group),
		}
		b.Sections = append(b.Sections, section)
		b.TotalResults += len(group)
		for _, it := range group {
			b.Citations = append(b.Citations, it.Citation)
		}
	}

	b.UnifiedContext = renderUnified(query, b.Sections)
	b.ContextLength = len(b.UnifiedContext)
	return b
}

func renderSection(contentType string, items []Item) string {
	entries := make([]string, len(items))
	for i, it := range items {
		n := i + 1
		switch contentType {
		case "text":
			entries[i] = fmt.Sprintf("[%d] %s\n    Source: %s", n, it.Content, it.Filename)
		case "image":
			caption := it.Content
			if caption == "" {
				caption = "(no caption)"
			}
			entries[i] = fmt.Sprintf("[IMG-%d] %s\n    Source: %s\n    Size: %dx%d\n    View: %s",
				n, caption, it.Filename, it.Width, it.Height, it.ViewURL)
		case "video":
			entries[i] = fmt.Sprintf("[VID-%d] %s\n    Source: %s\n    Duration: %.1f seconds\n    Watch: %s",
				n, excerpt(it.Content), it.Filename, it.Duration, it.ViewURL)
		case "keyframe":
			entries[i] = fmt.Sprintf("[KF-%d] %s\n    Source: %s\n    Video Keyframe (%.1fs)\n    View: %s",
				n, it.Content, it.Filename, it.Timestamp, it.ViewURL)
		}
	}
	return strings.Join(entries, "\n\n")
}

func renderUnified(query string, sections []Section) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Search Results for: %s\n\n", query)

	total := 0
	for _, s := range sections {
		total += s.Count
	}
	fmt.Fprintf(&sb, "Found %d relevant items across %d content types\n", total, len(sections))

	for _, s := range sections {
		fmt.Fprintf(&sb, "\n## %s (%d items)\n\n%s\n", s.Title, s.Count, s.Content)
	}
	return sb.String()
}

// excerpt truncates transcriptions to the first 500 characters with an
// ellipsis marker.
func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= transcriptionExcerptLen {
		return s
	}
	return string(r[:transcriptionExcerptLen]) + "..."
}
