package bundle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textItem(content, filename string) Item {
	return Item{
		ContentType: "text",
		Content:     content,
		Filename:    filename,
		Citation:    Citation{Source: filename, Type: "text"},
	}
}

func TestAssembleTextSection(t *testing.T) {
	items := []Item{
		textItem("This is the first chunk of text content.", "test.txt"),
		textItem("This is the second chunk of text content.", "test.txt"),
	}

	b := Assemble("test query", items)

	require.Len(t, b.Sections, 1)
	section := b.Sections[0]
	assert.Equal(t, "text", section.Type)
	assert.Equal(t, "Relevant Text Content", section.Title)
	assert.Equal(t, 2, section.Count)
	assert.Contains(t, section.Content, "[1] This is the first chunk of text content.")
	assert.Contains(t, section.Content, "[2] This is the second chunk of text content.")
	assert.Contains(t, section.Content, "    Source: test.txt")
}

func TestAssembleImageSection(t *testing.T) {
	items := []Item{{
		ContentType: "image",
		Content:     "A test image caption",
		Filename:    "test.jpg",
		Width:       1920,
		Height:      1080,
		ViewURL:     "/artifacts/image/doc1",
		Citation:    Citation{Source: "test.jpg", Type: "image"},
	}}

	b := Assemble("test query", items)

	require.Len(t, b.Sections, 1)
	content := b.Sections[0].Content
	assert.Contains(t, content, "[IMG-1] A test image caption")
	assert.Contains(t, content, "Source: test.jpg")
	assert.Contains(t, content, "Size: 1920x1080")
	assert.Contains(t, content, "View: /artifacts/image/doc1")
}

func TestAssembleImageCaptionFallback(t *testing.T) {
	items := []Item{{ContentType: "image", Filename: "raw.png"}}

	b := Assemble("q", items)

	assert.Contains(t, b.Sections[0].Content, "[IMG-1] (no caption)")
}

func TestAssembleVideoSection(t *testing.T) {
	items := []Item{{
		ContentType: "video",
		Content:     "This is a test video transcription with some content.",
		Filename:    "test.mp4",
		Duration:    120.5,
		ViewURL:     "/artifacts/video/doc1",
	}}

	b := Assemble("test query", items)

	content := b.Sections[0].Content
	assert.Contains(t, content, "[VID-1] This is a test video transcription")
	assert.Contains(t, content, "Source: test.mp4")
	assert.Contains(t, content, "Duration: 120.5 seconds")
	assert.Contains(t, content, "Watch: /artifacts/video/doc1")
}

func TestAssembleVideoTranscriptionExcerpt(t *testing.T) {
	long := strings.Repeat("a", 600)
	items := []Item{{ContentType: "video", Content: long, Filename: "v.mp4"}}

	b := Assemble("q", items)

	content := b.Sections[0].Content
	assert.Contains(t, content, strings.Repeat("a", 500)+"...")
	assert.NotContains(t, content, strings.Repeat("a", 501))
}

func TestAssembleKeyframeSection(t *testing.T) {
	items := []Item{{
		ContentType: "keyframe",
		Content:     "A test keyframe caption",
		Filename:    "test.mp4",
		Timestamp:   5.0,
		ViewURL:     "/artifacts/keyframe/kf1",
	}}

	b := Assemble("test query", items)

	content := b.Sections[0].Content
	assert.Contains(t, content, "[KF-1] A test keyframe caption")
	assert.Contains(t, content, "Source: test.mp4")
	assert.Contains(t, content, "Video Keyframe (5.0s)")
	assert.Contains(t, content, "View: /artifacts/keyframe/kf1")
}

func TestAssembleSectionOrder(t *testing.T) {
	// Input deliberately out of section order.
	items := []Item{
		{ContentType: "keyframe", Content: "kf", Filename: "v.mp4"},
		{ContentType: "video", Content: "vid", Filename: "v.mp4"},
		{ContentType: "image", Content: "img", Filename: "i.jpg"},
		textItem("txt", "t.txt"),
	}

	b := Assemble("q", items)

	require.Len(t, b.Sections, 4)
	assert.Equal(t, "text", b.Sections[0].Type)
	assert.Equal(t, "image", b.Sections[1].Type)
	assert.Equal(t, "video", b.Sections[2].Type)
	assert.Equal(t, "keyframe", b.Sections[3].Type)
	assert.Equal(t, 4, b.TotalResults)
}

func TestAssembleUnifiedContext(t *testing.T) {
	items := []Item{
		textItem("alpha", "a.txt"),
		textItem("beta", "a.txt"),
		{ContentType: "image", Content: "gamma", Filename: "b.jpg"},
	}

	b := Assemble("test query", items)

	assert.Contains(t, b.UnifiedContext, "# Search Results for: test query")
	assert.Contains(t, b.UnifiedContext, "Found 3 relevant items across 2 content types")
	assert.Contains(t, b.UnifiedContext, "## Relevant Text Content (2 items)")
	assert.Contains(t, b.UnifiedContext, "## Relevant Images (1 items)")
	assert.Equal(t, len(b.UnifiedContext), b.ContextLength)
}

func TestAssembleCitationsFollowSectionOrder(t *testing.T) {
	items := []Item{
		{ContentType: "image", Citation: Citation{Source: "b.jpg", Type: "image"}},
		{ContentType: "text", Content: "x", Citation: Citation{Source: "a.txt", Type: "text"}},
	}

	b := Assemble("q", items)

	require.Len(t, b.Citations, 2)
	assert.Equal(t, "a.txt", b.Citations[0].Source)
	assert.Equal(t, "b.jpg", b.Citations[1].Source)
}

func TestAssembleEmpty(t *testing.T) {
	b := Assemble("test query", nil)

	assert.Equal(t, "test query", b.Query)
	assert.Empty(t, b.Sections)
	assert.Zero(t, b.TotalResults)
	assert.Contains(t, b.UnifiedContext, "# Search Results for: test query")
	assert.Contains(t, b.UnifiedContext, "Found 0 relevant items across 0 content types")
	assert.Empty(t, b.Citations)
}

func TestAssembleDeterministic(t *testing.T) {
	items := []Item{
		textItem("one", "a.txt"),
		{ContentType: "image", Content: "two", Filename: "b.jpg", Width: 10, Height: 20, ViewURL: "/v"},
		{ContentType: "video", Content: "three", Filename: "c.mp4", Duration: 42.0},
		{ContentType: "keyframe", Content: "four", Filename: "c.mp4", Timestamp: 1.5},
	}

	first := Assemble("determinism", items)
	for i := 0; i < 10; i++ {
		again := Assemble("determinism", items)
		assert.Equal(t, first.UnifiedContext, again.UnifiedContext)
		assert.Equal(t, first.Sections, again.Sections)
		assert.Equal(t, first.Citations, again.Citations)
	}
}
