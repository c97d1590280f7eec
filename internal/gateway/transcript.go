// ABOUTME: Renders a room's message history as a standalone HTML transcript
// ABOUTME: Message bodies are markdown; raw HTML in them is dropped by goldmark's defaults

package gateway

import (
	"bytes"
	"fmt"
	"html/template"
	"slices"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/2389/coven-rooms/internal/store"
)

var transcriptTmpl = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Name}} transcript</title>
</head>
<body>
<h1>{{.Name}}</h1>
{{range .Entries}}<section class="message">
<p class="meta"><strong>{{.Sender}}</strong> <time datetime="{{.At}}">{{.At}}</time></p>
{{.Body}}
</section>
{{else}}<p>No messages yet.</p>
{{end}}</body>
</html>
`))

type transcriptEntry struct {
	Sender string
	At     string
	Body   template.HTML
}

// renderTranscript converts msgs, newest first as stored, into an HTML page
// ordered oldest first.
func renderTranscript(room *store.Room, msgs []*store.Message) ([]byte, error) {
	entries := make([]transcriptEntry, 0, len(msgs))
	for _, m := range slices.Backward(msgs) {
		var body bytes.Buffer
		if err := goldmark.Convert([]byte(m.Content), &body); err != nil {
			return nil, fmt.Errorf("converting message %s: %w", m.ID, err)
		}
		sender := m.SenderUsername
		if strings.TrimSpace(sender) == "" {
			sender = m.SenderID
		}
		entries = append(entries, transcriptEntry{
			Sender: sender,
			At:     m.CreatedAt.UTC().Format("2006-01-02 15:04:05Z"),
			Body:   template.HTML(body.String()),
		})
	}

	var out bytes.Buffer
	err := transcriptTmpl.Execute(&out, struct {
		Name    string
		Entries []transcriptEntry
	}{Name: room.Name, Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("executing transcript template: %w", err)
	}
	return out.Bytes(), nil
}
