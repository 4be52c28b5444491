package format

import (
	"bytes"
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drawvault/drawsync/internal/store"
)

const (
	// FrontmatterKey marks a markdown file as a drawing.
	FrontmatterKey = "tldraw-file"

	dataPhrase  = "!!!!!_START_OF_DRAWING_DATA__DO_NOT_EDIT_THIS_LINE_!!!!!"
	dataOpen    = "```json " + dataPhrase + "\n"
	dataClose   = "\n```"
	commentMark = "%%"
	fence       = "---"
)

// Markdown stores drawings inside markdown notes.
//
//	---
//	tldraw-file: true
//	---
//	free markdown
//	%%
//	```json <data phrase>
//	{"meta": {...}, "raw": {...}}
//	```
//	%%
type Markdown struct{}

type markdownPayload struct {
	Meta markdownMeta    `json:"meta"`
	Raw  *store.Snapshot `json:"raw"`
}

type markdownMeta struct {
	UUID          string `json:"uuid"`
	PluginVersion string `json:"plugin-version,omitempty"`
	EditorVersion string `json:"tldraw-version,omitempty"`
}

// Name implements Codec.Name.
func (Markdown) Name() string { return "markdown" }

// Parse implements Codec.Parse.
//
// A note with front matter but no data block is a freshly created drawing and
// parses to an empty snapshot with a new UUID.
func (Markdown) Parse(text string) (Document, error) {
	if strings.TrimSpace(text) == "" {
		return NewDocument(), nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	fm, rest, err := splitFrontmatter(text)
	if err != nil {
		return Document{}, err
	}

	start := strings.Index(rest, dataOpen)
	if start < 0 {
		doc := NewDocument()
		doc.Meta.Frontmatter = fm
		doc.Meta.Body = rest
		return doc, nil
	}

	body := rest[:start]
	body = strings.TrimSuffix(body, commentMark+"\n")

	data := rest[start+len(dataOpen):]
	end := strings.Index(data, dataClose)
	if end < 0 {
		return Document{}, parseError("unterminated data block")
	}

	var payload markdownPayload
	if err := json.Unmarshal([]byte(data[:end]), &payload); err != nil {
		return Document{}, parseError("data block: %v", err)
	}

	doc := Document{
		Meta: Meta{
			UUID:          payload.Meta.UUID,
			PluginVersion: payload.Meta.PluginVersion,
			EditorVersion: payload.Meta.EditorVersion,
			Frontmatter:   fm,
			Body:          body,
		},
		Snapshot: store.EmptySnapshot(),
	}
	if doc.Meta.UUID == "" {
		doc.Meta.UUID = NewDocument().Meta.UUID
	}
	if payload.Raw != nil {
		snap, err := payload.Raw.Normalize()
		if err != nil {
			return Document{}, parseError("snapshot: %v", err)
		}
		doc.Snapshot = snap
	}
	return doc, nil
}

// Serialize implements Codec.Serialize.
func (Markdown) Serialize(meta Meta, snap store.Snapshot) (string, error) {
	fm, err := markFrontmatter(meta.Frontmatter)
	if err != nil {
		return "", err
	}

	if snap.Store == nil {
		snap.Store = map[string]store.Record{}
	}
	payload := markdownPayload{
		Meta: markdownMeta{
			UUID:          meta.UUID,
			PluginVersion: meta.PluginVersion,
			EditorVersion: meta.EditorVersion,
		},
		Raw: &snap,
	}
	data, err := json.MarshalIndent(payload, "", "\t")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(fence + "\n")
	b.Write(fm)
	b.WriteString(fence + "\n")
	b.WriteString(meta.Body)
	if meta.Body != "" && !strings.HasSuffix(meta.Body, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(commentMark + "\n")
	b.WriteString(dataOpen)
	b.Write(data)
	b.WriteString(dataClose + "\n")
	b.WriteString(commentMark + "\n")
	return b.String(), nil
}

// IsMarkdownDrawing reports whether a note's front matter marks it as a drawing.
func IsMarkdownDrawing(text string) bool {
	fm, _, err := splitFrontmatter(strings.ReplaceAll(text, "\r\n", "\n"))
	if err != nil || fm == nil {
		return false
	}
	var values map[string]any
	if err := fm.Decode(&values); err != nil {
		return false
	}
	v, _ := values[FrontmatterKey].(bool)
	return v
}

// splitFrontmatter returns the parsed YAML header, if any, and the text after it.
func splitFrontmatter(text string) (*yaml.Node, string, error) {
	if !strings.HasPrefix(text, fence+"\n") {
		return nil, text, nil
	}
	after := text[len(fence)+1:]

	var raw, rest string
	switch {
	case strings.HasPrefix(after, fence+"\n"):
		rest = after[len(fence)+1:]
	case after == fence:
		rest = ""
	default:
		end := strings.Index(after, "\n"+fence+"\n")
		if end >= 0 {
			raw, rest = after[:end+1], after[end+len(fence)+2:]
		} else if strings.HasSuffix(after, "\n"+fence) {
			raw, rest = after[:len(after)-len(fence)], ""
		} else {
			return nil, "", parseError("unterminated front matter")
		}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, "", parseError("front matter: %v", err)
	}
	if len(doc.Content) == 0 {
		return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, rest, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, "", parseError("front matter is not a mapping")
	}
	return root, rest, nil
}

// markFrontmatter renders the header with FrontmatterKey set to true,
// preserving the order and values of every other key.
func markFrontmatter(fm *yaml.Node) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if fm != nil {
		copied := *fm
		copied.Content = append([]*yaml.Node(nil), fm.Content...)
		root = &copied
	}

	found := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == FrontmatterKey {
			root.Content[i+1] = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: "true"}
			found = true
			break
		}
	}
	if !found {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: FrontmatterKey},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: "true"},
		)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, parseError("front matter: %v", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
