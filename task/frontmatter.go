package task

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const fence = "---"

// frontMatterDoc is the YAML shape written between the `---` fences. It
// embeds Task's modeled fields via a plain map so that unknown fields
// round-trip untouched (§6: "Unknown fields are preserved verbatim").
type frontMatterDoc map[string]any

// encodeTask renders a task to its on-disk markdown representation:
// a YAML front-matter block followed by the body.
func encodeTask(t *Task) ([]byte, error) {
	doc, err := taskToDoc(t)
	if err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}
	_ = enc.Close()

	var out bytes.Buffer
	out.WriteString(fence)
	out.WriteByte('\n')
	out.Write(buf.Bytes())
	out.WriteString(fence)
	out.WriteByte('\n')
	if t.Body != "" {
		out.WriteByte('\n')
		out.WriteString(t.Body)
		if !strings.HasSuffix(t.Body, "\n") {
			out.WriteByte('\n')
		}
	}
	return out.Bytes(), nil
}

// decodeTask parses a task markdown file's bytes into a Task, preserving
// front-matter fields the store doesn't model in extra.
func decodeTask(raw []byte) (*Task, error) {
	text := string(raw)
	if !strings.HasPrefix(text, fence) {
		return nil, fmt.Errorf("%w: missing front-matter fence", ErrIO)
	}
	rest := text[len(fence):]
	end := strings.Index(rest, "\n"+fence)
	if end == -1 {
		return nil, fmt.Errorf("%w: unterminated front-matter fence", ErrIO)
	}
	yamlPart := strings.TrimPrefix(rest[:end], "\n")
	// Drop the closing fence's own newline, then the blank separator line
	// encodeTask writes before a non-empty body.
	body := strings.TrimPrefix(strings.TrimPrefix(rest[end+len(fence)+1:], "\n"), "\n")

	var doc frontMatterDoc
	if err := yaml.Unmarshal([]byte(yamlPart), &doc); err != nil {
		return nil, fmt.Errorf("%w: parse front matter: %v", ErrIO, err)
	}

	t, err := docToTask(doc)
	if err != nil {
		return nil, err
	}
	t.Body = body
	return t, nil
}

// taskToDoc flattens a Task into a map, merging back any preserved unknown
// fields from a prior load.
func taskToDoc(t *Task) (frontMatterDoc, error) {
	b, err := yaml.Marshal(t)
	if err != nil {
		return nil, err
	}
	var doc frontMatterDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	for k, v := range t.extra {
		if _, known := doc[k]; !known {
			doc[k] = v
		}
	}
	return doc, nil
}

// docToTask lifts the modeled fields back out of the map and stashes
// everything else in extra.
func docToTask(doc frontMatterDoc) (*Task, error) {
	b, err := yaml.Marshal(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	var t Task
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	known := knownFrontMatterKeys()
	extra := map[string]any{}
	for k, v := range doc {
		if !known[k] {
			extra[k] = v
		}
	}
	t.extra = extra
	return &t, nil
}

func knownFrontMatterKeys() map[string]bool {
	return map[string]bool{
		"schemaVersion": true, "id": true, "project": true, "title": true,
		"status": true, "priority": true, "routing": true, "dependsOn": true,
		"parentId": true, "resource": true, "lease": true, "gate": true,
		"gateHistory": true, "reviewContext": true, "createdAt": true,
		"updatedAt": true, "lastTransitionAt": true, "createdBy": true,
		"metadata": true,
	}
}
