package a11y

import (
	"context"
	"strings"
)

// Document is a tab or document found inside an application
type Document struct {
	Ref  Ref
	Name string
	Role string
}

// WalkLimits bound a document search
type WalkLimits struct {
	MaxDepth int
	MaxNodes int
}

// DefaultWalkLimits keeps a walk of a busy browser well under a second
func DefaultWalkLimits() WalkLimits {
	return WalkLimits{MaxDepth: 12, MaxNodes: 2000}
}

// isDocumentRole matches "page tab" and the "document ..." family
func isDocumentRole(role string) bool {
	role = strings.ToLower(role)
	return role == "page tab" || role == "document" || strings.HasPrefix(role, "document ")
}

// FindDocuments walks the tree under root breadth first and returns every
// document-like node. Matching nodes are not descended into, so a tab and
// the document it hosts yield one entry. Unreadable nodes are skipped.
func FindDocuments(ctx context.Context, tree Tree, root Ref, limits WalkLimits) ([]Document, error) {
	type queued struct {
		ref   Ref
		depth int
	}

	var docs []Document
	queue := []queued{{ref: root}}
	visited := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return docs, err
		}
		if limits.MaxNodes > 0 && visited >= limits.MaxNodes {
			break
		}

		cur := queue[0]
		queue = queue[1:]
		visited++

		if cur.depth > 0 {
			role, err := tree.RoleName(ctx, cur.ref)
			if err != nil {
				continue
			}
			if isDocumentRole(role) {
				name, _ := tree.Name(ctx, cur.ref)
				docs = append(docs, Document{Ref: cur.ref, Name: name, Role: role})
				continue
			}
		}

		if limits.MaxDepth > 0 && cur.depth >= limits.MaxDepth {
			continue
		}
		children, err := tree.Children(ctx, cur.ref)
		if err != nil {
			if cur.depth == 0 {
				return nil, err
			}
			continue
		}
		for _, child := range children {
			queue = append(queue, queued{ref: child, depth: cur.depth + 1})
		}
	}

	return docs, nil
}

// FrameFor picks the top-level frame of app whose accessible name matches
// title. With no match it returns the only frame, or app itself when the
// application has several.
func FrameFor(ctx context.Context, tree Tree, app Ref, title string) Ref {
	children, err := tree.Children(ctx, app)
	if err != nil {
		return app
	}

	var frames []Ref
	for _, child := range children {
		role, err := tree.RoleName(ctx, child)
		if err != nil || role != "frame" {
			continue
		}
		frames = append(frames, child)
		if name, err := tree.Name(ctx, child); err == nil && name == title {
			return child
		}
	}
	if len(frames) == 1 {
		return frames[0]
	}
	return app
}
