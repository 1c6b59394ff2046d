package extract

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/kalambet/casepipe/internal/storage"
)

type textStrategy struct{}

func (textStrategy) Name() string               { return "text" }
func (textStrategy) Kind() storage.ArtifactKind { return storage.ArtifactText }

func (textStrategy) Extract(ctx context.Context, src Source) (string, error) {
	if utf8.Valid(src.Data) {
		return string(src.Data), nil
	}
	return strings.ToValidUTF8(string(src.Data), "�"), nil
}

type htmlStrategy struct{}

func (htmlStrategy) Name() string               { return "html" }
func (htmlStrategy) Kind() storage.ArtifactKind { return storage.ArtifactText }

// skipped elements carry no visible text.
var skipped = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "head": true,
}

func (htmlStrategy) Extract(ctx context.Context, src Source) (string, error) {
	doc, err := html.Parse(bytes.NewReader(src.Data))
	if err != nil {
		// html.Parse only fails on reader errors; fall back to the raw text.
		return string(src.Data), nil
	}

	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipped[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				lines = append(lines, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(lines, "\n"), nil
}
