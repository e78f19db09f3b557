package mail

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

type listState struct {
	ordered bool
	n       int
}

// PlainBody flattens markdown (as language models tend to produce) into the
// plain paragraphs of a letter. Emphasis markers and HTML are dropped, list
// items keep one line each, paragraphs are separated by a blank line.
func PlainBody(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}
	src := []byte(md)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var out, cur strings.Builder
	var lists []*listState

	flush := func() {
		s := strings.TrimRight(cur.String(), " \t\n")
		cur.Reset()
		if strings.TrimSpace(s) == "" {
			return
		}
		out.WriteString(s)
		if len(lists) > 0 {
			out.WriteString("\n")
		} else {
			out.WriteString("\n\n")
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				cur.Write(node.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					cur.WriteString("\n")
				}
			}
		case *ast.String:
			if entering {
				cur.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				cur.Write(node.URL(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML, *ast.HTMLBlock, *ast.ThematicBreak:
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					cur.Write(seg.Value(src))
				}
				flush()
			}
			return ast.WalkSkipChildren, nil
		case *ast.List:
			if entering {
				flush()
				lists = append(lists, &listState{ordered: node.IsOrdered(), n: node.Start})
			} else {
				lists = lists[:len(lists)-1]
				if len(lists) == 0 {
					out.WriteString("\n")
				}
			}
		case *ast.ListItem:
			if entering {
				ls := lists[len(lists)-1]
				cur.WriteString(strings.Repeat("  ", len(lists)-1))
				if ls.ordered {
					cur.WriteString(fmt.Sprintf("%d. ", ls.n))
					ls.n++
				} else {
					cur.WriteString("- ")
				}
			}
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
			if !entering {
				flush()
			}
		}
		return ast.WalkContinue, nil
	})
	flush()

	return strings.TrimSpace(out.String())
}
