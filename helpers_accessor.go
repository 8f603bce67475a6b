// gocodeintel/helpers_accessor.go
// Style-tagged buffer access: per-byte lexical styles and a backward-scanning cursor.
package gocodeintel

import (
	"bytes"
	"go/scanner"
	"go/token"
)

// ============================================================================
// Styles
// ============================================================================

// Style is the lexical category of a single buffer byte.
type Style uint8

const (
	StyleDefault Style = iota // Whitespace and anything not covered by a token.
	StyleComment
	StyleCommentLine
	StyleCommentDoc
	StyleIdentifier
	StyleWord  // Reserved keyword.
	StyleWord2 // Predeclared identifier or builtin function.
	StyleNumber
	StyleOperator
	StyleString
	StyleChar
	StyleStringEOL // Unterminated string or rune literal.
)

// StyleClass is the coarse grouping the trigger logic works with.
type StyleClass uint8

const (
	ClassDefault StyleClass = iota // Default, operator, number.
	ClassWord
	ClassString
	ClassComment
)

// Class folds a fine-grained style into its StyleClass.
func (s Style) Class() StyleClass {
	switch s {
	case StyleIdentifier, StyleWord, StyleWord2:
		return ClassWord
	case StyleString, StyleChar, StyleStringEOL:
		return ClassString
	case StyleComment, StyleCommentLine, StyleCommentDoc:
		return ClassComment
	default:
		return ClassDefault
	}
}

// ============================================================================
// Accessor
// ============================================================================

// Accessor exposes character and style queries over buffer text.
// Out-of-range positions report a zero byte and StyleDefault.
type Accessor interface {
	CharAt(pos int) byte
	StyleAt(pos int) Style
	Text() []byte
	Len() int
}

// TextAccessor styles a Go source buffer with go/scanner.
type TextAccessor struct {
	text   []byte
	styles []Style
}

// NewTextAccessor lexes text once and returns an accessor over it.
// Lexing never fails: malformed input is styled as far as the scanner gets.
func NewTextAccessor(text []byte) *TextAccessor {
	a := &TextAccessor{text: text, styles: make([]Style, len(text))}
	a.lex()
	return a
}

func (a *TextAccessor) CharAt(pos int) byte {
	if pos < 0 || pos >= len(a.text) {
		return 0
	}
	return a.text[pos]
}

func (a *TextAccessor) StyleAt(pos int) Style {
	if pos < 0 || pos >= len(a.styles) {
		return StyleDefault
	}
	return a.styles[pos]
}

func (a *TextAccessor) Text() []byte { return a.text }
func (a *TextAccessor) Len() int     { return len(a.text) }

func (a *TextAccessor) lex() {
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(a.text))

	// The scanner reports unterminated literals at their start offset.
	unterminated := make(map[int]bool)
	errh := func(pos token.Position, msg string) {
		unterminated[pos.Offset] = true
	}

	var s scanner.Scanner
	s.Init(file, a.text, errh, scanner.ScanComments)
	for {
		pos, tok, lit := s.Scan()
		if tok == token.EOF {
			break
		}
		if tok == token.SEMICOLON && lit != ";" {
			continue // Inserted at a newline or EOF; no source text.
		}
		off := file.Offset(pos)
		end := a.tokenEnd(off, tok, lit)
		a.fill(off, end, a.styleFor(off, tok, lit, unterminated))
	}
}

func (a *TextAccessor) styleFor(off int, tok token.Token, lit string, unterminated map[int]bool) Style {
	switch {
	case tok == token.COMMENT:
		switch {
		case bytes.HasPrefix(a.text[off:], []byte("/**")), bytes.HasPrefix(a.text[off:], []byte("///")):
			return StyleCommentDoc
		case bytes.HasPrefix(a.text[off:], []byte("//")):
			return StyleCommentLine
		default:
			return StyleComment
		}
	case tok == token.STRING:
		if unterminated[off] {
			return StyleStringEOL
		}
		return StyleString
	case tok == token.CHAR:
		if unterminated[off] {
			return StyleStringEOL
		}
		return StyleChar
	case tok == token.IDENT:
		if IsPredeclared(lit) {
			return StyleWord2
		}
		return StyleIdentifier
	case IsReservedKeyword(lit):
		return StyleWord
	case tok == token.INT, tok == token.FLOAT, tok == token.IMAG:
		return StyleNumber
	case tok.IsOperator():
		return StyleOperator
	default:
		return StyleDefault
	}
}

// tokenEnd finds the exclusive end offset of a token. Literal text from the
// scanner has carriage returns stripped in comments and raw strings, so those
// are measured against the source instead.
func (a *TextAccessor) tokenEnd(off int, tok token.Token, lit string) int {
	src := a.text
	switch {
	case tok == token.COMMENT && bytes.HasPrefix(src[off:], []byte("//")):
		if i := bytes.IndexByte(src[off:], '\n'); i >= 0 {
			return off + i
		}
		return len(src)
	case tok == token.COMMENT:
		if i := bytes.Index(src[off+2:], []byte("*/")); i >= 0 {
			return off + 2 + i + 2
		}
		return len(src)
	case tok == token.STRING && off < len(src) && src[off] == '`':
		if i := bytes.IndexByte(src[off+1:], '`'); i >= 0 {
			return off + 1 + i + 1
		}
		return len(src)
	case lit != "":
		return min(off+len(lit), len(src))
	default:
		return min(off+len(tok.String()), len(src))
	}
}

func (a *TextAccessor) fill(start, end int, style Style) {
	for i := max(start, 0); i < end && i < len(a.styles); i++ {
		a.styles[i] = style
	}
}

// ============================================================================
// Accessor Cache (backward scanning cursor)
// ============================================================================

// AccessorCache is a cursor over an Accessor for style-aware backward scans.
// Pos is the position of the last character visited; a new cache starts at
// the position it was created with.
type AccessorCache struct {
	acc Accessor
	pos int
}

// NewAccessorCache returns a cursor positioned at pos.
func NewAccessorCache(acc Accessor, pos int) *AccessorCache {
	return &AccessorCache{acc: acc, pos: pos}
}

// Pos returns the current cursor position.
func (c *AccessorCache) Pos() int { return c.pos }

// PeekPrev returns the character before the cursor without moving.
func (c *AccessorCache) PeekPrev() (pos int, ch byte, style Style, ok bool) {
	p := c.pos - 1
	if p < 0 || p >= c.acc.Len() {
		return -1, 0, StyleDefault, false
	}
	return p, c.acc.CharAt(p), c.acc.StyleAt(p), true
}

// PrecedingPosCharStyle moves back from the cursor to the nearest character
// whose style differs from cur. ok is false when the start of the buffer is
// reached first; the cursor is then left at -1.
func (c *AccessorCache) PrecedingPosCharStyle(cur Style) (pos int, ch byte, style Style, ok bool) {
	p := min(c.pos-1, c.acc.Len()-1)
	for ; p >= 0; p-- {
		if s := c.acc.StyleAt(p); s != cur {
			c.pos = p
			return p, c.acc.CharAt(p), s, true
		}
	}
	c.pos = -1
	return -1, 0, StyleDefault, false
}

// TextBackWithStyle returns the run of style-styled text ending at the cursor
// (inclusive) and the run's start offset. The cursor moves to the character
// before the run.
func (c *AccessorCache) TextBackWithStyle(style Style) (start int, text string) {
	end := c.pos
	if end < 0 || end >= c.acc.Len() {
		return end + 1, ""
	}
	start = end
	for start > 0 && c.acc.StyleAt(start-1) == style {
		start--
	}
	c.pos = start - 1
	return start, string(c.acc.Text()[start : end+1])
}
