// gocodeintel/helpers_trigger.go
// Classifies the editing context at a cursor position into a Trigger.
package gocodeintel

// ============================================================================
// Trigger Detection
// ============================================================================

const (
	// minTriggerPos is the smallest cursor offset that can trigger.
	minTriggerPos = 2
	// importWalkLimit caps the backward walk looking for the import keyword.
	importWalkLimit = 100
)

// Detect classifies the character just before pos. ok is false when nothing
// should trigger: fewer than two preceding characters, or a quote that closes
// an unrelated string literal.
func Detect(acc Accessor, pos int, implicit bool) (trg Trigger, ok bool) {
	if acc == nil || pos < minTriggerPos || pos > acc.Len() {
		return Trigger{}, false
	}
	lastPos := pos - 1
	switch lastChar := acc.CharAt(lastPos); lastChar {
	case '.':
		return newTrigger(FormCompletion, KindObjectMembers, pos, implicit), true
	case '(':
		return newTrigger(FormCalltip, KindCallSignature, pos, implicit), true
	case '\'', '"', '`', '@':
		if acc.StyleAt(lastPos-1) == StyleString {
			return Trigger{}, false
		}
		if followsImportKeyword(acc, pos) {
			return newTrigger(FormCompletion, KindImports, pos, implicit), true
		}
	}
	return newTrigger(FormCompletion, KindAny, pos, implicit), true
}

// followsImportKeyword walks back from the quote before pos over whitespace,
// operators, strings and comments, and reports whether the first word found
// is the import keyword.
func followsImportKeyword(acc Accessor, pos int) bool {
	ac := NewAccessorCache(acc, pos)
	_, _, style, ok := ac.PeekPrev()
	if !ok {
		return false
	}
	for range importWalkLimit {
		_, _, s, found := ac.PrecedingPosCharStyle(style)
		if !found {
			return false
		}
		style = s
		switch {
		case style == StyleWord:
			_, text := ac.TextBackWithStyle(style)
			return text == "import"
		case !skippableBeforeImport(style):
			return false
		}
	}
	return false
}

func skippableBeforeImport(s Style) bool {
	switch s {
	case StyleDefault, StyleOperator, StyleString, StyleComment, StyleCommentDoc, StyleCommentLine:
		return true
	}
	return false
}
