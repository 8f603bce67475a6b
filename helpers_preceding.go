// gocodeintel/helpers_preceding.go
// Re-derives the nearest trigger before a position, reconciling the generic
// backward scan with the identifier-run ("names") probe.
package gocodeintel

// ============================================================================
// Preceding Trigger Resolution
// ============================================================================

const (
	// precedingScanLimit bounds the generic backward scan, in bytes.
	precedingScanLimit = 200
	// namesMinRun is the identifier length a names trigger needs to be useful.
	namesMinRun = 3
	// namesRestart compensates for the lookahead a names trigger consumed.
	namesRestart = 2
)

// Terminators maps characters that end a backward scan to the style class
// they must carry to count.
type Terminators map[byte]StyleClass

// DefaultTerminators stops the scan at statement and block boundaries.
var DefaultTerminators = Terminators{
	';': ClassDefault,
	'{': ClassDefault,
	'}': ClassDefault,
}

// triggerChars are the characters the generic scan re-detects after.
var triggerChars = [256]bool{' ': true, '(': true, '.': true, '"': true}

// PrecedingTrigger finds the trigger that applies to the token starting at
// scanPos while the cursor is at cursorPos. The returned Session must be
// passed to the next call for the same buffer.
func PrecedingTrigger(acc Accessor, scanPos, cursorPos int, terms Terminators, sess Session) (Trigger, bool, Session) {
	if acc == nil {
		return Trigger{}, false, sess
	}
	if terms == nil {
		terms = DefaultTerminators
	}

	genericFrom := scanPos
	if scanPos != cursorPos && sess.lastWasNames() {
		genericFrom = min(scanPos+namesRestart, acc.Len())
	}
	trg, ok := genericPrecedingTrigger(acc, genericFrom, cursorPos, terms)
	names, namesOK := namesTrigger(acc, scanPos, cursorPos)

	trg, ok = reconcile(trg, ok, names, namesOK, sess)
	if ok {
		sess = Session{LastKind: trg.Kind, HasLast: true}
	}
	return trg, ok, sess
}

// reconcile picks between the generic trigger and the names trigger. The one
// closer to the cursor wins; on a tie the names trigger wins unless the
// previous resolution was itself a names trigger.
func reconcile(generic Trigger, genericOK bool, names Trigger, namesOK bool, sess Session) (Trigger, bool) {
	if !namesOK {
		return generic, genericOK
	}
	switch {
	case !genericOK:
		return names, true
	case generic.Pos == names.Pos:
		if sess.lastWasNames() {
			return generic, true
		}
		return names, true
	case generic.Pos < names.Pos:
		return names, true
	default:
		return generic, true
	}
}

// namesTrigger probes the identifier run ending at scanPos (or just before
// the cursor when scanPos is the cursor).
func namesTrigger(acc Accessor, scanPos, cursorPos int) (Trigger, bool) {
	if scanPos <= 0 {
		return Trigger{}, false
	}
	pos := scanPos
	if pos == cursorPos {
		pos--
	}
	style := acc.StyleAt(pos)
	if style.Class() != ClassWord {
		return Trigger{}, false
	}
	ac := NewAccessorCache(acc, pos)
	prevPos, _, _, found := ac.PrecedingPosCharStyle(style)
	if !found || pos-prevPos <= namesMinRun {
		return Trigger{}, false
	}
	trg, ok := Detect(acc, prevPos+namesMinRun+1, false)
	if !ok {
		return Trigger{}, false
	}
	if trg.Kind == KindAny {
		trg.Kind = KindNames
	}
	return trg, true
}

// genericPrecedingTrigger walks back from pos looking for a trigger character
// that Detect accepts. Comments and string contents are skipped, as are
// balanced parenthesized groups, so an argument list resolves to its call.
func genericPrecedingTrigger(acc Accessor, pos, cursorPos int, terms Terminators) (Trigger, bool) {
	if pos != cursorPos {
		// Looking for a trigger strictly before one already found at pos.
		if _, ok := Detect(acc, pos, false); ok {
			pos--
		}
	}
	limit := max(pos-precedingScanLimit, 0)
	depth := 0
	for p := pos - 1; p >= limit; p-- {
		ch := acc.CharAt(p)
		class := acc.StyleAt(p).Class()
		switch class {
		case ClassComment:
			continue
		case ClassString:
			if ch != '"' && ch != '\'' && ch != '`' {
				continue
			}
		}
		if want, isTerm := terms[ch]; isTerm && want == class {
			return Trigger{}, false
		}
		if class == ClassDefault {
			switch ch {
			case ')':
				depth++
				continue
			case '(':
				if depth > 0 {
					depth--
					continue
				}
			}
		}
		if depth > 0 || !triggerChars[ch] {
			continue
		}
		if trg, ok := Detect(acc, p+1, false); ok {
			return trg, true
		}
	}
	return Trigger{}, false
}
