// gocodeintel/helpers_langinfo.go
// Keyword tables used by the accessor to tag words.
package gocodeintel

// ============================================================================
// Go Language Info
// ============================================================================

var reservedKeywords = map[string]struct{}{
	"break": {}, "default": {}, "func": {}, "interface": {}, "select": {},
	"case": {}, "defer": {}, "go": {}, "map": {}, "struct": {},
	"chan": {}, "else": {}, "goto": {}, "package": {}, "switch": {},
	"const": {}, "fallthrough": {}, "if": {}, "range": {}, "type": {},
	"continue": {}, "for": {}, "import": {}, "return": {}, "var": {},
}

var predeclaredIdentifiers = map[string]struct{}{
	"bool": {}, "byte": {}, "complex64": {}, "complex128": {}, "error": {},
	"float32": {}, "float64": {}, "int": {}, "int8": {}, "int16": {},
	"int32": {}, "int64": {}, "rune": {}, "string": {}, "uint": {},
	"uint8": {}, "uint16": {}, "uint32": {}, "uint64": {}, "uintptr": {},
	"true": {}, "false": {}, "iota": {}, "nil": {},
}

var predeclaredFunctions = map[string]struct{}{
	"append": {}, "cap": {}, "close": {}, "complex": {}, "copy": {},
	"delete": {}, "imag": {}, "len": {}, "make": {}, "new": {},
	"panic": {}, "print": {}, "println": {}, "real": {}, "recover": {},
}

// IsReservedKeyword reports whether word is a Go keyword.
func IsReservedKeyword(word string) bool {
	_, ok := reservedKeywords[word]
	return ok
}

// IsPredeclared reports whether word is a predeclared identifier or builtin function.
func IsPredeclared(word string) bool {
	if _, ok := predeclaredIdentifiers[word]; ok {
		return true
	}
	_, ok := predeclaredFunctions[word]
	return ok
}
