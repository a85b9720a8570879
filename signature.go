package dbus

// Signature is a D-Bus type signature: a string of type codes describing
// the structural type of a value. Signatures are immutable and compare
// structurally (two signatures are equal iff their strings are equal).
type Signature string

const (
	maxSignatureLen = 255
	maxDepthArray   = 32
	maxDepthStruct  = 32
)

// ParseSignature validates s as a sequence of zero or more complete types
// and returns it as a Signature.
func ParseSignature(s string) (Signature, error) {
	if len(s) > maxSignatureLen {
		return "", sigErr(s, 0, "longer than 255 bytes")
	}
	pos := 0
	for pos < len(s) {
		next, err := parseSingleType(s, pos, 0, 0)
		if err != nil {
			return "", err
		}
		pos = next
	}
	return Signature(s), nil
}

// MustParseSignature is like ParseSignature but panics on error. It is
// intended for signature literals.
func MustParseSignature(s string) Signature {
	sig, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

func (s Signature) String() string { return string(s) }

// Empty reports whether the signature contains no types.
func (s Signature) Empty() bool { return len(s) == 0 }

// parseSingleType consumes one complete type starting at pos and returns
// the offset just past it.
func parseSingleType(s string, pos, arrayDepth, structDepth int) (int, error) {
	if pos >= len(s) {
		return 0, sigErr(s, pos, "incomplete type sequence")
	}
	switch s[pos] {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'v', 'h':
		return pos + 1, nil
	case 'a':
		if arrayDepth+1 > maxDepthArray {
			return 0, sigErr(s, pos, "array nesting too deep")
		}
		if pos+1 < len(s) && s[pos+1] == '{' {
			return parseDictEntry(s, pos+1, arrayDepth+1, structDepth)
		}
		return parseSingleType(s, pos+1, arrayDepth+1, structDepth)
	case 'm':
		// Maybe types only occur in the compact encoding, but they are
		// part of the signature grammar either way.
		if arrayDepth+1 > maxDepthArray {
			return 0, sigErr(s, pos, "maybe nesting too deep")
		}
		return parseSingleType(s, pos+1, arrayDepth+1, structDepth)
	case '(':
		if structDepth+1 > maxDepthStruct {
			return 0, sigErr(s, pos, "struct nesting too deep")
		}
		pos++
		if pos < len(s) && s[pos] == ')' {
			return 0, sigErr(s, pos, "empty struct")
		}
		for pos < len(s) && s[pos] != ')' {
			next, err := parseSingleType(s, pos, arrayDepth, structDepth+1)
			if err != nil {
				return 0, err
			}
			pos = next
		}
		if pos >= len(s) {
			return 0, sigErr(s, pos, "unbalanced container")
		}
		return pos + 1, nil
	case ')', '}':
		return 0, sigErr(s, pos, "unbalanced container")
	case '{':
		return 0, sigErr(s, pos, "dict entry outside of array")
	default:
		return 0, sigErr(s, pos, "unexpected character "+string(s[pos]))
	}
}

// parseDictEntry consumes "{kv}" starting at the opening brace.
func parseDictEntry(s string, pos, arrayDepth, structDepth int) (int, error) {
	if structDepth+1 > maxDepthStruct {
		return 0, sigErr(s, pos, "struct nesting too deep")
	}
	pos++ // consume '{'
	if pos >= len(s) {
		return 0, sigErr(s, pos, "unbalanced container")
	}
	if !isBasicTypeCode(s[pos]) {
		return 0, sigErr(s, pos, "dict entry key must be a basic type")
	}
	pos++
	next, err := parseSingleType(s, pos, arrayDepth, structDepth+1)
	if err != nil {
		return 0, err
	}
	pos = next
	if pos >= len(s) || s[pos] != '}' {
		return 0, sigErr(s, pos, "dict entry must hold exactly one key and one value")
	}
	return pos + 1, nil
}

func isBasicTypeCode(c byte) bool {
	switch c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'h':
		return true
	}
	return false
}

// nextType returns the length in bytes of the complete type starting at
// the beginning of s. s must be a valid signature.
func nextType(s string) int {
	switch s[0] {
	case 'a', 'm':
		if len(s) > 1 && s[1] == '{' {
			depth := 0
			for i := 1; i < len(s); i++ {
				switch s[i] {
				case '{':
					depth++
				case '}':
					depth--
					if depth == 0 {
						return i + 1
					}
				}
			}
		}
		return 1 + nextType(s[1:])
	case '(':
		depth := 0
		for i := 0; i < len(s); i++ {
			switch s[i] {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					return i + 1
				}
			}
		}
	}
	return 1
}

// split returns the sequence of complete types making up s.
func (s Signature) split() []Signature {
	var out []Signature
	rest := string(s)
	for len(rest) > 0 {
		n := nextType(rest)
		out = append(out, Signature(rest[:n]))
		rest = rest[n:]
	}
	return out
}

// Alignment returns the wire alignment (1, 2, 4 or 8) of the head type in
// the classic encoding.
func (s Signature) Alignment() int {
	if len(s) == 0 {
		return 1
	}
	switch s[0] {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 'h', 's', 'o', 'a':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	case 'm':
		return Signature(s[1:]).Alignment()
	}
	return 1
}

// fixedSize returns the encoded size of the head type in the classic
// encoding if that size is independent of the value.
func (s Signature) fixedSize() (int, bool) {
	if len(s) == 0 {
		return 0, false
	}
	switch s[0] {
	case 'y':
		return 1, true
	case 'n', 'q':
		return 2, true
	case 'b', 'i', 'u', 'h':
		return 4, true
	case 'x', 't', 'd':
		return 8, true
	case '(', '{':
		// A struct of fixed-size fields has a fixed size itself. The
		// size includes inter-field padding starting from an 8-aligned
		// boundary.
		size := 0
		for _, field := range Signature(s[1 : len(s)-1]).split() {
			fs, ok := field.fixedSize()
			if !ok {
				return 0, false
			}
			size = alignUp(size, field.Alignment()) + fs
		}
		return alignUp(size, 8), true
	}
	return 0, false
}

func alignUp(n, algn int) int {
	return (n + algn - 1) &^ (algn - 1)
}
