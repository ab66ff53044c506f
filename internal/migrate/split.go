package migrate

import "strings"

// Split divides a multi-statement SQL script into discrete executable
// statements. A boundary is a semicolon outside any dollar-quoted block
// ($$ … $$ or $tag$ … $tag$), which is what makes generated migrations
// containing DO $$ … $$ guards survive splitting.
//
// Comment-only fragments and bare BEGIN/COMMIT/ROLLBACK wrappers are
// dropped; the executor manages its own transaction boundaries.
//
// Known limitation: single-quoted string literals containing semicolons
// are split incorrectly; only dollar quoting is tracked. Generated
// migrations never embed bare semicolons in string literals.
func Split(script string) []string {
	var statements []string
	var cur strings.Builder

	inDollar := false
	tag := ""

	i := 0
	for i < len(script) {
		ch := script[i]

		if ch == '$' {
			if !inDollar {
				if t, ok := readDollarTag(script[i:]); ok {
					inDollar = true
					tag = t
					cur.WriteString("$" + t + "$")
					i += len(t) + 2
					continue
				}
			} else {
				// Only the exact opening tag closes the block; $tag1$
				// inside a $$ block (and vice versa) stays literal.
				closing := "$" + tag + "$"
				if strings.HasPrefix(script[i:], closing) {
					inDollar = false
					cur.WriteString(closing)
					i += len(closing)
					continue
				}
			}
		}

		if ch == ';' && !inDollar {
			appendStatement(&statements, &cur)
			i++
			continue
		}

		cur.WriteByte(ch)
		i++
	}

	appendStatement(&statements, &cur)
	return statements
}

// readDollarTag reports whether s starts a dollar-quote delimiter and
// returns its tag. The tag may be empty ($$) or an identifier-like word
// ($body$); it must not start with a digit, which is how $1 parameter
// placeholders stay untouched.
func readDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	j := 1
	for j < len(s) {
		c := s[j]
		if c == '$' {
			return s[1:j], true
		}
		isWord := c == '_' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9' && j > 1)
		if !isWord {
			return "", false
		}
		j++
	}
	return "", false
}

func appendStatement(statements *[]string, cur *strings.Builder) {
	stmt := strings.TrimSpace(cur.String())
	cur.Reset()

	if stmt == "" || isCommentOnly(stmt) || isTxWrapper(stmt) {
		return
	}
	*statements = append(*statements, stmt)
}

// isCommentOnly reports whether every non-blank line is a -- comment.
func isCommentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

// isTxWrapper reports whether the statement is a bare transaction control
// command. The execution layer owns transaction boundaries.
func isTxWrapper(stmt string) bool {
	switch strings.ToUpper(strings.Join(strings.Fields(stmt), " ")) {
	case "BEGIN", "BEGIN TRANSACTION", "START TRANSACTION", "COMMIT", "ROLLBACK", "END":
		return true
	}
	return false
}
