package policy

import "strings"

// splitConjuncts splits an expression on top-level "&&", honoring
// parentheses, brackets and string literals
func splitConjuncts(expr string) []string {
	var (
		parts []string
		depth int
		quote byte
		start int
	)
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '&':
			if depth == 0 && i+1 < len(expr) && expr[i+1] == '&' {
				parts = append(parts, strings.TrimSpace(expr[start:i]))
				i++
				start = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(expr[start:]))
	return parts
}

// wrapsWhole reports whether expr is a single balanced group wrapped in
// one pair of parentheses
func wrapsWhole(expr string) bool {
	if len(expr) < 2 || expr[0] != '(' || expr[len(expr)-1] != ')' {
		return false
	}
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(expr)-1 {
				return false
			}
		}
	}
	return depth == 0
}

// unwrap strips as many whole-expression parentheses as expr carries
func unwrap(expr string) string {
	expr = strings.TrimSpace(expr)
	for wrapsWhole(expr) {
		expr = strings.TrimSpace(expr[1 : len(expr)-1])
	}
	return expr
}

// normalizeSpace collapses whitespace runs to single spaces
func normalizeSpace(expr string) string {
	return strings.Join(strings.Fields(expr), " ")
}
