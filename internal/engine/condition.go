package engine

import (
	"strings"

	"github.com/mirelk/stepflow/pkg/schema"
)

// evaluateCondition evaluates a condition expression after substitution.
// The grammar is deliberately restricted: boolean literals (true, false,
// 1, 0) and single equality or inequality comparisons (A == B, A != B)
// with string-compared operands. Anything else is an evaluation failure,
// never a silent false.
func evaluateCondition(expr string) (bool, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return false, schema.NewError(schema.ErrCodeConditionFailed, "empty condition expression")
	}

	switch strings.ToLower(s) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}

	if idx := strings.Index(s, "!="); idx >= 0 {
		left, right, err := comparisonOperands(s, idx, len("!="))
		if err != nil {
			return false, err
		}
		return left != right, nil
	}
	if idx := strings.Index(s, "=="); idx >= 0 {
		left, right, err := comparisonOperands(s, idx, len("=="))
		if err != nil {
			return false, err
		}
		return left == right, nil
	}

	return false, schema.NewErrorf(schema.ErrCodeConditionFailed,
		"unsupported condition expression %q", expr)
}

// comparisonOperands extracts the operands around the operator at idx,
// trimmed and unquoted. A missing operand or one still carrying an
// unresolved {{...}} reference is an evaluation failure; only an
// explicitly quoted empty string compares as empty.
func comparisonOperands(expr string, idx, opLen int) (string, string, error) {
	left, leftQuoted := unquote(strings.TrimSpace(expr[:idx]))
	right, rightQuoted := unquote(strings.TrimSpace(expr[idx+opLen:]))

	if (left == "" && !leftQuoted) || (right == "" && !rightQuoted) {
		return "", "", schema.NewErrorf(schema.ErrCodeConditionFailed,
			"missing operand in comparison %q", expr)
	}
	for _, operand := range []string{left, right} {
		if strings.Contains(operand, "{{") || strings.Contains(operand, "}}") {
			return "", "", schema.NewErrorf(schema.ErrCodeConditionFailed,
				"unresolved reference %q in comparison", operand)
		}
	}
	return left, right, nil
}

// unquote strips one pair of matching single or double quotes, reporting
// whether it did.
func unquote(s string) (string, bool) {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'') {
			return s[1 : len(s)-1], true
		}
	}
	return s, false
}
