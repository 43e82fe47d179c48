package param

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDeclaration is the root of every error returned by Resolve.
var ErrDeclaration = errors.New("parameter declaration error")

var (
	ErrMissingParameter    = fmt.Errorf("%w: missing parameter", ErrDeclaration)
	ErrUnexpectedParameter = fmt.Errorf("%w: unexpected parameter", ErrDeclaration)
	ErrMismatchedBundling  = fmt.Errorf("%w: mismatched bundling", ErrDeclaration)
	ErrInvalidBundled      = fmt.Errorf("%w: invalid bundled parameter", ErrDeclaration)
	ErrEmptyBatch          = fmt.Errorf("%w: empty batch", ErrDeclaration)
)

// DeclarationError reports every offending parameter of one failure class at
// once, rather than one name per attempt.
type DeclarationError struct {
	// Kind is one of ErrMissingParameter, ErrUnexpectedParameter,
	// ErrMismatchedBundling, ErrInvalidBundled or ErrEmptyBatch.
	Kind error
	// Names lists the offending parameters.
	Names []string
	// Lengths holds the observed lengths for ErrMismatchedBundling and
	// ErrInvalidBundled.
	Lengths map[string]int
}

func (e *DeclarationError) Error() string {
	var b strings.Builder
	switch e.Kind {
	case ErrMissingParameter:
		fmt.Fprintf(&b, "missing %d required parameter%s: %s", len(e.Names), plural(len(e.Names)), quoteJoin(e.Names))
	case ErrUnexpectedParameter:
		fmt.Fprintf(&b, "unexpected parameter%s: %s", plural(len(e.Names)), quoteJoin(e.Names))
	case ErrMismatchedBundling:
		b.WriteString("non-bundled parameters that are not tuple or dict parameters must all have the same length; found lengths: ")
		b.WriteString(formatLengths(e.Names, e.Lengths))
	case ErrInvalidBundled:
		fmt.Fprintf(&b, "bundled parameter %s must be a single value, not %s; create separate instances per value or declare it as a tuple or dict parameter",
			quoteJoin(e.Names), formatLengths(e.Names, e.Lengths))
	case ErrEmptyBatch:
		fmt.Fprintf(&b, "parameter%s %s %s empty; an instance needs at least one task",
			plural(len(e.Names)), quoteJoin(e.Names), isAre(len(e.Names)))
	default:
		fmt.Fprintf(&b, "%v: %s", e.Kind, quoteJoin(e.Names))
	}
	return b.String()
}

func (e *DeclarationError) Unwrap() error {
	return e.Kind
}

func isAre(n int) string {
	if n == 1 {
		return "is"
	}
	return "are"
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func quoteJoin(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return strings.Join(quoted, ", ")
}

func formatLengths(names []string, lengths map[string]int) string {
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", n, lengths[n]))
	}
	return strings.Join(parts, ", ")
}
