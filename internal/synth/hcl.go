package synth

import (
	"fmt"
	"regexp"
	"strings"
)

// blockPattern matches a resource, data, or module block header.
var blockPattern = regexp.MustCompile(`(?m)^\s*(?:(?:resource|data)\s+"[^"]+"\s+"[^"]+"|module\s+"[^"]+")\s*\{`)

// ValidateTerraform checks generated HCL for structural sanity: balanced
// braces and quotes outside comments and heredocs, and at least one
// resource, module, or data block. It is a well-formedness gate, not a
// parser; terraform validate remains the authority at apply time.
func ValidateTerraform(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("terraform code is empty")
	}

	depth := 0
	inBlockComment := false
	heredocLabel := ""

	for lineNo, line := range strings.Split(code, "\n") {
		// Heredoc bodies run until a line holding only the label.
		if heredocLabel != "" {
			if strings.TrimSpace(line) == heredocLabel {
				heredocLabel = ""
			}
			continue
		}

		inString := false
		i := 0
		for i < len(line) {
			c := line[i]

			if inBlockComment {
				if c == '*' && i+1 < len(line) && line[i+1] == '/' {
					inBlockComment = false
					i += 2
					continue
				}
				i++
				continue
			}

			if inString {
				switch {
				case c == '\\':
					i += 2
					continue
				case c == '"':
					inString = false
				}
				i++
				continue
			}

			switch {
			case c == '#':
				i = len(line)
			case c == '/' && i+1 < len(line) && line[i+1] == '/':
				i = len(line)
			case c == '/' && i+1 < len(line) && line[i+1] == '*':
				inBlockComment = true
				i += 2
			case c == '"':
				inString = true
				i++
			case c == '{':
				depth++
				i++
			case c == '}':
				depth--
				if depth < 0 {
					return fmt.Errorf("line %d: unbalanced closing brace", lineNo+1)
				}
				i++
			case c == '<' && i+1 < len(line) && line[i+1] == '<':
				label := strings.TrimSpace(line[i+2:])
				label = strings.TrimPrefix(label, "-")
				label = strings.TrimSpace(label)
				if label == "" {
					return fmt.Errorf("line %d: heredoc without label", lineNo+1)
				}
				heredocLabel = label
				i = len(line)
			default:
				i++
			}
		}

		if inString {
			return fmt.Errorf("line %d: unterminated string", lineNo+1)
		}
	}

	if inBlockComment {
		return fmt.Errorf("unterminated block comment")
	}
	if heredocLabel != "" {
		return fmt.Errorf("unterminated heredoc %q", heredocLabel)
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced braces: %d unclosed", depth)
	}

	if !blockPattern.MatchString(code) {
		return fmt.Errorf("missing resource, module, or data block")
	}

	return nil
}
