package runtime

import (
	"fmt"
	"strings"
)

// CapturedOutput is the text a guest left in its stdio sinks.
type CapturedOutput struct {
	Stdout string
	Stderr string
}

// ExtractPayload returns the first stdout line that opens a structured
// payload ('{' or '['), trimmed of surrounding whitespace. Runtime banners
// and interpreter diagnostics around it are discarded. Stderr is never
// scanned.
func ExtractPayload(out CapturedOutput) (string, error) {
	lines := strings.FieldsFunc(out.Stdout, func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			return trimmed, nil
		}
	}
	return "", fmt.Errorf("%w in %d bytes of output", ErrNoPayloadFound, len(out.Stdout))
}
