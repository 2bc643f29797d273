// Package httpheader checks header pairs that are sent on outbound HTTP
// requests, such as the trace exporter's.
package httpheader

import (
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Validate reports whether name and value can be sent as an HTTP header.
func Validate(name, value string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("header name must not be empty")
	}
	if name != strings.TrimSpace(name) {
		return fmt.Errorf("header %q has leading or trailing whitespace", name)
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("header %q has invalid field name", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("header %q has invalid field value", name)
	}
	return nil
}
