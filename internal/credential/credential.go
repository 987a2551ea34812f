// Package credential resolves a CredentialRef (env or inline) to a usable
// API key, per spec §6.
package credential

import (
	"fmt"
	"os"

	"novelaire/internal/errs"
	"novelaire/internal/llm"
)

// Resolve resolves ref to a usable credential string. An "env" ref looks up
// ref.Identifier as an environment variable name; a missing variable is a
// typed auth error. An "inline" ref returns ref.Identifier verbatim.
func Resolve(ref llm.CredentialRef) (string, error) {
	switch ref.Kind {
	case "env":
		v := os.Getenv(ref.Identifier)
		if v == "" {
			return "", errs.New(errs.Auth, fmt.Sprintf("credential env var %q is not set", ref.Identifier))
		}
		return v, nil
	case "inline":
		if ref.Identifier == "" {
			return "", errs.New(errs.Auth, "inline credential has an empty identifier")
		}
		return ref.Identifier, nil
	default:
		return "", errs.New(errs.Auth, fmt.Sprintf("unknown credential kind %q", ref.Kind))
	}
}
