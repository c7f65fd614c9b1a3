// Package embedded carries the flasher stub resources bundled into the
// binary. Each stub ships as a JSON object converted from the esptool
// build output: entry point, text/data load addresses and base64 section
// bytes.
package embedded

import (
	"embed"
)

//go:embed stubs/*.json
var stubs embed.FS

// Stub returns the raw stub JSON for the named chip, or false when no
// stub is bundled for it.
func Stub(chip string) ([]byte, bool) {
	data, err := stubs.ReadFile("stubs/" + chip + ".json")
	if err != nil {
		return nil, false
	}
	return data, true
}
