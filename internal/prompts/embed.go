// Package prompts provides the embedded manager definitions and prompt templates, with
// override support, and composes the full prompt handed to an agent.
package prompts

import "embed"

//go:embed managers/*.md assignment/*.md shared/*.md skills/*.md
var embeddedFS embed.FS
