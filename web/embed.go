package web

import "embed"

// Templates embeds transactional email templates.
//
//go:embed templates/email/*.html
var Templates embed.FS
