// Package stdlib aggregates every built-in namespace package so that
// importing stdlib alone is enough to register them all with
// internal/registry.
package stdlib

import (
	_ "github.com/voxlogica-project/voxlogica2/internal/stdlib/defaultns"
	_ "github.com/voxlogica-project/voxlogica2/internal/stdlib/simpleitk"
	_ "github.com/voxlogica-project/voxlogica2/internal/stdlib/vox1compat"
)
