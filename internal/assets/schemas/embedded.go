// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so that editors and the CLI can use
// them regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// JobManifestSchema is the embedded job-manifest JSON schema.
//
// Printed by "keyscan manifest schema"; point a manifest's $schema at a
// saved copy for editor completion.
//
//go:embed job-manifest.schema.json
var JobManifestSchema []byte
