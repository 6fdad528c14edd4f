// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package sqlitedriver registers the pure-Go SQLite database/sql
// driver under the name "sqlite3" so stores work without CGO.
//
// Import this package for its side effects only:
//
//	import _ "github.com/alicoding/studio-ai-sub007/internal/sqlitedriver"
package sqlitedriver

import (
	"database/sql"

	"modernc.org/sqlite"
)

func init() {
	sql.Register("sqlite3", &sqlite.Driver{})
}
