// Package all registers every storage backend with the storage factory.
// Binaries import it for side effects; config selects the backend.
package all

import (
	_ "github.com/microsoft/go-mssqldb"

	_ "healthetl/internal/storage/mssql"
	_ "healthetl/internal/storage/postgres"
	_ "healthetl/internal/storage/sqlite"
)
