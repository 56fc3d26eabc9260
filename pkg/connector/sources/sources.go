// Package sources registers every built-in connector variant. Import it
// for side effects before calling registry.Create.
package sources

import (
	_ "github.com/ajitpratap0/catalogsync/pkg/connector/sources/desktop"
	_ "github.com/ajitpratap0/catalogsync/pkg/connector/sources/file"
	_ "github.com/ajitpratap0/catalogsync/pkg/connector/sources/midrange"
)
