// Package sqlassets embeds the SQL shipped with the binaries: the control
// database schema and the ordered tenant database migrations.
package sqlassets

import _ "embed"

//go:embed schema/control/control.sql
var ControlSchemaSQL string

//go:embed schema/tenant/0001_identity.sql
var tenantIdentitySQL string

//go:embed schema/tenant/0002_people_consent.sql
var tenantPeopleSQL string

//go:embed schema/tenant/0003_gates_recognition.sql
var tenantGatesSQL string

//go:embed schema/tenant/0004_messaging.sql
var tenantMessagingSQL string

// Migration is one versioned tenant schema step.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// TenantMigrations lists tenant database migrations in apply order. Append
// only; never edit a shipped migration.
var TenantMigrations = []Migration{
	{Version: 1, Name: "identity", SQL: tenantIdentitySQL},
	{Version: 2, Name: "people_consent", SQL: tenantPeopleSQL},
	{Version: 3, Name: "gates_recognition", SQL: tenantGatesSQL},
	{Version: 4, Name: "messaging", SQL: tenantMessagingSQL},
}
