package root

import (
	"github.com/narthex-io/narthex/apps/cli/cmd/auth"
	"github.com/narthex-io/narthex/apps/cli/cmd/tenant"
)

func init() {
	Root().AddCommand(auth.Command())
	Root().AddCommand(tenant.Command())
}
