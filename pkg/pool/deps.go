package pool

import (
	"github.com/poolnet/poolnet/pkg/config"
	"github.com/poolnet/poolnet/pkg/events"
	"github.com/poolnet/poolnet/pkg/msgdb"
	"github.com/poolnet/poolnet/pkg/store"
)

// Deps bundles the process-wide collaborators threaded explicitly through
// every pool component.
type Deps struct {
	Cfg     config.Config
	Stores  *store.Manager
	DB      *msgdb.DB
	Bus     *events.Bus
	Updater *events.StateUpdater
}
