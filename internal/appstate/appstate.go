// Package appstate bundles the long-lived singletons the rest of the
// process shares. It exists so constructors can hand one value around
// instead of six.
package appstate

import (
	"github.com/rs/zerolog"

	"familycalendar/internal/auth"
	"familycalendar/internal/config"
	"familycalendar/internal/hub"
	"familycalendar/internal/perm"
	"familycalendar/internal/store"
	"familycalendar/internal/supervisor"
)

type State struct {
	Config   *config.Manager
	Store    *store.Store
	Perms    *perm.Manager
	Auth     *auth.Service
	Hub      *hub.Hub
	Registry *hub.Registry
	Tasks    *supervisor.Supervisor
	Log      zerolog.Logger
}
