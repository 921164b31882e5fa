// Package write implements the ordered pipeline that turns a
// (class, query, data, identity) tuple into a persisted object while
// enforcing per-class schema, ACLs, role membership and lifecycle hooks.
package write

import (
	"context"

	"github.com/omnibase/omnibase/pkg/authproviders"
	"github.com/omnibase/omnibase/pkg/cache"
	"github.com/omnibase/omnibase/pkg/config"
	"github.com/omnibase/omnibase/pkg/identity"
	"github.com/omnibase/omnibase/pkg/logger"
	"github.com/omnibase/omnibase/pkg/storage"
	"github.com/omnibase/omnibase/pkg/triggers"
)

// Server bundles the collaborators shared by every write of a deployment.
// Instances may be safely shared by multiple goroutines.
type Server struct {
	datastore storage.Datastore
	cfg       *config.Config

	userCache *cache.UserCache
	roleCache *cache.RoleCache
	ids       *identity.Deps

	triggers  *triggers.Registry
	providers *authproviders.Registry

	files     FilesController
	users     UserController
	liveQuery LiveQueryController

	logger logger.Logger
}

type ServerOpt func(*Server)

func WithLogger(l logger.Logger) ServerOpt {
	return func(s *Server) { s.logger = l }
}

func WithFilesController(f FilesController) ServerOpt {
	return func(s *Server) { s.files = f }
}

func WithUserController(u UserController) ServerOpt {
	return func(s *Server) { s.users = u }
}

func WithLiveQueryController(lq LiveQueryController) ServerOpt {
	return func(s *Server) { s.liveQuery = lq }
}

func NewServer(datastore storage.Datastore, cfg *config.Config, opts ...ServerOpt) (*Server, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}

	s := &Server{
		datastore: datastore,
		cfg:       cfg,
		userCache: cache.NewUserCache(),
		roleCache: cache.NewRoleCache(),
		triggers:  triggers.NewRegistry(),
		providers: authproviders.NewRegistry(),
		files:     noopFilesController{},
		users:     noopUserController{},
		liveQuery: noopLiveQueryController{},
		logger:    logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ids = &identity.Deps{
		Datastore: datastore,
		UserCache: s.userCache,
		RoleCache: s.roleCache,
		Logger:    s.logger,
	}
	return s, nil
}

// IdentityDeps exposes the dependency bundle identities are built against,
// so the routing layer can resolve session tokens with the same caches.
func (s *Server) IdentityDeps() *identity.Deps {
	return s.ids
}

// Triggers exposes the hook registry for cloud-code registration.
func (s *Server) Triggers() *triggers.Registry {
	return s.triggers
}

// Providers exposes the third-party auth provider registry.
func (s *Server) Providers() *authproviders.Registry {
	return s.providers
}

// CreateSession persists a session payload built by the session package,
// running it through the write pipeline under a master identity.
func (s *Server) CreateSession(ctx context.Context, payload storage.Object) (*Result, error) {
	w, err := s.NewWrite(identity.Master(s.ids), "_Session", nil, payload, nil, nil)
	if err != nil {
		return nil, err
	}
	return w.Execute(ctx)
}

// Close releases the caches. The datastore is owned by the caller.
func (s *Server) Close() {
	s.userCache.Stop()
	s.roleCache.Stop()
}
