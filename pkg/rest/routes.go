package rest

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/edgeflare/restbuddy/pkg/httputil"
	"github.com/edgeflare/restbuddy/pkg/model"
	"github.com/edgeflare/restbuddy/pkg/route"
)

var (
	collectionMethods = []string{http.MethodGet, http.MethodPost}
	memberMethods     = []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete}
)

// RouteConfig mounts Path, a template such as /users/:id/channels, for Methods.
type RouteConfig struct {
	Methods []string `mapstructure:"methods" validate:"required,dive,oneof=GET HEAD POST PUT PATCH DELETE"`
	Path    string   `mapstructure:"path" validate:"required,startswith=/"`
}

func (rc RouteConfig) String() string {
	return strings.Join(rc.Methods, ",") + " " + rc.Path
}

// DeriveRoutes lists the routes of every entity in registry: the collection and member
// routes of its table, and one level of nesting for each relation it owns (has-many,
// has-one and many-to-many). Placeholders are named after primary keys so that they
// become conditions on the right field:
//
//	GET,POST                 /users
//	GET,PUT,PATCH,DELETE     /users/:id
//	GET,POST                 /users/:id/channels
//	GET,PUT,PATCH,DELETE     /users/:id/channels/:id
func DeriveRoutes(registry model.Registry) []RouteConfig {
	var routes []RouteConfig
	for _, e := range registry.Entities() {
		base := "/" + e.Table
		routes = append(routes, RouteConfig{Methods: collectionMethods, Path: base})
		if e.PrimaryKey == "" {
			continue
		}
		member := base + "/:" + e.PrimaryKey
		routes = append(routes, RouteConfig{Methods: memberMethods, Path: member})

		for _, rel := range e.Relations {
			if rel.Kind == model.BelongsTo {
				continue
			}
			child, ok := registry.Entity(rel.Target)
			if !ok {
				continue
			}
			nested := member + "/" + child.Table
			routes = append(routes, RouteConfig{Methods: collectionMethods, Path: nested})
			if child.PrimaryKey != "" {
				routes = append(routes, RouteConfig{Methods: memberMethods, Path: nested + "/:" + child.PrimaryKey})
			}
		}
	}
	return routes
}

// Mount registers h on router for every method of every route. Templates are checked
// with route.ParseTemplate before anything is registered.
func Mount(router *httputil.Router, routes []RouteConfig, h http.Handler) error {
	for _, rc := range routes {
		if _, err := route.ParseTemplate(rc.Path); err != nil {
			return fmt.Errorf("mount %s: %w", rc.Path, err)
		}
	}
	for _, rc := range routes {
		for _, m := range rc.Methods {
			if err := router.HandleTemplate(m+" "+rc.Path, h); err != nil {
				return fmt.Errorf("mount %s %s: %w", m, rc.Path, err)
			}
		}
	}
	return nil
}
