// Package rest exposes entities of a model.Registry as REST resources.
//
// A route template names resources and their identifying placeholders; nesting a
// resource under another restricts it to rows related to the parent:
//
//	Route                          Request                      Result
//	-----------------------------  ---------------------------  ---------------------------------
//	GET    /users                  /users?age=22&order=-name    users aged 22, by name descending
//	GET    /users/:id              /users/1                     user 1
//	GET    /users/:id/channels     /users/1/channels            channels user 1 subscribes to
//	GET    /users/:id/channels/:id /users/1/channels/2          channel 2, if user 1 subscribes
//	POST   /channels/:id/contents  /channels/1/contents         content created with channel_id 1
//	PATCH  /users/:id              /users/1                     user 1 with the body applied
//	DELETE /users/:id              /users/1                     204, user 1 removed
//
// A placeholder may reuse a name at several depths, as :id does above; each value is
// matched to the resource it follows.
//
// Query parameters:
//
//	Parameter        | Description
//	-----------------|-----------------------------------------------------------
//	?field=value     | Equality filter on a field of the target entity
//	?name=value      | Configured transformer, e.g. search -> name ILIKE %value%
//	?order=field     | Ascending order; ?order=-field sorts descending
//	?perPage=10      | Page size, capped at MaxPageSize (alias: ?items=10)
//	?page=2          | Zero-based page, applied with perPage only
//
// Unknown parameters are ignored. Without perPage no pagination is applied.
//
// Status codes: 200 for list, show and update, 201 for create, 204 for destroy, 400 for
// rejected payloads, 404 for unknown resources and missing entities and 405 for a method
// the route shape does not support.
//
// Example usage:
//
//	registry := model.NewRegistry(user, channel)
//	buddy := rest.New(registry, memstore.New(), rest.Options{MaxPageSize: 50})
//
//	r := httputil.NewRouter()
//	r.Handle("GET /users/:id/channels", buddy.Handler())
//	r.Handle("POST /users", buddy.Middleware(http.HandlerFunc(myResponder)))
//	log.Fatal(r.ListenAndServe(":8080"))
//
// myResponder reads the result with rest.OutcomeFrom(r) and the per-resource path
// parameters with rest.ParamsFrom(r).
package rest
