// Package pkg provides the core libraries for osfexport.
//
// # Overview
//
// osfexport turns an OSF project, with every nested component, into one
// navigable PDF or HTML document. The pkg directory is organized by stage:
//
//  1. [osf] - API client (JSON:API paging, retries, caching, auth)
//  2. [resolve] - Build the project forest from one root or all roots
//  3. [aggregate] - Fetch metadata, contributors, files and wikis per node
//  4. [render] - Assemble a document and encode it as PDF or HTML
//  5. [export] - Orchestration (resolve → aggregate → render → write)
//
// # Architecture
//
// The data flow of a single export:
//
//	OSF API v2
//	     ↓
//	[osf] client + service (paged, cached, retried)
//	     ↓
//	[resolve] project registry (frontier by frontier)
//	     ↓
//	[aggregate] node content, degrading per section
//	     ↓
//	[render] document → PDF / HTML / Chrome PDF
//
// # Quick Start
//
//	client := osf.NewClient(cache.NewNullCache(), osf.WithToken(token))
//	runner := export.NewRunner(osf.NewService(client), export.Options{Workers: 4})
//	res, err := runner.Execute(ctx, export.Request{RootID: "abc12", Dest: "out"})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.Paths, len(res.Issues))
//
// # Main Packages
//
// [project] - Domain model: nodes, the registry keyed by ID, and the issue
// log recording every part that could not be retrieved.
//
// [errors] - Error codes shared by every stage. [errors.Fatal] marks the
// codes that abort an export rather than degrade it.
//
// [httputil] - Retry with backoff and Retry-After handling.
//
// [cache] - Response caches: file, Redis, MongoDB, and a no-op cache.
//
// [observability] - Hooks for stages, cache and HTTP, with a Prometheus
// implementation.
//
// [config] - Layered TOML and environment configuration.
//
// [server] - HTTP service exposing exports to other tools.
//
// [osf]: https://pkg.go.dev/github.com/matzehuels/osfexport/pkg/osf
// [resolve]: https://pkg.go.dev/github.com/matzehuels/osfexport/pkg/resolve
// [aggregate]: https://pkg.go.dev/github.com/matzehuels/osfexport/pkg/aggregate
// [render]: https://pkg.go.dev/github.com/matzehuels/osfexport/pkg/render
// [export]: https://pkg.go.dev/github.com/matzehuels/osfexport/pkg/export
// [project]: https://pkg.go.dev/github.com/matzehuels/osfexport/pkg/project
// [errors]: https://pkg.go.dev/github.com/matzehuels/osfexport/pkg/errors
// [errors.Fatal]: https://pkg.go.dev/github.com/matzehuels/osfexport/pkg/errors#Fatal
// [httputil]: https://pkg.go.dev/github.com/matzehuels/osfexport/pkg/httputil
// [cache]: https://pkg.go.dev/github.com/matzehuels/osfexport/pkg/cache
// [observability]: https://pkg.go.dev/github.com/matzehuels/osfexport/pkg/observability
// [config]: https://pkg.go.dev/github.com/matzehuels/osfexport/pkg/config
// [server]: https://pkg.go.dev/github.com/matzehuels/osfexport/pkg/server
package pkg
