// Package osf is a client for the OSF v2 JSON:API.
//
// # Client
//
// [Client] issues GET requests with the pinned API version and the caller's
// bearer credential, and walks paginated collections lazily:
//
//	c := osf.NewClient(nil, osf.WithToken(token))
//	for node, err := range c.Items(ctx, c.URL("users", "me", "nodes"), osf.Query{}) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(node.ID)
//	}
//
// Failures are classified with [github.com/matzehuels/osfexport/pkg/errors]
// codes. 401 and 403 become AUTHORIZATION and are never retried. 429
// becomes THROTTLED and is retried honouring Retry-After; server and
// network errors are retried too. Once the retry budget is spent the error
// is RETRIEVAL. 404 is NOT_FOUND, which [IgnoreNotFound] turns into an
// empty result for optional sub-resources.
//
// # Decoding
//
// [DecodeNode], [DecodeContributor], [DecodeFile], [DecodeWiki] and
// [DecodeCustomMetadata] are pure functions from a raw [Resource] to model
// values. They default missing fields and report each repair as a
// VALIDATION issue.
//
// # Service
//
// [Service] maps the OSF endpoints a project export needs onto the model
// and is the production fetcher for both the resolver and the aggregator.
package osf
