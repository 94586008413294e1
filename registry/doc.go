// Package registry talks to a Docker Registry v2 endpoint and its token
// service.
//
// The client exchanges a repository scope for a bearer token, resolves a
// tag into a manifest index, resolves a single manifest by digest, and
// opens blob streams. It performs no caching and no retries; callers that
// need token reuse wrap it with a [TokenCache].
//
// Image names passed to the client must already be in canonical
// "namespace/repository" form. Use [NormalizeName] to convert bare
// official image names such as "nginx" into "library/nginx".
package registry
