// Package backend holds the completion backend clients used by the relay.
//
// HTTPBackend reads the whole response body as text before decoding it:
//
//   - markup (HTML/XML) is apierr.KindUpstreamProtocol with a snippet
//   - a decoded error field, a payload status/code that disagrees with the
//     transport status, or a non-2xx status is apierr.KindUpstreamBusiness
//     carrying the upstream message verbatim
//   - transport failures are apierr.KindNetwork
//
// NullBackend is the degraded path for deployments without an endpoint.
// GeminiBackend calls a model directly and always sees message content.
package backend
