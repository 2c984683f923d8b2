// package transport contains implementations to requirements on *message syntaxes*
// defined by http related RFCs, behind the [Parser] boundary the connections
// feed bytes through.
//
// as of 2022.06, RFCs that were to define HTTP/1.1 (RFC753x) are obsoleted by:
//
//	HTTP Semantics (RFC9110)
//	HTTP Caching (RFC9111) and
//	HTTP/1.1 (RFC9112)
//
// only HTTP/1.1 is registered by default. other protocols plug in through
// [Register] and are then offered over ALPN.
//
// net/http components are reused on the "semantics" part ([net/http.Header], etc.)

package transport
