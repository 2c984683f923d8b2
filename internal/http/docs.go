// package http contains the request and response types that cross the
// boundary between the transport core and the protocol parsers. the package
// name is meant to be same with the standard library so that the parsers
// read naturally.
//
// the package also contains some type and value aliases from standard
// library to avoid annoying imports
package http

import (
	"net/http"
)

type Header = http.Header

var NoBody = http.NoBody
