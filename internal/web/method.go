package web

// Method is an HTTP request method. Methods outside the standard set are kept verbatim.
type Method string

const (
	GET     Method = "GET"
	POST    Method = "POST"
	PUT     Method = "PUT"
	DELETE  Method = "DELETE"
	PATCH   Method = "PATCH"
	OPTIONS Method = "OPTIONS"
	HEAD    Method = "HEAD"
	TRACE   Method = "TRACE"
	CONNECT Method = "CONNECT"
)

// ParseMethod maps a request-line method to a Method. Matching is case-sensitive,
// as on the wire; unknown methods are returned as-is.
func ParseMethod(s string) Method {
	return Method(s)
}

// IsStandard reports whether m is one of the nine methods defined by RFC 9110.
func (m Method) IsStandard() bool {
	switch m {
	case GET, POST, PUT, DELETE, PATCH, OPTIONS, HEAD, TRACE, CONNECT:
		return true
	}
	return false
}

func (m Method) String() string {
	return string(m)
}
