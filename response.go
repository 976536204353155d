package httpio

// Response is what Client.Fetch returns on a successful transfer. Body
// streams the response payload; it is always non-nil, even for a
// response that turned out to carry zero bytes (the Body then closes
// as soon as the empty stream reaches its end).
type Response struct {
	StatusCode int
	Status     string // e.g. "200 OK"
	Proto      string
	Header     *Header
	Body       *Body

	// ContentLength mirrors the Content-Length header when present and
	// framing was fixed-length, -1 when the body was chunked or was
	// gzip-decoded, and -2 when the body is read until connection close.
	ContentLength int64
}
