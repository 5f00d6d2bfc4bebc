package auth

import "net/http"

// Navigator is the client side of a redirect flow: it reads the incoming request,
// stores cookies and performs redirects. Bridge operations that need a client
// are no-ops when the navigator is nil.
type Navigator interface {
	Request() *http.Request
	SetCookie(cookie *http.Cookie)
	Redirect(location string)
}

type httpNavigator struct {
	writer  http.ResponseWriter
	request *http.Request
}

// NewHTTPNavigator binds a Navigator to an HTTP exchange. It returns nil when
// either side is missing.
func NewHTTPNavigator(w http.ResponseWriter, r *http.Request) Navigator {
	if w == nil || r == nil {
		return nil
	}
	return &httpNavigator{writer: w, request: r}
}

func (n *httpNavigator) Request() *http.Request {
	return n.request
}

func (n *httpNavigator) SetCookie(cookie *http.Cookie) {
	http.SetCookie(n.writer, cookie)
}

func (n *httpNavigator) Redirect(location string) {
	http.Redirect(n.writer, n.request, location, http.StatusFound)
}
