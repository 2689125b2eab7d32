// Package tee captures what an in-process handler writes, so it can be handled
// like a response received over the network.
package tee

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
)

// ResponseSaver is an http.ResponseWriter recording the response in HTTP/1.1
// wire format.
type ResponseSaver struct {
	buf          *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
}

func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		buf:    &bytes.Buffer{},
		header: http.Header{},
	}
}

func (rs *ResponseSaver) Header() http.Header {
	return rs.header
}

// WriteHeader records the status line and the header fields.
// Only the first call has an effect, like with a real connection.
func (rs *ResponseSaver) WriteHeader(statusCode int) {
	if rs.wroteHeaders {
		return
	}
	rs.wroteHeaders = true
	rs.status = statusCode
	fmt.Fprintf(rs.buf, "HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode))
	rs.header.Write(rs.buf)
	rs.buf.WriteString("\r\n")
}

func (rs *ResponseSaver) Write(b []byte) (int, error) {
	if !rs.wroteHeaders {
		rs.WriteHeader(http.StatusOK)
	}
	return rs.buf.Write(b)
}

// Flush is a no-op, everything is buffered until the handler returns.
func (rs *ResponseSaver) Flush() {}

// Response returns the recording. A handler that wrote nothing produced an
// empty 200 response.
func (rs *ResponseSaver) Response() []byte {
	if !rs.wroteHeaders {
		rs.WriteHeader(http.StatusOK)
	}
	return rs.buf.Bytes()
}

// Result parses the recording. Without a Content-Length set by the handler,
// the body extends to the end of the recording.
func (rs *ResponseSaver) Result(req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(rs.Response())), req)
}

func (rs *ResponseSaver) StatusCode() int {
	return rs.status
}
