package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/always-cache/offline-cache/rfc9111"
)

const storedAtHeaderName = "Offline-Cache-Stored-At"

type TimedResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was put in the cache.
	StoredAt time.Time
}

// BytesToStoredResponse parses a response previously serialized with
// StoredResponseToBytes. The request is set as the response request and may be nil.
func BytesToStoredResponse(b []byte, req *http.Request) (TimedResponse, error) {
	sRes := TimedResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, fmt.Errorf("read stored response: %w", err)
	}
	sRes.Response = res
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		sRes.StoredAt = time.UnixMilli(storedAt)
	}
	res.Header.Del(storedAtHeaderName)
	return sRes, nil
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the response,
// with the fields that must not be stored removed.
// The response body is consumed and replaced, so the response can still be
// sent to the client afterwards.
func StoredResponseToBytes(sRes TimedResponse) ([]byte, error) {
	res := sRes.Response
	body, err := ReadBody(res)
	if err != nil {
		return nil, err
	}

	stored := &http.Response{
		Status:        res.Status,
		StatusCode:    res.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        rfc9111.StorableHeader(res.Header),
		ContentLength: int64(len(body)),
	}
	if len(body) > 0 {
		stored.Body = io.NopCloser(bytes.NewReader(body))
	}
	stored.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixMilli(), 10))

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, fmt.Errorf("write stored response: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadBody reads the complete response body and sets it back on the response,
// with ContentLength adjusted accordingly.
func ReadBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.ContentLength = 0
		return nil, nil
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	return body, nil
}
