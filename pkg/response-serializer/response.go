package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Sync-Stored-At"

// TimedResponse is a response snapshot together with the moment it was stored.
type TimedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock when the snapshot was written to the cache.
	// Needed for the freshness sweep.
	StoredAt time.Time
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the snapshot.
// The stored-at time travels as an extra header, which is removed again on read.
func StoredResponseToBytes(sRes TimedResponse) ([]byte, error) {
	header := make(http.Header, len(sRes.Header)+1)
	for name, values := range sRes.Header {
		header[name] = append([]string(nil), values...)
	}
	// framing is decided by the body length below
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")
	header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixNano(), 10))

	res := &http.Response{
		StatusCode:    sRes.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(sRes.Body)),
		Body:          io.NopCloser(bytes.NewReader(sRes.Body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse reads a snapshot previously written by StoredResponseToBytes.
func BytesToStoredResponse(b []byte) (TimedResponse, error) {
	sRes := TimedResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return sRes, err
	}
	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("Missing stored-at time: %w", err)
	}
	// delete extra headers
	res.Header.Del(storedAtHeaderName)
	res.Header.Del("Content-Length")

	sRes.StatusCode = res.StatusCode
	sRes.Header = res.Header
	sRes.Body = body
	sRes.StoredAt = time.Unix(0, storedAt)
	return sRes, nil
}
