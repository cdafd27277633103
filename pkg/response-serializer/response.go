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

const storedAtHeaderName = "Offline-Stored-At"

// Snapshot is a stored response together with the time it was stored.
type Snapshot struct {
	Response *http.Response
	// The value of the clock at the time the snapshot was taken.
	StoredAt time.Time
}

// SnapshotToBytes returns the HTTP/1.1 representation of the snapshot.
// The response body is read completely and set back, so the response
// can still be sent to a client afterwards.
func SnapshotToBytes(s Snapshot) ([]byte, error) {
	res := s.Response
	if res == nil {
		return nil, fmt.Errorf("Snapshot without response")
	}
	body, err := Buffer(res)
	if err != nil {
		return nil, err
	}

	if res.ProtoMajor == 0 {
		res.ProtoMajor, res.ProtoMinor = 1, 1
	}
	header := res.Header
	res.Header = cloneHeader(header)
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(s.StoredAt.UnixNano(), 10))
	buf := &bytes.Buffer{}
	err = res.Write(buf)
	// set the original header and body back for the caller
	res.Header = header
	res.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToSnapshot converts a stored byte slice back to a snapshot.
// The request is attached to the response, it may be nil.
func BytesToSnapshot(b []byte, req *http.Request) (Snapshot, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return Snapshot{}, err
	}
	// read the body completely, so the snapshot does not depend on b
	if _, err := Buffer(res); err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{Response: res}
	if ns, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		s.StoredAt = time.Unix(0, ns)
	}
	res.Header.Del(storedAtHeaderName)
	return s, nil
}

// Buffer reads the whole response body into memory and replaces the body
// with a re-readable copy. It returns the body bytes.
func Buffer(res *http.Response) ([]byte, error) {
	if res.Header == nil {
		res.Header = http.Header{}
	}
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		res.ContentLength = 0
		return nil, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		// the caller still reads what arrived, then the same error
		res.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), errReader{err}))
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	res.Header.Del("Content-Length")
	return body, nil
}

// Clone returns a copy of the response that can be read independently.
// The original response body is buffered if needed.
func Clone(res *http.Response) (*http.Response, error) {
	body, err := Buffer(res)
	if err != nil {
		return nil, err
	}
	clone := *res
	clone.Header = cloneHeader(res.Header)
	clone.Body = io.NopCloser(bytes.NewReader(body))
	res.Body = io.NopCloser(bytes.NewReader(body))
	return &clone, nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

type errReader struct {
	err error
}

func (r errReader) Read([]byte) (int, error) {
	return 0, r.err
}
