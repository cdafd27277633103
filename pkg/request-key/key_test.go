package requestkey

import (
	"net/http"
	"testing"
)

func TestRequestFromKey(t *testing.T) {
	r, _ := http.NewRequest("GET", "http://dev.localhost/page?x=1", nil)
	key := Get(r)
	req, err := RequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "http://dev.localhost/page?x=1" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
	if req.Method != "GET" {
		t.Fatalf("Method is %s", req.Method)
	}
}

func TestKeyIgnoresFragment(t *testing.T) {
	a, _ := http.NewRequest("GET", "https://example.com/app.js#top", nil)
	b, _ := http.NewRequest("GET", "https://example.com/app.js", nil)
	if Get(a) != Get(b) {
		t.Fatalf("Keys differ: %s != %s", Get(a), Get(b))
	}
}

func TestKeyIncludesMethod(t *testing.T) {
	get, _ := http.NewRequest("GET", "https://example.com/", nil)
	head, _ := http.NewRequest("HEAD", "https://example.com/", nil)
	if Get(get) == Get(head) {
		t.Fatalf("GET and HEAD share key %s", Get(get))
	}
}

func TestMalformedKey(t *testing.T) {
	if _, err := RequestFromKey("nonsense"); err == nil {
		t.Fatal("Expected error for malformed key")
	}
}
