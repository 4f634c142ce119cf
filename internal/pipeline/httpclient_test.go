package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientUserAgent(t *testing.T) {
	got := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := NewHTTPClient(ClientConfig{UserAgent: "aio-gateway/test"})
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ua := <-got; ua != "aio-gateway/test" {
		t.Errorf("User-Agent = %q", ua)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "caller")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ua := <-got; ua != "caller" {
		t.Errorf("explicit User-Agent overwritten: %q", ua)
	}
}
