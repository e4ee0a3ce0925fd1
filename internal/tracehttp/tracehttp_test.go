package tracehttp

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWrapRedacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sekrit-token" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "pong")
	}))
	defer srv.Close()

	var buf bytes.Buffer
	client := &http.Client{Transport: Wrap(nil, &buf)}
	req, err := http.NewRequest("GET", srv.URL+"/ping?key=sekrit-key&q=x", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer sekrit-token")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "pong" {
		t.Errorf("body = %q, want %q (the delegate must still see the real request)", body, "pong")
	}

	trace := buf.String()
	if strings.Contains(trace, "sekrit") {
		t.Errorf("trace leaks a credential:\n%s", trace)
	}
	for _, want := range []string{"GET /ping?key=REDACTED&q=x", "Authorization: REDACTED", "200 OK", "pong"} {
		if !strings.Contains(trace, want) {
			t.Errorf("trace is missing %q:\n%s", want, trace)
		}
	}
}
