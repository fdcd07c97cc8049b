package snippet

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFromHTML(t *testing.T) {
	tests := []struct {
		name string
		path string
		doc  string
		want string
	}{
		{
			name: "headings joined",
			path: "/blog/post",
			doc: `<html><body><h1>  Go   Concurrency </h1><p>ignored</p>
				<h2>Channels</h2><h3>skipped</h3><h2><span>Select</span> statement</h2></body></html>`,
			want: "Go Concurrency | Channels | Select statement",
		},
		{
			name: "empty headings skipped",
			path: "/",
			doc:  `<h1></h1><h2>Only</h2>`,
			want: "Only",
		},
		{
			name: "no headings",
			path: "/",
			doc:  `<p>just text</p>`,
			want: "",
		},
		{
			name: "sensitive path",
			path: "/account/Login",
			doc:  `<h1>Welcome</h1>`,
			want: "",
		},
		{
			name: "password field",
			path: "/",
			doc:  `<h1>Welcome</h1><form><input type="PASSWORD"></form>`,
			want: "",
		},
		{
			name: "auth form action",
			path: "/",
			doc:  `<h1>Join</h1><form action="/api/signup"><input type="text"></form>`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromHTML(strings.NewReader(tt.doc), tt.path)
			if err != nil {
				t.Fatalf("FromHTML: %v", err)
			}
			if got != tt.want {
				t.Errorf("FromHTML = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromHTML_LimitsHeadingsAndLength(t *testing.T) {
	var sb strings.Builder
	for i := range 12 {
		fmt.Fprintf(&sb, "<h2>heading %d</h2>", i)
	}
	got, _ := FromHTML(strings.NewReader(sb.String()), "/")
	if strings.Count(got, " | ") != maxHeadings-1 {
		t.Errorf("snippet = %q, want %d headings", got, maxHeadings)
	}

	long := "<h1>" + strings.Repeat("word ", 400) + "</h1>"
	got, _ = FromHTML(strings.NewReader(long), "/")
	if n := len([]rune(got)); n != MaxLen {
		t.Errorf("snippet length = %d, want %d", n, MaxLen)
	}
}

func TestCollector_Collect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>t</title></head><body><h1>Release notes</h1></body></html>`)
	}))
	defer srv.Close()

	c := NewCollector(time.Second, nil)
	if got := c.Collect(context.Background(), srv.URL+"/notes"); got != "Release notes" {
		t.Errorf("Collect = %q", got)
	}
}

func TestCollector_SensitivePathSkipsFetch(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewCollector(time.Second, nil)
	if got := c.Collect(context.Background(), srv.URL+"/signin"); got != "" {
		t.Errorf("Collect = %q, want empty", got)
	}
	if called {
		t.Error("sensitive page was fetched")
	}
}

func TestCollector_TimeoutYieldsEmpty(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewCollector(30*time.Millisecond, nil)
	start := time.Now()
	if got := c.Collect(context.Background(), srv.URL); got != "" {
		t.Errorf("Collect = %q, want empty", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Collect blocked for %v", elapsed)
	}
}

func TestCollector_ErrorStatusYieldsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	if got := NewCollector(time.Second, nil).Collect(context.Background(), srv.URL); got != "" {
		t.Errorf("Collect = %q, want empty", got)
	}
}

func TestFromPDF_Invalid(t *testing.T) {
	if _, err := FromPDF([]byte("not a pdf")); err == nil {
		t.Error("expected error for invalid pdf")
	}
}
