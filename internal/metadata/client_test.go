package metadata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("channel"); got != "fit & strong" {
			t.Errorf("channel param = %q", got)
		}
		_ = json.NewEncoder(w).Encode(Rules{RulesText: "no links in titles", RequiredFlair: "oc"})
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second)
	rules, err := c.FetchRules(context.Background(), "fit & strong")
	if err != nil {
		t.Fatalf("fetch rules: %v", err)
	}
	if rules.RulesText != "no links in titles" || rules.RequiredFlair != "oc" {
		t.Fatalf("rules = %+v", rules)
	}
}

func TestFetchRulesNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second)
	if _, err := c.FetchRules(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestFetchRulesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(Rules{})
	}))
	defer srv.Close()

	c := New(srv.URL, 20*time.Millisecond)
	if _, err := c.FetchRules(context.Background(), "slow"); err == nil {
		t.Fatal("expected timeout error")
	}
}
