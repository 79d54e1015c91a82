package challenge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTurnstileVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("secret") != "s3cret" || r.PostForm.Get("remoteip") != "198.51.100.2" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.PostForm.Get("response") == "good" {
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	v, err := NewTurnstile(TurnstileConfig{Secret: "s3cret", URL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ok, err := v.Verify(context.Background(), "good", "198.51.100.2")
	if err != nil || !ok {
		t.Fatalf("expected pass, got %v %v", ok, err)
	}
	ok, err = v.Verify(context.Background(), "bad", "198.51.100.2")
	if err != nil || ok {
		t.Fatalf("expected fail, got %v %v", ok, err)
	}
}

func TestTurnstileEmptyTokenSkipsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	}))
	defer srv.Close()

	v, _ := NewTurnstile(TurnstileConfig{Secret: "s", URL: srv.URL})
	if ok, err := v.Verify(context.Background(), "", ""); ok || err != nil {
		t.Fatalf("empty token must fail closed: %v %v", ok, err)
	}
}

func TestTurnstileServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	v, _ := NewTurnstile(TurnstileConfig{Secret: "s", URL: srv.URL})
	if _, err := v.Verify(context.Background(), "tok", ""); err == nil {
		t.Fatalf("expected status error")
	}
}

func TestStatic(t *testing.T) {
	if ok, _ := Static(true).Verify(context.Background(), "", ""); !ok {
		t.Fatalf("static(true) should pass")
	}
	if ok, _ := Static(false).Verify(context.Background(), "x", ""); ok {
		t.Fatalf("static(false) should fail")
	}
}

func TestNewTurnstileRequiresSecret(t *testing.T) {
	if _, err := NewTurnstile(TurnstileConfig{}); err == nil {
		t.Fatalf("expected error")
	}
}
