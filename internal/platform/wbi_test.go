package platform

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testImgKey   = "7cd084941338484aae1ad9425b84077c"
	testSubKey   = "4932caff0ff746eab6f01bf08b70ac45"
	testMixinKey = "ea1db124af3c7062474693fa704f4ff8"
)

func navHandler(hits *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		fmt.Fprintf(w, `{"code":0,"data":{"wbi_img":{"img_url":"https://i0.hdslb.com/bfs/wbi/%s.png","sub_url":"https://i0.hdslb.com/bfs/wbi/%s.png"}}}`,
			testImgKey, testSubKey)
	}
}

func TestDeriveMixinKey(t *testing.T) {
	got := deriveMixinKey(testImgKey + testSubKey)
	if got != testMixinKey {
		t.Fatalf("deriveMixinKey: got %q, want %q", got, testMixinKey)
	}
	if deriveMixinKey("short") != "" {
		t.Fatalf("deriveMixinKey should reject undersized input")
	}
}

func TestSignWbiParams(t *testing.T) {
	params := url.Values{}
	params.Set("foo", "114")
	params.Set("bar", "514")
	params.Set("zab", "1919810")

	signed := signWbiParams(params, testMixinKey, 1702204169)

	if got := signed.Get("w_rid"); got != "8f6f2b5b3d485fe1886cec6a0be8c5d4" {
		t.Fatalf("w_rid: got %q", got)
	}
	if got := signed.Get("wts"); got != "1702204169" {
		t.Fatalf("wts: got %q", got)
	}
	if len(params) != 3 {
		t.Fatalf("input params mutated: %v", params)
	}
}

func TestSignWbiParamsFiltersValues(t *testing.T) {
	params := url.Values{}
	params.Set("keyword", "go! (lang)*")

	signed := signWbiParams(params, testMixinKey, 1700000000)

	if got := signed.Get("keyword"); got != "go lang" {
		t.Fatalf("filtered keyword: got %q", got)
	}
	if got := signed.Get("w_rid"); got != "807c31c268cb344c0334c2123ac9f729" {
		t.Fatalf("w_rid: got %q", got)
	}
}

func TestMixinKeyCaching(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(navHandler(&hits))
	defer srv.Close()

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newWbiSigner(srv.Client(), log.New(log.Writer(), "[TEST] ", 0), srv.URL)
	s.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		key, err := s.MixinKey(ctx)
		if err != nil {
			t.Fatalf("MixinKey: %v", err)
		}
		if key != testMixinKey {
			t.Fatalf("MixinKey: got %q", key)
		}
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected 1 nav fetch within the TTL window, got %d", n)
	}

	clock = clock.Add(wbiKeyTTL + time.Minute)
	if _, err := s.MixinKey(ctx); err != nil {
		t.Fatalf("MixinKey after expiry: %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Fatalf("expected a refetch after expiry, got %d nav fetches", n)
	}
}

func TestMixinKeyFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := newWbiSigner(srv.Client(), log.New(log.Writer(), "[TEST] ", 0), srv.URL)
	if _, err := s.MixinKey(context.Background()); err == nil {
		t.Fatalf("expected an error from a 403 nav response")
	}
}
