package platform

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// wbi keys rotate server-side roughly daily; 30 minutes keeps us safely fresh
// while issuing at most one nav request per window.
const wbiKeyTTL = 30 * time.Minute

// Reorder table for deriving the mixin key from img_key+sub_key, taken from
// the platform's frontend JS.
var mixinKeyEncTab = [...]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 30, 4,
	22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11, 36, 20, 34, 44, 52,
}

// wbiSigner fetches and caches the rotating mixin key and signs request
// parameters with it. One instance is shared by every request the owning
// adapter makes; refreshing with an equivalent key from a concurrent attempt
// is harmless, so the lock only covers the cache fields.
type wbiSigner struct {
	http   *http.Client
	logger *log.Logger
	navURL string
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	mixinKey  string
	expiresAt time.Time
}

func newWbiSigner(client *http.Client, logger *log.Logger, navURL string) *wbiSigner {
	return &wbiSigner{
		http:   client,
		logger: logger,
		navURL: navURL,
		ttl:    wbiKeyTTL,
		now:    time.Now,
	}
}

// MixinKey returns the cached mixin key, fetching it from the nav endpoint
// when missing or expired.
func (s *wbiSigner) MixinKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.mixinKey != "" && s.now().Before(s.expiresAt) {
		key := s.mixinKey
		s.mu.Unlock()
		return key, nil
	}
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.navURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch wbi keys: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch wbi keys: %s", resp.Status)
	}

	var nav struct {
		Data struct {
			WbiImg struct {
				ImgURL string `json:"img_url"`
				SubURL string `json:"sub_url"`
			} `json:"wbi_img"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&nav); err != nil {
		return "", fmt.Errorf("decode wbi keys: %w", err)
	}

	key := deriveMixinKey(keyFromURL(nav.Data.WbiImg.ImgURL) + keyFromURL(nav.Data.WbiImg.SubURL))
	if key == "" {
		return "", fmt.Errorf("nav response carried no wbi keys")
	}

	s.mu.Lock()
	s.mixinKey = key
	s.expiresAt = s.now().Add(s.ttl)
	s.mu.Unlock()

	s.logger.Printf("obtained wbi mixin key (cached for %s)", s.ttl)
	return key, nil
}

// Sign returns a signed copy of params: merged server-time field, filtered
// charset, sorted keys, and the w_rid signature attached.
func (s *wbiSigner) Sign(ctx context.Context, params url.Values) (url.Values, error) {
	key, err := s.MixinKey(ctx)
	if err != nil {
		return nil, err
	}
	return signWbiParams(params, key, s.now().Unix()), nil
}

// signWbiParams implements the signing procedure: add wts, strip disallowed
// characters from values, canonicalize by sorted-key URL encoding, and hash
// the query concatenated with the mixin key.
func signWbiParams(params url.Values, mixinKey string, wts int64) url.Values {
	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, filterWbiValue(v))
		}
	}
	signed.Set("wts", strconv.FormatInt(wts, 10))

	// url.Values.Encode sorts by key, which is exactly the canonical form
	// the platform expects.
	query := signed.Encode()
	sum := md5.Sum([]byte(query + mixinKey))
	signed.Set("w_rid", hex.EncodeToString(sum[:]))
	return signed
}

func filterWbiValue(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '!', '\'', '(', ')', '*':
			return -1
		}
		return r
	}, v)
}

// deriveMixinKey reorders img_key+sub_key through the encoding table and
// truncates to 32 characters.
func deriveMixinKey(orig string) string {
	var b strings.Builder
	for _, i := range mixinKeyEncTab {
		if i < len(orig) {
			b.WriteByte(orig[i])
		}
	}
	key := b.String()
	if len(key) > 32 {
		key = key[:32]
	}
	if len(key) < 32 {
		return ""
	}
	return key
}

// keyFromURL extracts the key portion of a wbi image URL, e.g.
// "https://.../7cd084941338484aae1ad9425b84077c.png" -> "7cd08...".
func keyFromURL(u string) string {
	if u == "" {
		return ""
	}
	base := u
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.Index(base, "."); idx >= 0 {
		base = base[:idx]
	}
	return base
}
