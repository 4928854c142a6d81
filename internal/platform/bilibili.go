package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	bilibiliAPIBase  = "https://api.bilibili.com"
	bilibiliVideoURL = "https://www.bilibili.com/video/"

	searchPath   = "/x/web-interface/search/type"
	viewPath     = "/x/web-interface/view"
	subtitlePath = "/x/player/v2"
	playURLPath  = "/x/player/playurl"
	navPath      = "/x/web-interface/nav"
	spiPath      = "/x/frontend/finger/spi"
	pagelistPath = "/x/player/pagelist"

	bilibiliUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Transcriber is the speech-to-text fallback used when a video has no
// subtitle track anywhere. It is an external collaborator; a nil Transcriber
// disables the fallback.
type Transcriber interface {
	TranscribeURL(ctx context.Context, audioURL, referer string) (string, error)
}

// BilibiliOptions configures a Bilibili adapter instance.
type BilibiliOptions struct {
	// SessData is the session cookie; unauthenticated requests trip the
	// anti-automation defense much more often.
	SessData string

	// SubtitleRetries bounds the mismatch-verification retry loop.
	SubtitleRetries int
	// SubtitleRetryDelay is the fixed delay between verification attempts.
	SubtitleRetryDelay time.Duration

	// RequestsPerSecond paces every API call; the platform penalizes bursts.
	RequestsPerSecond float64

	// Whisper enables the speech-to-text fallback when set.
	Whisper Transcriber

	Logger *log.Logger
}

// BilibiliAdapter implements Adapter against the Bilibili web API. All
// mutable caches (mixin key, cid, buvid bootstrap flag) are owned by the
// instance so tests can construct fresh or pre-seeded adapters.
type BilibiliAdapter struct {
	http    *http.Client
	signer  *wbiSigner
	limiter *rate.Limiter
	whisper Transcriber
	logger  *log.Logger

	apiBase       string
	videoBase     string
	subtitleTries int
	subtitleDelay time.Duration
	sleep         func(context.Context, time.Duration) error

	mu          sync.Mutex
	cidCache    map[string]int64
	bootstrched bool
}

// NewBilibiliAdapter constructs an adapter. Session bootstrapping (buvid
// cookies) happens lazily before the first request, not here.
func NewBilibiliAdapter(opts BilibiliOptions) *BilibiliAdapter {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[BILIBILI] ", log.LstdFlags)
	}
	if opts.SubtitleRetries <= 0 {
		opts.SubtitleRetries = 8
	}
	if opts.SubtitleRetryDelay <= 0 {
		opts.SubtitleRetryDelay = 1200 * time.Millisecond
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Timeout: 30 * time.Second, Jar: jar}

	a := &BilibiliAdapter{
		http:          client,
		limiter:       rate.NewLimiter(rate.Limit(rps), 1),
		whisper:       opts.Whisper,
		logger:        logger,
		apiBase:       bilibiliAPIBase,
		videoBase:     bilibiliVideoURL,
		subtitleTries: opts.SubtitleRetries,
		subtitleDelay: opts.SubtitleRetryDelay,
		sleep:         sleepCtx,
		cidCache:      make(map[string]int64),
	}
	a.signer = newWbiSigner(client, logger, a.apiBase+navPath)
	if opts.SessData != "" {
		a.setCookie("SESSDATA", opts.SessData)
	}
	return a
}

// apiEnvelope is the common response wrapper of the Bilibili web API.
type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Search queries the platform and returns cleaned video stubs.
func (a *BilibiliAdapter) Search(ctx context.Context, query string, limit int) ([]VideoInfo, error) {
	a.ensureBootstrap(ctx)

	if limit <= 0 {
		limit = 10
	}
	pageSize := limit
	if pageSize > 50 {
		pageSize = 50
	}
	params := url.Values{}
	params.Set("search_type", "video")
	params.Set("keyword", query)
	params.Set("page", "1")
	params.Set("page_size", strconv.Itoa(pageSize))

	env, err := a.signedGet(ctx, searchPath, params, "")
	if err != nil {
		return nil, fmt.Errorf("bilibili search: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("bilibili search: api code %d: %s", env.Code, env.Message)
	}

	var data struct {
		Result []struct {
			BVID     string `json:"bvid"`
			Title    string `json:"title"`
			Author   string `json:"author"`
			Duration string `json:"duration"`
			Pic      string `json:"pic"`
		} `json:"result"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("bilibili search: decode: %w", err)
	}

	videos := make([]VideoInfo, 0, len(data.Result))
	for _, item := range data.Result {
		if len(videos) >= limit {
			break
		}
		cover := item.Pic
		if strings.HasPrefix(cover, "//") {
			cover = "https:" + cover
		}
		videos = append(videos, VideoInfo{
			ID:       item.BVID,
			Title:    StripMarkup(item.Title),
			Author:   item.Author,
			URL:      a.videoBase + item.BVID,
			Duration: ParseDuration(item.Duration),
			CoverURL: cover,
			Platform: "bilibili",
		})
	}
	a.logger.Printf("found %d videos for query %q", len(videos), query)
	return videos, nil
}

// viewInfo is the subset of the view API we consume.
type viewInfo struct {
	BVID     string `json:"bvid"`
	Title    string `json:"title"`
	AID      int64  `json:"aid"`
	CID      int64  `json:"cid"`
	Pages    []struct {
		CID  int64  `json:"cid"`
		Part string `json:"part"`
	} `json:"pages"`
	Subtitle struct {
		List []subtitleTrack `json:"list"`
	} `json:"subtitle"`
}

type subtitleTrack struct {
	Lan         string `json:"lan"`
	SubtitleURL string `json:"subtitle_url"`
}

func hasTrackURLs(tracks []subtitleTrack) bool {
	for _, tr := range tracks {
		if tr.SubtitleURL != "" {
			return true
		}
	}
	return false
}

// GetTranscript resolves subtitles for a video: view API first (cid plus
// possibly embedded track URLs), then the player v2 endpoint with mismatch
// verification, then the speech-to-text fallback. Absence everywhere yields
// a zero Transcript, not an error.
func (a *BilibiliAdapter) GetTranscript(ctx context.Context, videoID string) (Transcript, error) {
	a.ensureBootstrap(ctx)

	view, err := a.getViewInfo(ctx, videoID)
	if err != nil {
		a.logger.Printf("view api unavailable for %s, using legacy flow: %v", videoID, err)
		return a.getTranscriptLegacy(ctx, videoID)
	}

	cid := view.CID
	if cid == 0 && len(view.Pages) > 0 {
		cid = view.Pages[0].CID
	}
	if cid == 0 {
		a.logger.Printf("no cid for %s in view data", videoID)
		return Transcript{}, nil
	}
	a.cacheCid(videoID, cid)

	tracks := view.Subtitle.List
	if !hasTrackURLs(tracks) {
		tracks, err = a.getVerifiedTracks(ctx, videoID, cid, view.AID)
		if err != nil {
			return Transcript{}, err
		}
	}
	if len(tracks) == 0 {
		a.logger.Printf("no subtitles for %s (%q), trying speech-to-text", videoID, truncate(view.Title, 40))
		return a.whisperFallback(ctx, videoID)
	}
	return a.fetchTrackText(ctx, videoID, tracks)
}

// getTranscriptLegacy is the fallback flow when the view API fails:
// pagelist for the cid, player v2 without aid verification, then whisper.
func (a *BilibiliAdapter) getTranscriptLegacy(ctx context.Context, videoID string) (Transcript, error) {
	cid, err := a.resolveCid(ctx, videoID)
	if err != nil || cid == 0 {
		return a.whisperFallback(ctx, videoID)
	}
	tracks, err := a.getVerifiedTracks(ctx, videoID, cid, 0)
	if err != nil {
		return Transcript{}, err
	}
	if len(tracks) == 0 {
		return a.whisperFallback(ctx, videoID)
	}
	return a.fetchTrackText(ctx, videoID, tracks)
}

func (a *BilibiliAdapter) getViewInfo(ctx context.Context, videoID string) (viewInfo, error) {
	params := url.Values{}
	params.Set("bvid", videoID)
	env, err := a.signedGet(ctx, viewPath, params, "")
	if err != nil {
		return viewInfo{}, err
	}
	if env.Code != 0 {
		return viewInfo{}, fmt.Errorf("view api code %d: %s", env.Code, env.Message)
	}
	var view viewInfo
	if err := json.Unmarshal(env.Data, &view); err != nil {
		return viewInfo{}, err
	}
	return view, nil
}

// getVerifiedTracks queries the player v2 endpoint for subtitle tracks and,
// when the expected aid is known, discards tracks whose URL belongs to a
// different video. The anti-automation defense sometimes answers for the
// wrong resource, so mismatches are retried with a fixed delay. Exhausting
// the retries is "no subtitles", not an error.
func (a *BilibiliAdapter) getVerifiedTracks(ctx context.Context, videoID string, cid, aid int64) ([]subtitleTrack, error) {
	referer := a.videoBase + videoID + "/"

	for attempt := 1; attempt <= a.subtitleTries; attempt++ {
		if attempt > 1 {
			if err := a.sleep(ctx, a.subtitleDelay); err != nil {
				return nil, err
			}
		}

		params := url.Values{}
		params.Set("bvid", videoID)
		params.Set("cid", strconv.FormatInt(cid, 10))
		env, err := a.signedGet(ctx, subtitlePath, params, referer)
		if err != nil {
			a.logger.Printf("player v2 failed for %s (attempt %d/%d): %v", videoID, attempt, a.subtitleTries, err)
			continue
		}
		if env.Code != 0 {
			a.logger.Printf("player v2 code %d for %s (attempt %d/%d): %s", env.Code, videoID, attempt, a.subtitleTries, env.Message)
			continue
		}

		var data struct {
			Subtitle struct {
				Subtitles []subtitleTrack `json:"subtitles"`
			} `json:"subtitle"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			a.logger.Printf("player v2 decode failed for %s: %v", videoID, err)
			continue
		}
		tracks := data.Subtitle.Subtitles
		if len(tracks) == 0 {
			a.logger.Printf("player v2 returned 0 tracks for %s (attempt %d/%d)", videoID, attempt, a.subtitleTries)
			continue
		}

		if aid == 0 {
			return tracks, nil
		}

		verified := verifyTracks(tracks, aid)
		if len(verified) > 0 {
			a.logger.Printf("player v2: %d/%d tracks verified for %s (attempt %d)", len(verified), len(tracks), videoID, attempt)
			return verified, nil
		}
		a.logger.Printf("all %d tracks failed aid verification for %s (attempt %d/%d)", len(tracks), videoID, attempt, a.subtitleTries)
	}

	a.logger.Printf("subtitle retries exhausted for %s without a verified track", videoID)
	return nil, nil
}

// verifyTracks keeps tracks whose URL plausibly belongs to the requested
// video. AI-subtitle URLs embed the aid in their path, which is the only
// identifier we can check against.
func verifyTracks(tracks []subtitleTrack, aid int64) []subtitleTrack {
	aidStr := strconv.FormatInt(aid, 10)
	var verified []subtitleTrack
	for _, tr := range tracks {
		if tr.SubtitleURL == "" {
			continue
		}
		if strings.Contains(tr.SubtitleURL, "/ai_subtitle/") && !strings.Contains(tr.SubtitleURL, aidStr) {
			continue
		}
		verified = append(verified, tr)
	}
	return verified
}

// fetchTrackText picks the best track (query-language first, then any) and
// downloads its caption payload, joining lines with newlines.
func (a *BilibiliAdapter) fetchTrackText(ctx context.Context, videoID string, tracks []subtitleTrack) (Transcript, error) {
	var chosen subtitleTrack
	for _, tr := range tracks {
		if strings.Contains(tr.Lan, "zh") && tr.SubtitleURL != "" {
			chosen = tr
			break
		}
	}
	if chosen.SubtitleURL == "" {
		for _, tr := range tracks {
			if tr.SubtitleURL != "" {
				chosen = tr
				break
			}
		}
	}
	if chosen.SubtitleURL == "" {
		return Transcript{}, nil
	}

	subURL := chosen.SubtitleURL
	if strings.HasPrefix(subURL, "//") {
		subURL = "https:" + subURL
	}
	a.logger.Printf("fetching subtitle lang=%s for %s", chosen.Lan, videoID)

	// The subtitle CDN does not require signing.
	body, err := a.plainGetBody(ctx, subURL, "")
	if err != nil {
		return Transcript{}, fmt.Errorf("fetch subtitle payload: %w", err)
	}

	var payload struct {
		Body []struct {
			Content string `json:"content"`
		} `json:"body"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Transcript{}, fmt.Errorf("decode subtitle payload: %w", err)
	}
	lines := make([]string, 0, len(payload.Body))
	for _, item := range payload.Body {
		if item.Content != "" {
			lines = append(lines, item.Content)
		}
	}
	if len(lines) == 0 {
		return Transcript{}, nil
	}
	text := strings.Join(lines, "\n")
	a.logger.Printf("extracted %d caption lines (%d chars) for %s", len(lines), len(text), videoID)
	return Transcript{Text: text, Method: "subtitle"}, nil
}

func (a *BilibiliAdapter) whisperFallback(ctx context.Context, videoID string) (Transcript, error) {
	if a.whisper == nil {
		return Transcript{}, nil
	}
	audioURL, err := a.GetAudioURL(ctx, videoID)
	if err != nil || audioURL == "" {
		a.logger.Printf("no audio url for %s, speech-to-text unavailable", videoID)
		return Transcript{}, nil
	}
	text, err := a.whisper.TranscribeURL(ctx, audioURL, a.videoBase+videoID+"/")
	if err != nil {
		a.logger.Printf("speech-to-text failed for %s: %v", videoID, err)
		return Transcript{}, nil
	}
	if text == "" {
		return Transcript{}, nil
	}
	a.logger.Printf("speech-to-text produced %d chars for %s", len(text), videoID)
	return Transcript{Text: text, Method: "whisper"}, nil
}

// GetAudioURL resolves the highest-bitrate DASH audio stream for a video.
func (a *BilibiliAdapter) GetAudioURL(ctx context.Context, videoID string) (string, error) {
	a.ensureBootstrap(ctx)
	cid, err := a.resolveCid(ctx, videoID)
	if err != nil {
		return "", err
	}
	if cid == 0 {
		return "", nil
	}

	params := url.Values{}
	params.Set("bvid", videoID)
	params.Set("cid", strconv.FormatInt(cid, 10))
	params.Set("fnval", "16") // DASH format
	env, err := a.signedGet(ctx, playURLPath, params, "")
	if err != nil {
		return "", err
	}
	if env.Code != 0 {
		return "", nil
	}

	var data struct {
		Dash struct {
			Audio []struct {
				Bandwidth int64  `json:"bandwidth"`
				BaseURL   string `json:"baseUrl"`
				BaseURL2  string `json:"base_url"`
			} `json:"audio"`
		} `json:"dash"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", err
	}
	audio := data.Dash.Audio
	if len(audio) == 0 {
		return "", nil
	}
	sort.Slice(audio, func(i, j int) bool { return audio[i].Bandwidth > audio[j].Bandwidth })
	if audio[0].BaseURL != "" {
		return audio[0].BaseURL, nil
	}
	return audio[0].BaseURL2, nil
}

// resolveCid resolves the internal content id for a video, cached for the
// adapter's lifetime. The pagelist endpoint traditionally works unsigned;
// signing is the fallback.
func (a *BilibiliAdapter) resolveCid(ctx context.Context, videoID string) (int64, error) {
	a.mu.Lock()
	if cid, ok := a.cidCache[videoID]; ok {
		a.mu.Unlock()
		return cid, nil
	}
	a.mu.Unlock()

	params := url.Values{}
	params.Set("bvid", videoID)
	env, err := a.plainGet(ctx, pagelistPath, params, "")
	if err != nil {
		a.logger.Printf("unsigned pagelist failed for %s, retrying signed", videoID)
		env, err = a.signedGet(ctx, pagelistPath, params, "")
		if err != nil {
			return 0, err
		}
	}
	if env.Code != 0 {
		a.logger.Printf("pagelist code %d for %s", env.Code, videoID)
		return 0, nil
	}

	var pages []struct {
		CID  int64  `json:"cid"`
		Part string `json:"part"`
	}
	if err := json.Unmarshal(env.Data, &pages); err != nil || len(pages) == 0 {
		return 0, nil
	}
	cid := pages[0].CID
	if cid != 0 {
		a.cacheCid(videoID, cid)
		a.logger.Printf("resolved cid=%d for %s (page %q)", cid, videoID, truncate(pages[0].Part, 40))
	}
	return cid, nil
}

func (a *BilibiliAdapter) cacheCid(videoID string, cid int64) {
	a.mu.Lock()
	a.cidCache[videoID] = cid
	a.mu.Unlock()
}

// ensureBootstrap lazily acquires the anti-bot tracking cookies once per
// adapter lifetime. Failure degrades gracefully; requests proceed without
// the cookies.
func (a *BilibiliAdapter) ensureBootstrap(ctx context.Context) {
	a.mu.Lock()
	if a.bootstrched {
		a.mu.Unlock()
		return
	}
	a.bootstrched = true
	a.mu.Unlock()

	env, err := a.plainGet(ctx, spiPath, nil, "")
	if err != nil {
		a.logger.Printf("buvid bootstrap failed, continuing without: %v", err)
		return
	}
	if env.Code != 0 {
		a.logger.Printf("spi api returned code=%d", env.Code)
		return
	}
	var data struct {
		B3 string `json:"b_3"`
		B4 string `json:"b_4"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return
	}
	if data.B3 != "" {
		a.setCookie("buvid3", data.B3)
	}
	if data.B4 != "" {
		a.setCookie("buvid4", data.B4)
	}
	a.logger.Printf("initialized buvid cookies (b3=%s…)", truncate(data.B3, 16))
}

func (a *BilibiliAdapter) setCookie(name, value string) {
	u, err := url.Parse(a.apiBase)
	if err != nil || a.http.Jar == nil {
		return
	}
	a.http.Jar.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
}

func (a *BilibiliAdapter) signedGet(ctx context.Context, path string, params url.Values, referer string) (apiEnvelope, error) {
	signed, err := a.signer.Sign(ctx, params)
	if err != nil {
		return apiEnvelope{}, err
	}
	return a.doGet(ctx, a.apiBase+path+"?"+signed.Encode(), referer)
}

func (a *BilibiliAdapter) plainGet(ctx context.Context, path string, params url.Values, referer string) (apiEnvelope, error) {
	u := a.apiBase + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return a.doGet(ctx, u, referer)
}

func (a *BilibiliAdapter) doGet(ctx context.Context, rawURL, referer string) (apiEnvelope, error) {
	body, err := a.plainGetBody(ctx, rawURL, referer)
	if err != nil {
		return apiEnvelope{}, err
	}
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return apiEnvelope{}, fmt.Errorf("decode response: %w", err)
	}
	return env, nil
}

func (a *BilibiliAdapter) plainGetBody(ctx context.Context, rawURL, referer string) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", bilibiliUserAgent)
	if referer == "" {
		referer = "https://www.bilibili.com"
	}
	req.Header.Set("Referer", referer)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusPreconditionFailed {
			return nil, fmt.Errorf("%s: precondition failed (missing or invalid session cookies)", resp.Status)
		}
		return nil, fmt.Errorf("http %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
