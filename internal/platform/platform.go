package platform

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// VideoInfo is platform-agnostic video metadata returned by Search.
type VideoInfo struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	URL      string `json:"url"`
	Duration int    `json:"duration"` // seconds
	CoverURL string `json:"cover_url,omitempty"`
	Platform string `json:"platform"`
}

// Transcript is the result of a transcript lookup. An empty Text means the
// platform has no transcript for the video; that is not an error.
type Transcript struct {
	Text   string
	Method string // "subtitle" or "whisper"
}

// Adapter is the capability set a video platform connector must provide.
type Adapter interface {
	// Search returns up to limit videos matching the query, in platform
	// ranking order.
	Search(ctx context.Context, query string, limit int) ([]VideoInfo, error)

	// GetTranscript returns the transcript text for a video, or a zero
	// Transcript when none is available anywhere.
	GetTranscript(ctx context.Context, videoID string) (Transcript, error)

	// GetAudioURL returns a direct audio stream URL for speech-to-text
	// fallback, or "" when the platform refuses.
	GetAudioURL(ctx context.Context, videoID string) (string, error)
}

// Registry maps platform names to adapter instances. Adapters are long-lived
// and shared across tasks; their internal caches (cid, signing key) are keyed
// by immutable platform facts, so the sharing is safe.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

// Get resolves an adapter by name. Unknown names are a configuration error
// reported before any network I/O happens.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q (available: %s)", name, strings.Join(r.names(), ", "))
	}
	return a, nil
}

func (r *Registry) names() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return []string{"(none)"}
	}
	return out
}

// ParseDuration converts a platform duration string ("MM:SS" or "H:MM:SS")
// into seconds. Malformed input yields 0, never an error.
func ParseDuration(s string) int {
	parts := strings.Split(strings.TrimSpace(s), ":")
	switch len(parts) {
	case 2:
		m, err1 := strconv.Atoi(parts[0])
		sec, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return 0
		}
		return m*60 + sec
	case 3:
		h, err1 := strconv.Atoi(parts[0])
		m, err2 := strconv.Atoi(parts[1])
		sec, err3 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return 0
		}
		return h*3600 + m*60 + sec
	case 1:
		n, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

var markupTag = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)

// StripMarkup removes markup artifacts the platform injects into search
// result titles (e.g. keyword-highlight em tags).
func StripMarkup(title string) string {
	return markupTag.ReplaceAllString(title, "")
}
