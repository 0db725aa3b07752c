package pokeshell

import (
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	c, err := NewClassifier("", "", nil)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	tests := []struct {
		name   string
		method string
		url    string
		header map[string]string
		want   Domain
	}{
		{"api post", http.MethodPost, "http://p.test/api/pokemon/25/send", nil, DomainAPIMutation},
		{"api delete", http.MethodDelete, "http://p.test/api/pokemon/25", nil, DomainAPIMutation},
		{"api put", http.MethodPut, "http://p.test/api/team", nil, DomainAPIMutation},
		{"api patch", http.MethodPatch, "http://p.test/api/team", nil, DomainAPIMutation},
		{"api get", http.MethodGet, "http://p.test/api/pokemon", nil, DomainAPIRead},
		{"api root", http.MethodGet, "http://p.test/api", nil, DomainAPIRead},
		{"api lookalike", http.MethodGet, "http://p.test/apiary", map[string]string{"Accept": "text/html"}, DomainNavigation},
		{"api image dest stays api", http.MethodGet, "http://p.test/api/pokemon/25/sprite.png", map[string]string{"Sec-Fetch-Dest": "image"}, DomainAPIRead},
		{"sprite host", http.MethodGet, "https://raw.githubusercontent.com/PokeAPI/sprites/master/sprites/pokemon/25", nil, DomainImage},
		{"image extension", http.MethodGet, "http://p.test/static/icons/icon-192x192.png", nil, DomainImage},
		{"image extension with query", http.MethodGet, "http://p.test/img/pika.JPG?v=2", nil, DomainImage},
		{"image dest", http.MethodGet, "http://p.test/avatar", map[string]string{"Sec-Fetch-Dest": "image"}, DomainImage},
		{"static css", http.MethodGet, "http://p.test/static/css/style.css", nil, DomainStaticAsset},
		{"static js", http.MethodGet, "http://p.test/static/js/chat.js", nil, DomainStaticAsset},
		{"navigate mode", http.MethodGet, "http://p.test/chat", map[string]string{"Sec-Fetch-Mode": "navigate"}, DomainNavigation},
		{"document dest", http.MethodGet, "http://p.test/pokedex", map[string]string{"Sec-Fetch-Dest": "document"}, DomainNavigation},
		{"accept html", http.MethodGet, "http://p.test/import", map[string]string{"Accept": "text/html,application/xhtml+xml;q=0.9"}, DomainNavigation},
		{"accept json", http.MethodGet, "http://p.test/manifest", map[string]string{"Accept": "application/json, text/html"}, DomainOther},
		{"post page", http.MethodPost, "http://p.test/chat", map[string]string{"Sec-Fetch-Mode": "navigate"}, DomainOther},
		{"plain", http.MethodGet, "http://p.test/robots.txt", nil, DomainOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, nil)
			if err != nil {
				t.Fatal(err)
			}
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := c.Classify(req); got != tt.want {
				t.Fatalf("Classify(%s %s) = %s, want %s", tt.method, tt.url, got, tt.want)
			}
			if again := c.Classify(req); again != tt.want {
				t.Fatalf("second Classify = %s, want %s", again, tt.want)
			}
		})
	}
}

func TestClassifierCustomPrefixes(t *testing.T) {
	c, err := NewClassifier("/v2/", "assets", []string{`^https://cdn\.test/`})
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	cases := map[string]Domain{
		"http://p.test/v2/items":         DomainAPIRead,
		"http://p.test/assets/app.js":    DomainStaticAsset,
		"https://cdn.test/anything":      DomainImage,
		"http://p.test/static/style.css": DomainOther,
	}
	for u, want := range cases {
		req, _ := http.NewRequest(http.MethodGet, u, nil)
		if got := c.Classify(req); got != want {
			t.Errorf("Classify(%s) = %s, want %s", u, got, want)
		}
	}
}

func TestNewClassifierRejectsBadPattern(t *testing.T) {
	if _, err := NewClassifier("", "", []string{"("}); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}
