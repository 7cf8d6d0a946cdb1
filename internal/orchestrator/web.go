package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/Maxime-Gagne/secondmind/internal/config"
	"github.com/Maxime-Gagne/secondmind/internal/jsonx"
	"github.com/Maxime-Gagne/secondmind/internal/logging"
)

const (
	scrapeTimeout   = 10 * time.Second
	scrapeBodyLimit = 1 << 20
	maxQueries      = 3
	pagesPerRound   = 3
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

var (
	multiNewlineRe = regexp.MustCompile(`\n{3,}`)
	multiSpaceRe   = regexp.MustCompile(`[ \t]{2,}`)
)

// Researcher runs the deep web research loop: search, scrape, evaluate,
// accumulate, until the small model judges the knowledge sufficient or the
// round cap is hit.
type Researcher struct {
	cfg       config.OrchestratorConfig
	mini      MiniModel
	client    *http.Client
	searchURL string
	sleep     func(time.Duration)
}

// NewResearcher builds a researcher over the DuckDuckGo HTML endpoint.
func NewResearcher(cfg config.OrchestratorConfig, mini MiniModel) *Researcher {
	return &Researcher{
		cfg:       cfg,
		mini:      mini,
		client:    &http.Client{Timeout: scrapeTimeout},
		searchURL: "https://html.duckduckgo.com/html/",
		sleep:     time.Sleep,
	}
}

// pageEval is the small model's verdict on one scraped page.
type pageEval struct {
	Pertinence float64 `json:"pertinence"`
	Suffisance float64 `json:"suffisance"`
	Synthese   string  `json:"synthese"`
}

// Research runs the full loop and returns a markdown report.
func (r *Researcher) Research(ctx context.Context, objective string) string {
	log := logging.Get(logging.CategoryOrchestrator)

	queries := r.generateQueries(ctx, objective)
	visited := map[string]struct{}{}
	var knowledge []string
	sufficiency := 0.0
	sources := 0

	maxRounds := r.cfg.WebMaxRounds
	if maxRounds <= 0 {
		maxRounds = 3
	}
	threshold := float64(r.cfg.WebSufficiency)

	for round := 0; round < maxRounds && sufficiency < threshold; round++ {
		query := queries[round%len(queries)]
		urls := r.search(ctx, query)
		log.Infow("research round", "round", round+1, "query", query, "urls", len(urls))

		scanned := 0
		for _, u := range urls {
			if scanned >= pagesPerRound {
				break
			}
			if _, seen := visited[u]; seen {
				continue
			}
			visited[u] = struct{}{}
			scanned++

			content := r.scrape(ctx, u)
			if content == "" {
				continue
			}
			eval := r.evaluate(ctx, objective, content)
			if eval.Pertinence >= 5 && eval.Synthese != "" {
				knowledge = append(knowledge, fmt.Sprintf("[%s] %s", u, eval.Synthese))
				sources++
			}
			if eval.Suffisance > sufficiency {
				sufficiency = eval.Suffisance
			}
			if sufficiency >= threshold {
				break
			}
		}
		if sufficiency < threshold && round+1 < maxRounds {
			r.sleep(time.Second)
		}
	}

	completeness := int(sufficiency * 10)
	if completeness > 100 {
		completeness = 100
	}
	synthesis := "Aucune information exploitable trouvée."
	if len(knowledge) > 0 {
		synthesis = strings.Join(knowledge, "\n\n")
	}
	return fmt.Sprintf("# Rapport de recherche web\n\n**Objectif**: %s\n**Sources retenues**: %d\n**Complétude estimée**: %d%%\n\n## Synthèse\n%s",
		objective, sources, completeness, synthesis)
}

const queriesPromptFmt = `Objectif de recherche: %s

Génère au plus 3 requêtes de recherche web courtes et complémentaires pour cet objectif.
Réponds STRICTEMENT par un tableau JSON de chaînes, par exemple: ["requête 1", "requête 2"]`

// generateQueries asks the small model for up to 3 queries; the objective
// itself is the fallback on any parse failure.
func (r *Researcher) generateQueries(ctx context.Context, objective string) []string {
	raw, err := r.mini.Generate(ctx, fmt.Sprintf(queriesPromptFmt, objective))
	if err != nil {
		return []string{objective}
	}
	start := strings.IndexByte(raw, '[')
	end := strings.LastIndexByte(raw, ']')
	if start < 0 || end <= start {
		return []string{objective}
	}
	var queries []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &queries); err != nil {
		return []string{objective}
	}
	var out []string
	for _, q := range queries {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
		if len(out) == maxQueries {
			break
		}
	}
	if len(out) == 0 {
		return []string{objective}
	}
	return out
}

// search queries the HTML search endpoint and returns result URLs.
func (r *Researcher) search(ctx context.Context, query string) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.searchURL+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, scrapeBodyLimit))
	if err != nil {
		return nil
	}

	var urls []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			var href, class string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "href":
					href = attr.Val
				case "class":
					class = attr.Val
				}
			}
			if strings.Contains(class, "result__a") && href != "" {
				urls = append(urls, cleanResultURL(href))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return urls
}

// cleanResultURL unwraps the DuckDuckGo redirect wrapper.
func cleanResultURL(href string) string {
	const redirect = "//duckduckgo.com/l/?uddg="
	if i := strings.Index(href, redirect); i >= 0 {
		if decoded, err := url.QueryUnescape(href[i+len(redirect):]); err == nil {
			if j := strings.Index(decoded, "&"); j > 0 {
				decoded = decoded[:j]
			}
			return decoded
		}
	}
	return href
}

// scrape fetches a page, extracts the readable article and converts it to
// markdown. Any failure yields the empty string; research is best-effort.
func (r *Researcher) scrape(ctx context.Context, pageURL string) string {
	ctx, cancel := context.WithTimeout(ctx, scrapeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, scrapeBodyLimit))
	if err != nil {
		return ""
	}

	article, err := readability.FromReader(bytes.NewReader(body), resp.Request.URL)
	if err != nil {
		return ""
	}
	md, err := htmltomarkdown.ConvertString(article.Content)
	if err != nil {
		md = article.TextContent
	}

	md = multiSpaceRe.ReplaceAllString(md, " ")
	md = multiNewlineRe.ReplaceAllString(md, "\n\n")
	md = strings.TrimSpace(md)
	if max := r.cfg.WebMaxContentLen; max > 0 && len(md) > max {
		md = md[:max]
	}
	return md
}

const evalPromptFmt = `Objectif: %s

CONTENU DE PAGE:
%s

Évalue ce contenu par rapport à l'objectif. Réponds STRICTEMENT en JSON:
{"pertinence": <0-10>, "suffisance": <0-10>, "synthese": "<extraction des faits utiles>"}`

// evaluate asks the small model to rate one page. Unparseable output counts
// as irrelevant.
func (r *Researcher) evaluate(ctx context.Context, objective, content string) pageEval {
	raw, err := r.mini.Generate(ctx, fmt.Sprintf(evalPromptFmt, objective, content))
	if err != nil {
		return pageEval{}
	}
	var eval pageEval
	if !jsonx.DecodeInto(raw, &eval) {
		return pageEval{}
	}
	return eval
}
