package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/kbforge/kbforge/internal/kberr"
)

const webUserAgent = "kbforge-crawler/1.0"

// stealthUserAgent is a mainstream browser identity used when stealth_mode
// asks for browser-shaped requests.
const stealthUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// SearchFunc resolves a search query to result URLs, best match first.
// Wired by deployments that run a search backend; without one the search
// method is a DataError.
type SearchFunc func(ctx context.Context, query string, limit int) ([]string, error)

// ExtractFunc distills one fetched page into structured content (markdown),
// typically through an LLM extraction service. Without one the extract
// method is a DataError.
type ExtractFunc func(ctx context.Context, pageURL string, body []byte) ([]byte, error)

// WebOption configures optional web adapter collaborators.
type WebOption func(*webAdapter)

// WithSearchProvider wires the search method's backend.
func WithSearchProvider(fn SearchFunc) WebOption {
	return func(a *webAdapter) { a.search = fn }
}

// WithExtractor wires the extract method's backend.
func WithExtractor(fn ExtractFunc) WebOption {
	return func(a *webAdapter) { a.extract = fn }
}

// webAdapter fetches pages over HTTP. Crawl discovery is breadth-first by
// depth then insertion order; pages dedupe on canonical URL. Extraction
// prefers readability output and falls back to the raw HTML, which the
// parser can always handle.
type webAdapter struct {
	client  *http.Client
	search  SearchFunc
	extract ExtractFunc
}

func NewWebAdapter(client *http.Client, opts ...WebOption) Adapter {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	a := &webAdapter{client: client}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (*webAdapter) Kind() Kind { return KindWeb }

func (a *webAdapter) Validate(spec Spec) error {
	cfg := spec.Web
	if cfg == nil {
		return kberr.InvalidArgument("web source requires a web config")
	}
	switch cfg.Method {
	case MethodScrape, MethodCrawl, MethodMap, MethodSearch, MethodExtract:
	case "":
		return kberr.InvalidArgument("web method is required")
	default:
		return kberr.InvalidArgument("unknown web method %q", cfg.Method)
	}
	if cfg.Method == MethodSearch {
		if strings.TrimSpace(spec.Reference) == "" {
			return kberr.InvalidArgument("search method requires a query in reference")
		}
	} else if _, err := canonicalURL(spec.Reference); err != nil {
		return err
	}
	if cfg.MaxPages < 0 || cfg.MaxPages > 10000 {
		return kberr.InvalidArgument("max_pages must be in 1..10000")
	}
	if cfg.MaxDepth < 0 || cfg.MaxDepth > 10 {
		return kberr.InvalidArgument("max_depth must be in 0..10")
	}
	if cfg.RequestDelayMS < 0 || cfg.RequestDelayMS > 60000 {
		return kberr.InvalidArgument("request_delay_ms must be in 0..60000")
	}
	if cfg.MaxConcurrency < 0 || cfg.MaxConcurrency > 16 {
		return kberr.InvalidArgument("max_concurrency must be in 1..16")
	}
	for _, p := range append(append([]string{}, cfg.IncludePatterns...), cfg.ExcludePatterns...) {
		if _, err := compilePattern(p); err != nil {
			return err
		}
	}
	return nil
}

func (a *webAdapter) Probe(ctx context.Context, spec Spec) (Probe, error) {
	if err := a.Validate(spec); err != nil {
		return Probe{}, err
	}
	probe := Probe{EstimatedPages: 1, ContentKind: "text/html"}
	switch spec.Web.Method {
	case MethodCrawl, MethodMap, MethodSearch:
		probe.EstimatedPages = spec.Web.MaxPages
		if probe.EstimatedPages == 0 {
			probe.EstimatedPages = 1
		}
	}
	// The search reference is a query, not a URL to probe.
	if spec.Web.Method == MethodSearch {
		return probe, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, spec.Reference, nil)
	if err != nil {
		return Probe{}, kberr.Wrap(kberr.KindInvalidArgument, err, "build probe request")
	}
	req.Header.Set("User-Agent", webUserAgent)
	resp, err := a.client.Do(req)
	if err != nil {
		return probe, nil // probe is best effort
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		probe.ContentKind = baseMime(ct)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			probe.EstimatedBytes = n * int64(probe.EstimatedPages)
		}
	}
	return probe, nil
}

func (a *webAdapter) Fetch(ctx context.Context, spec Spec, opts FetchOptions, sink Sink) error {
	if err := a.Validate(spec); err != nil {
		return err
	}
	c := &crawl{
		adapter:  a,
		spec:     spec,
		cfg:      *spec.Web,
		sink:     sink,
		visited:  make(map[string]bool),
		patterns: newPatternSet(spec.Web.IncludePatterns, spec.Web.ExcludePatterns),
	}
	if c.cfg.MaxPages == 0 {
		c.cfg.MaxPages = 1
	}
	if c.cfg.MaxConcurrency == 0 {
		c.cfg.MaxConcurrency = 1
	}
	if opts.MaxDocuments > 0 && opts.MaxDocuments < c.cfg.MaxPages {
		c.cfg.MaxPages = opts.MaxDocuments
	}
	if opts.Checkpoint != "" {
		if n, err := strconv.Atoi(opts.Checkpoint); err == nil {
			c.skip = n
		}
	}
	if c.cfg.respectRobots() && c.cfg.Method != MethodSearch {
		c.robots = a.loadRobots(ctx, spec.Reference)
	}
	switch c.cfg.Method {
	case MethodScrape:
		return c.scrape(ctx)
	case MethodMap:
		return c.mapURLs(ctx)
	case MethodSearch:
		return c.searchFetch(ctx)
	case MethodExtract:
		return c.extractFetch(ctx)
	default:
		return c.run(ctx)
	}
}

type crawl struct {
	adapter  *webAdapter
	spec     Spec
	cfg      WebConfig
	sink     Sink
	visited  map[string]bool
	patterns *patternSet
	robots   *robotsRules
	skip     int
	pushed   int
	total    int
}

type fetchedPage struct {
	canonical string
	title     string
	mime      string
	body      []byte
	links     []string
	skipped   bool
}

func (c *crawl) scrape(ctx context.Context) error {
	page, err := c.fetchPage(ctx, c.spec.Reference)
	if err != nil {
		return err
	}
	if page.skipped {
		return kberr.NotFound("page not found")
	}
	return c.push(ctx, page)
}

// mapURLs discovers URLs without extracting content. The result is one
// text document listing the frontier, which downstream parses as plain text.
func (c *crawl) mapURLs(ctx context.Context) error {
	urls, err := c.discover(ctx, func(context.Context, fetchedPage) error { return nil })
	if err != nil {
		return err
	}
	data := []byte(strings.Join(urls, "\n"))
	doc := RawDocument{
		SourceID:   c.spec.ID,
		ExternalID: c.spec.Reference,
		URI:        c.spec.Reference,
		Title:      "URL map of " + c.spec.Reference,
		Mime:       "text/plain",
		Data:       data,
		FetchedAt:  time.Now().UTC(),
		Checksum:   Checksum(data),
	}
	return c.sink.Push(ctx, doc, "done")
}

func (c *crawl) run(ctx context.Context) error {
	_, err := c.discover(ctx, c.push)
	return err
}

// searchFetch resolves the reference query through the configured search
// backend and scrapes each result page. Unreachable results are skipped,
// matching crawl behavior for discovered pages.
func (c *crawl) searchFetch(ctx context.Context) error {
	if c.adapter.search == nil {
		return kberr.New(kberr.KindDataError, "no search provider configured")
	}
	urls, err := c.adapter.search(ctx, c.spec.Reference, c.cfg.MaxPages)
	if err != nil {
		return kberr.Wrap(kberr.KindTransient, err, "search "+c.spec.Reference)
	}
	for _, u := range urls {
		if c.total >= c.cfg.MaxPages {
			break
		}
		cu, cerr := canonicalURL(u)
		if cerr != nil || c.visited[cu] {
			continue
		}
		c.visited[cu] = true
		page, perr := c.fetchPage(ctx, cu)
		if perr != nil || page.skipped {
			continue
		}
		c.total++
		if err := c.push(ctx, page); err != nil {
			return err
		}
	}
	return nil
}

// extractFetch retrieves one page and hands it to the configured extractor,
// pushing the distilled content in place of the article text.
func (c *crawl) extractFetch(ctx context.Context) error {
	if c.adapter.extract == nil {
		return kberr.New(kberr.KindDataError, "no extractor configured for extract method")
	}
	page, err := c.fetchPage(ctx, c.spec.Reference)
	if err != nil {
		return err
	}
	if page.skipped {
		return kberr.NotFound("page not found")
	}
	out, err := c.adapter.extract(ctx, page.canonical, page.body)
	if err != nil {
		return kberr.Wrap(kberr.KindDataError, err, "extract "+page.canonical)
	}
	doc := RawDocument{
		SourceID:   c.spec.ID,
		ExternalID: page.canonical,
		URI:        page.canonical,
		Title:      page.title,
		Mime:       "text/markdown",
		Data:       out,
		FetchedAt:  time.Now().UTC(),
		Checksum:   Checksum(out),
	}
	return c.sink.Push(ctx, doc, "done")
}

// setHeaders applies the request identity: the crawler UA by default, a
// browser profile under stealth_mode.
func (c *crawl) setHeaders(req *http.Request) {
	if c.cfg.StealthMode {
		req.Header.Set("User-Agent", stealthUserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		return
	}
	req.Header.Set("User-Agent", webUserAgent)
}

// discover walks the frontier level by level. Pages within one level fetch
// concurrently but deliver in insertion order, so output order is
// deterministic for a stable site.
func (c *crawl) discover(ctx context.Context, deliver func(context.Context, fetchedPage) error) ([]string, error) {
	start, err := canonicalURL(c.spec.Reference)
	if err != nil {
		return nil, err
	}
	frontier := []string{start}
	c.visited[start] = true
	var order []string

	for depth := 0; len(frontier) > 0 && c.total < c.cfg.MaxPages; depth++ {
		level := frontier
		if remaining := c.cfg.MaxPages - c.total; len(level) > remaining {
			level = level[:remaining]
		}
		frontier = nil

		pages := make([]fetchedPage, len(level))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.MaxConcurrency)
		var mu sync.Mutex
		for i, u := range level {
			i, u := i, u
			seed := depth == 0 && i == 0
			g.Go(func() error {
				if c.cfg.RequestDelayMS > 0 {
					select {
					case <-time.After(time.Duration(i*c.cfg.RequestDelayMS) * time.Millisecond):
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				page, err := c.fetchPage(gctx, u)
				if err != nil {
					// A failing discovered page is skipped; only the seed
					// failing aborts the fetch.
					if seed {
						return err
					}
					page = fetchedPage{skipped: true}
				}
				mu.Lock()
				pages[i] = page
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for _, page := range pages {
			if page.skipped {
				continue
			}
			c.total++
			order = append(order, page.canonical)
			if err := deliver(ctx, page); err != nil {
				return nil, err
			}
			if depth >= c.cfg.MaxDepth {
				continue
			}
			for _, link := range page.links {
				cu, err := canonicalURL(link)
				if err != nil || c.visited[cu] {
					continue
				}
				if !c.admissible(cu) {
					continue
				}
				c.visited[cu] = true
				frontier = append(frontier, cu)
			}
			if c.total >= c.cfg.MaxPages {
				break
			}
		}
	}
	return order, nil
}

// admissible applies same-host scoping, robots rules and the configured
// include/exclude patterns.
func (c *crawl) admissible(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	base, err := url.Parse(c.spec.Reference)
	if err != nil || !strings.EqualFold(u.Hostname(), base.Hostname()) {
		return false
	}
	if c.robots != nil && !c.robots.allowed(u.Path) {
		return false
	}
	return c.patterns.match(u.Path)
}

func (c *crawl) push(ctx context.Context, page fetchedPage) error {
	if c.pushed < c.skip {
		c.pushed++
		return nil
	}
	doc := RawDocument{
		SourceID:   c.spec.ID,
		ExternalID: page.canonical,
		URI:        page.canonical,
		Title:      page.title,
		Mime:       page.mime,
		Data:       page.body,
		FetchedAt:  time.Now().UTC(),
		Checksum:   Checksum(page.body),
	}
	c.pushed++
	return c.sink.Push(ctx, doc, strconv.Itoa(c.pushed))
}

// fetchPage retrieves one URL with the shared retry discipline, extracts
// links from the raw HTML, then runs readability. When readability cannot
// produce an article the raw HTML goes through unchanged so tables and code
// blocks survive.
func (c *crawl) fetchPage(ctx context.Context, pageURL string) (fetchedPage, error) {
	var (
		body []byte
		mime string
	)
	err := withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return kberr.Wrap(kberr.KindInvalidArgument, err, "build request")
		}
		c.setHeaders(req)
		resp, err := c.adapter.client.Do(req)
		if err != nil {
			return kberr.Wrap(kberr.KindTransient, err, "fetch "+pageURL)
		}
		defer resp.Body.Close()
		if _, cerr := classify(resp.StatusCode); cerr != nil {
			return cerr
		}
		mime = baseMime(resp.Header.Get("Content-Type"))
		body, err = io.ReadAll(io.LimitReader(resp.Body, 50<<20))
		if err != nil {
			return kberr.Wrap(kberr.KindTransient, err, "read "+pageURL)
		}
		return nil
	})
	if kberr.IsNotFound(err) {
		return fetchedPage{skipped: true}, nil
	}
	if err != nil {
		return fetchedPage{}, err
	}

	canonical, err := canonicalURL(pageURL)
	if err != nil {
		canonical = pageURL
	}
	page := fetchedPage{canonical: canonical, mime: mime, body: body}
	if mime != "text/html" && mime != "application/xhtml+xml" {
		return page, nil
	}

	page.links = extractLinks(body, pageURL)
	page.title = extractTitle(body)

	if u, perr := url.Parse(pageURL); perr == nil {
		if article, rerr := readability.FromReader(strings.NewReader(string(body)), u); rerr == nil && article.Content != "" {
			page.body = []byte(article.Content)
			if article.Title != "" {
				page.title = article.Title
			}
		}
	}
	return page, nil
}

func extractLinks(body []byte, base string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(strings.TrimSpace(attr.Val))
				if err != nil {
					continue
				}
				abs := baseURL.ResolveReference(ref)
				if abs.Scheme == "http" || abs.Scheme == "https" {
					links = append(links, abs.String())
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return links
}

func extractTitle(body []byte) string {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return title
}

// canonicalURL normalizes a URL for dedupe: scheme and host lowercased,
// fragment stripped, default ports removed, trailing slash dropped from
// directory paths.
func canonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", kberr.InvalidArgument("invalid url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", kberr.InvalidArgument("url %q must be http or https", raw)
	}
	if u.Host == "" {
		return "", kberr.InvalidArgument("url %q has no host", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}
	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// patternSet applies include/exclude patterns to URL paths. Patterns are
// globs ("*" within a segment, "**" across segments); anything that does
// not look like a glob is tried as a regular expression.
type patternSet struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

func newPatternSet(include, exclude []string) *patternSet {
	ps := &patternSet{}
	for _, p := range include {
		if re, err := compilePattern(p); err == nil {
			ps.include = append(ps.include, re)
		}
	}
	for _, p := range exclude {
		if re, err := compilePattern(p); err == nil {
			ps.exclude = append(ps.exclude, re)
		}
	}
	return ps
}

func (ps *patternSet) match(path string) bool {
	for _, re := range ps.exclude {
		if re.MatchString(path) {
			return false
		}
	}
	if len(ps.include) == 0 {
		return true
	}
	for _, re := range ps.include {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if strings.ContainsAny(pattern, "*?") {
		var b strings.Builder
		b.WriteString("^")
		for i := 0; i < len(pattern); i++ {
			switch pattern[i] {
			case '*':
				if i+1 < len(pattern) && pattern[i+1] == '*' {
					b.WriteString(".*")
					i++
				} else {
					b.WriteString("[^/]*")
				}
			case '?':
				b.WriteString("[^/]")
			default:
				b.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
			}
		}
		b.WriteString("$")
		re, err := regexp.Compile(b.String())
		if err != nil {
			return nil, kberr.InvalidArgument("invalid glob pattern %q", pattern)
		}
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, kberr.InvalidArgument("invalid pattern %q: %v", pattern, err)
	}
	return re, nil
}

// robotsRules is the subset of robots.txt the crawler honors: Disallow and
// Allow prefixes for User-agent * and for our own agent.
type robotsRules struct {
	disallow []string
	allow    []string
}

func (r *robotsRules) allowed(path string) bool {
	if path == "" {
		path = "/"
	}
	best := ""
	allowed := true
	for _, p := range r.disallow {
		if p != "" && strings.HasPrefix(path, p) && len(p) > len(best) {
			best, allowed = p, false
		}
	}
	for _, p := range r.allow {
		if p != "" && strings.HasPrefix(path, p) && len(p) >= len(best) {
			best, allowed = p, true
		}
	}
	return allowed
}

func (a *webAdapter) loadRobots(ctx context.Context, ref string) *robotsRules {
	u, err := url.Parse(ref)
	if err != nil {
		return nil
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", webUserAgent)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	return parseRobots(resp.Body)
}

func parseRobots(r io.Reader) *robotsRules {
	rules := &robotsRules{}
	scanner := bufio.NewScanner(r)
	applies := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field = strings.ToLower(strings.TrimSpace(field))
		value = strings.TrimSpace(value)
		switch field {
		case "user-agent":
			applies = value == "*" || strings.HasPrefix(webUserAgent, value)
		case "disallow":
			if applies {
				rules.disallow = append(rules.disallow, value)
			}
		case "allow":
			if applies {
				rules.allow = append(rules.allow, value)
			}
		}
	}
	return rules
}
