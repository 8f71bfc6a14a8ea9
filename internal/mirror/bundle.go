package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jaakkos/teamboard/internal/board"
	"github.com/jaakkos/teamboard/internal/domain"
)

// prURLPattern matches GitHub pull request URLs inside free text.
var prURLPattern = regexp.MustCompile(`https?://github\.com/[^/\s]+/[^/\s]+/pull/\d+`)

// fetchTimeout bounds each upstream PR/CI call.
const fetchTimeout = 5 * time.Second

// PRInfo is the resolved pull-request state.
type PRInfo struct {
	URL    string `json:"url"`
	State  string `json:"state,omitempty"` // open | closed
	Merged bool   `json:"merged,omitempty"`
	Title  string `json:"title,omitempty"`
}

// CIInfo is the resolved CI state for the PR head. State is success,
// failure, pending, or unknown when the upstream could not be reached.
type CIInfo struct {
	State   string `json:"state"`
	Details string `json:"details,omitempty"`
}

// Fetcher resolves PR and CI state. The default talks to the GitHub
// API; tests substitute a stub.
type Fetcher interface {
	FetchPR(ctx context.Context, url string) (PRInfo, error)
	FetchCI(ctx context.Context, url string) (CIInfo, error)
}

// ArtifactCheck records whether one artifact path resolved on disk.
type ArtifactCheck struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// ReviewBundle is the assembled review evidence for a task.
type ReviewBundle struct {
	TaskID      string          `json:"taskId"`
	PR          *PRInfo         `json:"pr,omitempty"`
	CI          CIInfo          `json:"ci"`
	Artifacts   []ArtifactCheck `json:"artifacts"`
	Verdict     string          `json:"verdict"` // pass | fail
	Reasons     []string        `json:"reasons,omitempty"`
	GeneratedAt int64           `json:"generatedAt"`
}

// BundleBuilder assembles review bundles and leaves an audit comment on
// the task for every build, pass or fail.
type BundleBuilder struct {
	tasks   *board.Service
	fetcher Fetcher
	logger  *log.Logger
	baseDir string // artifact paths resolve relative to this
	strict  bool   // require CI success for a pass verdict
	clock   func() time.Time
}

// BuilderOption configures the builder.
type BuilderOption func(*BundleBuilder)

// WithBaseDir sets the directory artifact paths resolve against.
func WithBaseDir(dir string) BuilderOption {
	return func(b *BundleBuilder) { b.baseDir = dir }
}

// WithStrictCI requires CI success for a pass verdict.
func WithStrictCI(strict bool) BuilderOption {
	return func(b *BundleBuilder) { b.strict = strict }
}

// WithBuilderClock overrides the time source (tests).
func WithBuilderClock(clock func() time.Time) BuilderOption {
	return func(b *BundleBuilder) { b.clock = clock }
}

// NewBundleBuilder creates the builder. A nil fetcher falls back to the
// GitHub API fetcher.
func NewBundleBuilder(tasks *board.Service, fetcher Fetcher, logger *log.Logger, opts ...BuilderOption) *BundleBuilder {
	if fetcher == nil {
		fetcher = &githubFetcher{client: &http.Client{Timeout: fetchTimeout}}
	}
	b := &BundleBuilder{tasks: tasks, fetcher: fetcher, logger: logger, baseDir: ".", strict: true, clock: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build assembles the bundle for a task. Upstream fetch failures never
// fail the call: they downgrade the CI state to unknown.
func (b *BundleBuilder) Build(ctx context.Context, taskID string) (ReviewBundle, error) {
	t, err := b.tasks.Get(taskID)
	if err != nil {
		return ReviewBundle{}, err
	}

	bundle := ReviewBundle{
		TaskID:      t.ID,
		CI:          CIInfo{State: "unknown"},
		GeneratedAt: domain.NowMs(b.clock()),
	}

	if url := findPRURL(t); url != "" {
		fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		pr, err := b.fetcher.FetchPR(fctx, url)
		cancel()
		if err != nil {
			bundle.CI.Details = fmt.Sprintf("pr fetch: %v", err)
			bundle.Reasons = append(bundle.Reasons, "pr unresolved")
		} else {
			pr.URL = url
			bundle.PR = &pr

			fctx, cancel = context.WithTimeout(ctx, fetchTimeout)
			ci, err := b.fetcher.FetchCI(fctx, url)
			cancel()
			if err != nil {
				bundle.CI = CIInfo{State: "unknown", Details: fmt.Sprintf("ci fetch: %v", err)}
			} else {
				bundle.CI = ci
			}
		}
	} else {
		bundle.Reasons = append(bundle.Reasons, "no PR URL in metadata")
	}

	existing := 0
	for _, path := range artifactPaths(t) {
		check := ArtifactCheck{Path: path}
		if _, err := os.Stat(filepath.Join(b.baseDir, path)); err == nil {
			check.Exists = true
			existing++
		}
		bundle.Artifacts = append(bundle.Artifacts, check)
	}
	switch {
	case len(bundle.Artifacts) == 0:
		bundle.Reasons = append(bundle.Reasons, "no artifact paths resolved")
	case existing == 0:
		bundle.Reasons = append(bundle.Reasons, "no artifact exists on disk")
	}
	if b.strict && bundle.PR != nil && bundle.CI.State != "success" {
		bundle.Reasons = append(bundle.Reasons, fmt.Sprintf("ci state is %s", bundle.CI.State))
	}

	if bundle.PR != nil && existing > 0 && (!b.strict || bundle.CI.State == "success") {
		bundle.Verdict = "pass"
		bundle.Reasons = nil
	} else {
		bundle.Verdict = "fail"
	}

	b.auditComment(t.ID, bundle)
	return bundle, nil
}

func (b *BundleBuilder) auditComment(taskID string, bundle ReviewBundle) {
	pr := "none"
	if bundle.PR != nil {
		pr = bundle.PR.URL
	}
	content := fmt.Sprintf("[review-bundle] verdict=%s pr=%s ci=%s artifacts=%d",
		bundle.Verdict, pr, bundle.CI.State, len(bundle.Artifacts))
	if len(bundle.Reasons) > 0 {
		content += " reasons: " + strings.Join(bundle.Reasons, "; ")
	}
	if _, err := b.tasks.AddComment(taskID, "system", content); err != nil {
		b.logger.Printf("Mirror: bundle audit comment on %s: %v", taskID, err)
	}
}

// findPRURL scans artifacts, pr_url, and the QA bundle links for the
// first pull-request URL.
func findPRURL(t domain.Task) string {
	var haystacks []string
	haystacks = append(haystacks, domain.MetaStrings(t.Metadata, domain.MetaArtifacts)...)
	haystacks = append(haystacks, t.MetaString(domain.MetaPRURL))
	var bundle domain.QABundle
	if ok, err := domain.DecodeMeta(t.Metadata, domain.MetaQABundle, &bundle); ok && err == nil {
		haystacks = append(haystacks, bundle.ArtifactLinks...)
	}
	for _, h := range haystacks {
		if m := prURLPattern.FindString(h); m != "" {
			return m
		}
	}
	return ""
}

// artifactPaths collects local process/ paths from artifacts and
// artifact_path.
func artifactPaths(t domain.Task) []string {
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		if strings.HasPrefix(p, "process/") && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, a := range domain.MetaStrings(t.Metadata, domain.MetaArtifacts) {
		add(a)
	}
	add(t.MetaString(domain.MetaArtifactPath))
	return paths
}

// githubFetcher resolves PR and CI state through the public GitHub API.
type githubFetcher struct {
	client *http.Client
}

var prPartsPattern = regexp.MustCompile(`github\.com/([^/\s]+)/([^/\s]+)/pull/(\d+)`)

func (g *githubFetcher) FetchPR(ctx context.Context, url string) (PRInfo, error) {
	parts := prPartsPattern.FindStringSubmatch(url)
	if parts == nil {
		return PRInfo{}, fmt.Errorf("not a pull request url: %s", url)
	}
	api := fmt.Sprintf("https://api.github.com/repos/%s/%s/pulls/%s", parts[1], parts[2], parts[3])
	var body struct {
		State  string `json:"state"`
		Merged bool   `json:"merged"`
		Title  string `json:"title"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	if err := g.getJSON(ctx, api, &body); err != nil {
		return PRInfo{}, err
	}
	return PRInfo{State: body.State, Merged: body.Merged, Title: body.Title}, nil
}

func (g *githubFetcher) FetchCI(ctx context.Context, url string) (CIInfo, error) {
	parts := prPartsPattern.FindStringSubmatch(url)
	if parts == nil {
		return CIInfo{}, fmt.Errorf("not a pull request url: %s", url)
	}
	var pr struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	api := fmt.Sprintf("https://api.github.com/repos/%s/%s/pulls/%s", parts[1], parts[2], parts[3])
	if err := g.getJSON(ctx, api, &pr); err != nil {
		return CIInfo{}, err
	}
	var status struct {
		State string `json:"state"`
	}
	api = fmt.Sprintf("https://api.github.com/repos/%s/%s/commits/%s/status", parts[1], parts[2], pr.Head.SHA)
	if err := g.getJSON(ctx, api, &status); err != nil {
		return CIInfo{}, err
	}
	return CIInfo{State: status.State}, nil
}

func (g *githubFetcher) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
