// Package discovery analyzes MCP server repositories: it fetches the
// repository README, synthesizes an installation script with an LLM, and
// derives a content-addressed image tag so identical scripts reuse images.
package discovery

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrReadmeNotFound indicates the repository has no root README.
var ErrReadmeNotFound = errors.New("discovery: no README found in the repository root")

const githubAPIBase = "https://api.github.com"

// ParseRepoURL extracts (owner, repo) from a GitHub repository URL.
// Accepts HTTPS and SSH forms, with or without a trailing .git.
func ParseRepoURL(rawURL string) (owner, repo string, err error) {
	rawURL = strings.TrimSpace(rawURL)

	if path, ok := strings.CutPrefix(rawURL, "git@github.com:"); ok {
		path = strings.TrimSuffix(path, ".git")
		owner, repo, ok = strings.Cut(path, "/")
		if !ok || owner == "" || repo == "" {
			return "", "", fmt.Errorf("malformed SSH repository URL %q", rawURL)
		}
		return owner, repo, nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing repository URL: %w", err)
	}
	if parsed.Host != "github.com" && parsed.Host != "www.github.com" {
		return "", "", fmt.Errorf("URL must be a github.com repository URL, got %q", rawURL)
	}

	parts := strings.FieldsFunc(parsed.Path, func(r rune) bool { return r == '/' })
	if len(parts) < 2 {
		return "", "", fmt.Errorf("repository URL must be like https://github.com/<owner>/<repo>, got %q", rawURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// ReadmeFetcher retrieves the root README text for a repository URL.
type ReadmeFetcher interface {
	FetchReadme(ctx context.Context, repoURL string) (string, error)
}

// GitHubReadmeFetcher fetches READMEs through the GitHub REST API. A token
// enables private repositories and a higher rate limit.
type GitHubReadmeFetcher struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

func (f *GitHubReadmeFetcher) FetchReadme(ctx context.Context, repoURL string) (string, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return "", err
	}

	base := f.BaseURL
	if base == "" {
		base = githubAPIBase
	}
	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/repos/%s/%s/readme", base, owner, repo), nil)
	if err != nil {
		return "", fmt.Errorf("creating README request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3.raw")
	req.Header.Set("User-Agent", "onemcp-discovery/1.0")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching README: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrReadmeNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching README: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading README body: %w", err)
	}
	return string(body), nil
}

// ImageTag derives a deterministic image tag from the repository URL and the
// setup script content. Identical scripts map to the same tag, so rebuilding
// a previously discovered server reuses the cached image.
func ImageTag(repoURL, setupScript string) string {
	slug := "mcp"
	if _, repo, err := ParseRepoURL(repoURL); err == nil {
		slug = slugify(repo)
	}
	sum := sha256.Sum256([]byte(setupScript))
	return fmt.Sprintf("onemcp-%s-%x", slug, sum[:6])
}

// slugify lowercases and strips anything a docker tag cannot carry.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "mcp"
	}
	return out
}
