package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentdesk/workstation/lib/ziputil"
)

// Extension versions are 1 to 4 dotted numeric components.
var versionRegexp = regexp.MustCompile(`^\d+(\.\d+){0,3}$`)

// Manifest carries the fields of manifest.json the pipeline validates.
type Manifest struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ManifestVersion int    `json:"manifest_version"`
}

// loadManifest reads and validates manifest.json inside root. Only
// Manifest V3 extensions are accepted.
func loadManifest(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest.json: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest.json: %w", err)
	}
	if m.ManifestVersion != 3 {
		return nil, fmt.Errorf("unsupported manifest_version %d, only 3 is supported", m.ManifestVersion)
	}
	if !versionRegexp.MatchString(m.Version) {
		return nil, fmt.Errorf("invalid extension version %q", m.Version)
	}
	return &m, nil
}

// findExtensionRoot locates the directory holding manifest.json: either
// dir itself, or its single top-level subdirectory. GitHub archives
// wrap the repository in a "<repo>-<ref>" directory, which is why the
// second case exists.
func findExtensionRoot(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, "manifest.json")); err == nil {
		return dir, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read extracted dir: %w", err)
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	if len(dirs) == 1 {
		nested := filepath.Join(dir, dirs[0])
		if _, err := os.Stat(filepath.Join(nested, "manifest.json")); err == nil {
			return nested, nil
		}
	}
	return "", fmt.Errorf("no manifest.json found in extension source")
}

// githubRepoPath extracts "owner/repo" from a GitHub repository URL.
func githubRepoPath(repoURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(repoURL))
	if err != nil {
		return "", fmt.Errorf("parse repository url: %w", err)
	}
	path := strings.TrimSuffix(strings.Trim(parsed.Path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("repository url %q must contain owner/repo", repoURL)
	}
	return parts[0] + "/" + parts[1], nil
}

// fetchGitHubArchive downloads the repository zip via codeload, trying
// the requested branch and then main, master and HEAD. Returns the path
// of the downloaded zip.
func (i *Installer) fetchGitHubArchive(ctx context.Context, repoURL, branch, workDir string) (string, error) {
	repoPath, err := githubRepoPath(repoURL)
	if err != nil {
		return "", err
	}

	refs := []string{}
	if branch != "" {
		refs = append(refs, branch)
	}
	for _, fallback := range []string{"main", "master", "HEAD"} {
		if fallback != branch {
			refs = append(refs, fallback)
		}
	}

	zipPath := filepath.Join(workDir, "source.zip")
	var lastErr error
	for _, ref := range refs {
		archiveURL := fmt.Sprintf("%s/%s/zip/%s", i.codeloadBase, repoPath, ref)
		if err := i.downloadTo(ctx, archiveURL, zipPath); err != nil {
			lastErr = err
			continue
		}
		i.log.Info("downloaded extension source", "repo", repoPath, "ref", ref)
		return zipPath, nil
	}
	return "", fmt.Errorf("download %s: no fetchable ref: %w", repoPath, lastErr)
}

func (i *Installer) downloadTo(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("save %s: %w", rawURL, err)
	}
	return nil
}

// materializeUpload writes an uploaded archive into workDir and unzips
// it, returning the extraction directory.
func materializeUpload(archive io.Reader, workDir string) (string, error) {
	zipPath := filepath.Join(workDir, "upload.zip")
	out, err := os.Create(zipPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, archive); err != nil {
		out.Close()
		return "", fmt.Errorf("save upload: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	extractDir := filepath.Join(workDir, "src")
	if err := ziputil.Extract(zipPath, extractDir); err != nil {
		return "", err
	}
	return extractDir, nil
}
