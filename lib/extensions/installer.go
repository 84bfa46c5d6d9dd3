// Package extensions builds, publishes and force-installs Chrome
// extensions. A source (GitHub repository or uploaded archive) is
// packed into a CRX with a per-source signing key, served from a local
// repository route, and pushed into the browser through a managed
// policy force-list entry.
package extensions

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/agentdesk/workstation/lib/ziputil"
)

const defaultInstallWait = 20 * time.Second

// DevTools provides the browser endpoint used to trigger a policy
// reload after the force-list file is written. Implemented by
// cdpproxy.UpstreamManager.
type DevTools interface {
	CurrentURL() string
	Subscribe() (<-chan string, func())
}

// Options configures the install pipeline paths and the packer.
type Options struct {
	// BrowserBin packs the extension and is the install target.
	BrowserBin string
	// BrowserUser, when set, runs the packer via runuser as that user.
	BrowserUser string
	// PolicyDir is the managed-policy directory the browser watches.
	PolicyDir string
	// RepoDir stores published CRX and update.xml artifacts.
	RepoDir string
	// RepoBaseURL is the public prefix under which RepoDir is served.
	RepoBaseURL string
	// KeystoreDir persists per-source signing keys.
	KeystoreDir string
	// ProfileDir is the browser profile; installs land under its
	// Extensions subdirectory.
	ProfileDir string
	// InstallWait bounds the post-policy install poll.
	InstallWait time.Duration
	// RestartSentinel, when set, is touched to ask the process
	// supervisor for a browser restart when CDP is unreachable.
	RestartSentinel string
}

// Report describes the artifacts produced by one install.
type Report struct {
	ID                   string `json:"id"`
	Version              string `json:"version"`
	CRXPath              string `json:"crxPath"`
	UpdateManifestPath   string `json:"updateManifestPath"`
	UpdateURL            string `json:"updateUrl"`
	PolicyPath           string `json:"policyPath"`
	Installed            bool   `json:"installed"`
	ProfileExtensionsDir string `json:"profileExtensionsDir"`
}

// Installer runs the acquire-pack-publish-force pipeline.
type Installer struct {
	opts     Options
	keystore *Keystore
	devtools DevTools
	log      *slog.Logger

	client       *http.Client
	codeloadBase string
	command      func(name string, arg ...string) *exec.Cmd
}

// NewInstaller creates an Installer. devtools may be nil, in which case
// installs still publish artifacts but report installed=false.
func NewInstaller(opts Options, devtools DevTools, log *slog.Logger) *Installer {
	if opts.InstallWait <= 0 {
		opts.InstallWait = defaultInstallWait
	}
	return &Installer{
		opts:         opts,
		keystore:     NewKeystore(opts.KeystoreDir),
		devtools:     devtools,
		log:          log.With("component", "extensions"),
		client:       &http.Client{Timeout: 60 * time.Second},
		codeloadBase: "https://codeload.github.com",
		command:      exec.Command,
	}
}

// InstallFromGitHub fetches a repository archive and installs it.
func (i *Installer) InstallFromGitHub(ctx context.Context, repoURL, branch string) (*Report, error) {
	workDir, err := os.MkdirTemp("", "extension-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	zipPath, err := i.fetchGitHubArchive(ctx, repoURL, branch, workDir)
	if err != nil {
		return nil, err
	}
	srcDir := filepath.Join(workDir, "src")
	if err := ziputil.Extract(zipPath, srcDir); err != nil {
		return nil, err
	}
	return i.installFromDir(ctx, srcDir, GitHubKeyID(repoURL))
}

// InstallFromUpload unpacks an uploaded zip archive and installs it.
// The key id is derived from the manifest name, so re-uploads of the
// same extension keep their id.
func (i *Installer) InstallFromUpload(ctx context.Context, archive io.Reader) (*Report, error) {
	workDir, err := os.MkdirTemp("", "extension-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	srcDir, err := materializeUpload(archive, workDir)
	if err != nil {
		return nil, err
	}
	root, err := findExtensionRoot(srcDir)
	if err != nil {
		return nil, err
	}
	manifest, err := loadManifest(root)
	if err != nil {
		return nil, err
	}
	return i.install(ctx, root, manifest, UploadKeyID(manifest.Name))
}

func (i *Installer) installFromDir(ctx context.Context, srcDir, keyID string) (*Report, error) {
	root, err := findExtensionRoot(srcDir)
	if err != nil {
		return nil, err
	}
	manifest, err := loadManifest(root)
	if err != nil {
		return nil, err
	}
	return i.install(ctx, root, manifest, keyID)
}

func (i *Installer) install(ctx context.Context, root string, manifest *Manifest, keyID string) (*Report, error) {
	key, pemPath, err := i.keystore.Ensure(keyID)
	if err != nil {
		return nil, err
	}
	extensionID, err := ExtensionID(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	crxPath, err := i.pack(root, pemPath)
	if err != nil {
		return nil, err
	}

	destDir := filepath.Join(i.opts.RepoDir, extensionID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	publishedCRX := filepath.Join(destDir, extensionID+".crx")
	if err := copyFile(crxPath, publishedCRX); err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(i.opts.RepoBaseURL, "/")
	crxURL := fmt.Sprintf("%s/%s/%s.crx", base, extensionID, extensionID)
	updateURL := fmt.Sprintf("%s/%s/update.xml", base, extensionID)
	updatePath := filepath.Join(destDir, "update.xml")
	if err := WriteUpdateManifest(updatePath, extensionID, crxURL, manifest.Version); err != nil {
		return nil, err
	}

	policyPath, err := WriteForcePolicy(i.opts.PolicyDir, extensionID, updateURL)
	if err != nil {
		return nil, err
	}

	i.log.Info("extension published",
		"id", extensionID, "version", manifest.Version, "name", manifest.Name)

	return &Report{
		ID:                   extensionID,
		Version:              manifest.Version,
		CRXPath:              publishedCRX,
		UpdateManifestPath:   updatePath,
		UpdateURL:            updateURL,
		PolicyPath:           policyPath,
		Installed:            i.induceInstall(ctx, extensionID),
		ProfileExtensionsDir: i.profileExtensionsDir(),
	}, nil
}

// pack signs root into a CRX with the browser's own packer so the CRX
// format always matches the installed browser version.
func (i *Installer) pack(root, pemPath string) (string, error) {
	args := []string{
		"--pack-extension=" + root,
		"--pack-extension-key=" + pemPath,
		"--no-sandbox",
	}

	var cmd *exec.Cmd
	if i.opts.BrowserUser != "" {
		argv := append([]string{"-u", i.opts.BrowserUser, "--", i.opts.BrowserBin}, args...)
		cmd = i.command("runuser", argv...)
	} else {
		cmd = i.command(i.opts.BrowserBin, args...)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("pack extension: %w: %s", err, tail(output, 512))
	}

	crxPath := root + ".crx"
	if _, err := os.Stat(crxPath); err != nil {
		return "", fmt.Errorf("packer produced no CRX at %s: %s", crxPath, tail(output, 512))
	}
	return crxPath, nil
}

// induceInstall asks the browser to reload policies and waits for the
// extension to appear in the profile. Falls back to a browser restart.
// A timeout is not an error; the force-list entry survives and the
// browser will install on its own schedule.
func (i *Installer) induceInstall(ctx context.Context, extensionID string) bool {
	if i.devtools == nil {
		return false
	}
	wsURL := i.devtools.CurrentURL()
	if wsURL == "" {
		i.log.Warn("devtools unavailable, skipping install trigger", "id", extensionID)
		return false
	}

	if err := i.reloadPolicies(ctx, wsURL); err != nil {
		i.log.Warn("policy reload failed", "err", err)
	}
	if i.waitInstalled(ctx, extensionID, i.opts.InstallWait) {
		return true
	}

	i.log.Info("extension not installed after policy reload, restarting browser", "id", extensionID)
	updates, unsubscribe := i.devtools.Subscribe()
	defer unsubscribe()
	if err := i.restartBrowser(ctx, wsURL); err != nil {
		i.log.Warn("browser restart failed", "err", err)
		return false
	}

	select {
	case <-updates:
	case <-time.After(i.opts.InstallWait):
		return false
	case <-ctx.Done():
		return false
	}
	return i.waitInstalled(ctx, extensionID, i.opts.InstallWait/2)
}

func (i *Installer) waitInstalled(ctx context.Context, extensionID string, wait time.Duration) bool {
	interval := 500 * time.Millisecond
	attempts := uint(wait / interval)
	if attempts == 0 {
		attempts = 1
	}

	target := filepath.Join(i.profileExtensionsDir(), extensionID)
	err := retry.New(
		retry.Attempts(attempts),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		if _, err := os.Stat(target); err != nil {
			return fmt.Errorf("extension %s not installed yet", extensionID)
		}
		return nil
	})
	return err == nil
}

// reloadPolicies opens chrome://policy in a fresh target and clicks its
// reload control, making the browser pick up the new force-list file
// without a restart.
func (i *Installer) reloadPolicies(ctx context.Context, wsURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	sess, err := dialCDP(ctx, wsURL)
	if err != nil {
		return err
	}
	defer sess.close()

	created, err := sess.call(ctx, "Target.createTarget", map[string]interface{}{"url": "chrome://policy"}, "")
	if err != nil {
		return err
	}
	var target struct {
		TargetID string `json:"targetId"`
	}
	if err := decodeResult(created, &target); err != nil {
		return err
	}
	defer func() {
		_, _ = sess.call(ctx, "Target.closeTarget", map[string]interface{}{"targetId": target.TargetID}, "")
	}()

	attached, err := sess.call(ctx, "Target.attachToTarget", map[string]interface{}{
		"targetId": target.TargetID,
		"flatten":  true,
	}, "")
	if err != nil {
		return err
	}
	var attach struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeResult(attached, &attach); err != nil {
		return err
	}

	// The policy WebUI exposes its reload action as a button.
	_, err = sess.call(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression": `document.getElementById('reload-policies').click()`,
	}, attach.SessionID)
	return err
}

// restartBrowser navigates a target to chrome://restart. The socket
// drops as the browser goes down, so call errors after the navigation
// are expected.
func (i *Installer) restartBrowser(ctx context.Context, wsURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sess, err := dialCDP(ctx, wsURL)
	if err != nil {
		return i.requestSupervisedRestart(err)
	}
	defer sess.close()

	if _, err := sess.call(ctx, "Target.createTarget", map[string]interface{}{"url": "chrome://restart"}, ""); err != nil {
		i.log.Debug("restart navigation ended connection", "err", err)
	}
	return nil
}

// requestSupervisedRestart touches the restart sentinel so the process
// supervisor bounces the browser. Used when the CDP socket is already
// gone.
func (i *Installer) requestSupervisedRestart(cause error) error {
	if i.opts.RestartSentinel == "" {
		return cause
	}
	if err := os.WriteFile(i.opts.RestartSentinel, []byte(time.Now().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write restart sentinel: %w", err)
	}
	i.log.Info("requested browser restart via sentinel", "path", i.opts.RestartSentinel)
	return nil
}

func (i *Installer) profileExtensionsDir() string {
	return filepath.Join(i.opts.ProfileDir, "Extensions")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
