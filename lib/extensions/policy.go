package extensions

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Chrome extension ids are 32 lowercase a-p characters.
var extensionIDRegexp = regexp.MustCompile(`^[a-p]{32}$`)

// forcePolicy is the managed-policy document forcing one extension.
// One file per extension keeps concurrent installs from clobbering each
// other's entries.
type forcePolicy struct {
	ExtensionInstallForcelist []string `json:"ExtensionInstallForcelist"`
}

// WriteForcePolicy writes force_<id>.json into policyDir and returns
// its path. The browser watches the directory and merges every file.
func WriteForcePolicy(policyDir, extensionID, updateURL string) (string, error) {
	if !extensionIDRegexp.MatchString(extensionID) {
		return "", fmt.Errorf("invalid extension id %q", extensionID)
	}

	policy := forcePolicy{
		ExtensionInstallForcelist: []string{fmt.Sprintf("%s;%s", extensionID, updateURL)},
	}
	data, err := json.MarshalIndent(policy, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal policy: %w", err)
	}

	path := filepath.Join(policyDir, "force_"+extensionID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write policy file: %w", err)
	}
	return path, nil
}

// updateManifest is the gupdate response document served next to the
// CRX. The browser polls it to decide whether to (re)install.
type updateManifest struct {
	XMLName  xml.Name    `xml:"gupdate"`
	XMLNS    string      `xml:"xmlns,attr"`
	Protocol string      `xml:"protocol,attr"`
	Apps     []updateApp `xml:"app"`
}

type updateApp struct {
	AppID       string      `xml:"appid,attr"`
	UpdateCheck updateCheck `xml:"updatecheck"`
}

type updateCheck struct {
	Codebase string `xml:"codebase,attr"`
	Version  string `xml:"version,attr"`
}

// WriteUpdateManifest writes update.xml referencing the published CRX.
func WriteUpdateManifest(path, extensionID, crxURL, version string) error {
	manifest := updateManifest{
		XMLNS:    "http://www.google.com/update2/response",
		Protocol: "2.0",
		Apps: []updateApp{{
			AppID:       extensionID,
			UpdateCheck: updateCheck{Codebase: crxURL, Version: version},
		}},
	}
	data, err := xml.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal update manifest: %w", err)
	}
	data = append([]byte(xml.Header), data...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write update manifest: %w", err)
	}
	return nil
}
