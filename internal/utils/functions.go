package utils

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

// NewToken returns a unique identifier for naming temporary artifacts so
// concurrent runs in the same directory never collide.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func RenewOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		outputPath = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			return outputPath
		}
		index++
	}
}

// reservedHeaders are set per request by the downloader.
var reservedHeaders = map[string]bool{"Range": true, "If-Range": true}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			if key == "" {
				continue
			}
			if reservedHeaders[http.CanonicalHeaderKey(key)] {
				log.Warn().Str("header", key).Msg("Ignoring custom header that controls byte ranges")
				continue
			}
			result[key] = value
		}
	}
	return result
}

func SanitizeFilename(name string) string {
	name = filenameRegex.ReplaceAllString(filepath.Base(name), "_")
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}

// FileNameFromURL returns the sanitized last path segment of link, or
// "download" when the path carries no usable name.
func FileNameFromURL(link string) string {
	parsedURL, err := url.Parse(link)
	if err != nil {
		return "download"
	}
	name := SanitizeFilename(path.Base(parsedURL.Path))
	if name == "" || name == "_" {
		return "download"
	}
	return name
}

func TempDir(outputPath string) string {
	return filepath.Join(filepath.Dir(outputPath), TempDirName)
}

// TempArtifactPath names a temporary artifact belonging to outputPath.
// suffix distinguishes the assembled file ("part") from chunk spools ("chunk3").
func TempArtifactPath(outputPath, token, suffix string) string {
	return filepath.Join(TempDir(outputPath), fmt.Sprintf("%s.%s.%s", filepath.Base(outputPath), token, suffix))
}

// Clean removes temporary artifacts left behind for outputPath. When
// outputPath is a directory, every artifact in its temp directory goes.
func Clean(outputPath string) (int, error) {
	tempDir := TempDir(outputPath)
	prefix := filepath.Base(outputPath) + "."
	if info, err := os.Stat(outputPath); err == nil && info.IsDir() {
		tempDir = filepath.Join(outputPath, TempDirName)
		prefix = ""
	}
	files, err := os.ReadDir(tempDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, file := range files {
		if !strings.HasPrefix(file.Name(), prefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(tempDir, file.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	RemoveTempDirIfEmpty(tempDir)
	return removed, nil
}

func RemoveTempDirIfEmpty(tempDir string) {
	remainingFiles, err := os.ReadDir(tempDir)
	if err == nil && len(remainingFiles) == 0 {
		os.Remove(tempDir)
	}
}

// SplitProxyAuth moves credentials embedded in proxyURL out into the
// username and password, unless a username was given explicitly.
func SplitProxyAuth(proxyURL, username, password string) (string, string, string) {
	if proxyURL == "" {
		return proxyURL, username, password
	}
	parsedProxy, err := url.Parse(proxyURL)
	if err != nil || parsedProxy.User == nil || username != "" {
		return proxyURL, username, password
	}
	username = parsedProxy.User.Username()
	if p, set := parsedProxy.User.Password(); set {
		password = p
	}
	parsedProxy.User = nil
	return parsedProxy.String(), username, password
}
