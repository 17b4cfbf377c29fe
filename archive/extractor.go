package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/lithammer/shortuuid/v4"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"sam3web/config"
)

// PublicPrefix is the URL path under which extracted files are served.
const PublicPrefix = "/zip"

// Report describes an unpacked result archive.
type Report struct {
	ZipName     string    `json:"zipName"`
	ZipPath     string    `json:"zipPath"`
	ExtractPath string    `json:"extractPath"`
	VideoPath   string    `json:"videoPath,omitempty"`
	ImageCount  int       `json:"imageCount"`
	FileCount   int       `json:"fileCount"`
	DurationMs  int64     `json:"durationMs"`
	Timestamp   time.Time `json:"timestamp"`
}

type Extractor struct {
	cfg    *config.Config
	dir    string
	client *http.Client
}

func NewExtractor(cfg *config.Config) (*Extractor, error) {
	dir, err := filepath.Abs(cfg.ZipDir)
	if err != nil {
		return nil, fmt.Errorf("resolve zip dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create zip directory: %w", err)
	}
	// Timeout covers the whole download, body included.
	client := &http.Client{Timeout: cfg.ArchiveTimeout}
	return &Extractor{cfg: cfg, dir: dir, client: client}, nil
}

// Dir is the root holding downloaded archives and their extracted trees.
func (e *Extractor) Dir() string { return e.dir }

// Extract downloads the archive at url, unpacks it into a fresh directory
// and counts its images. The first video entry becomes VideoPath.
func (e *Extractor) Extract(ctx context.Context, url string) (*Report, error) {
	start := time.Now()
	if err := e.checkResources(); err != nil {
		return nil, fmt.Errorf("insufficient system resources: %w", err)
	}

	id := shortuuid.New()
	zipName := fmt.Sprintf("download_%s.zip", id)
	zipPath := filepath.Join(e.dir, zipName)
	if err := e.download(ctx, url, zipPath); err != nil {
		os.Remove(zipPath)
		return nil, err
	}

	extractName := fmt.Sprintf("extract_%s", id)
	extractPath := filepath.Join(e.dir, extractName)
	report, err := e.unpack(zipPath, extractPath, extractName)
	if err != nil {
		os.RemoveAll(extractPath)
		return nil, err
	}

	report.ZipName = zipName
	report.ZipPath = zipPath
	report.Timestamp = start.UTC()
	report.DurationMs = time.Since(start).Milliseconds()

	logrus.WithFields(logrus.Fields{
		"zip":    zipName,
		"files":  report.FileCount,
		"images": report.ImageCount,
		"video":  report.VideoPath,
	}).Info("archive extracted")
	return report, nil
}

func (e *Extractor) download(ctx context.Context, url, dest string) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("unsupported archive locator: %s", url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download archive, status: %s", resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	limited := &io.LimitedReader{R: resp.Body, N: e.cfg.MaxArchiveSize + 1}
	written, err := io.Copy(f, limited)
	if err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if written > e.cfg.MaxArchiveSize {
		return fmt.Errorf("archive size exceeds limit of %d bytes", e.cfg.MaxArchiveSize)
	}
	return f.Close()
}

func (e *Extractor) unpack(zipPath, extractPath, extractName string) (*Report, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(extractPath, 0o755); err != nil {
		return nil, err
	}

	report := &Report{ExtractPath: extractPath}
	var total int64
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		dest, err := safeJoin(extractPath, zf.Name)
		if err != nil {
			return nil, err
		}
		n, err := e.writeEntry(zf, dest, e.cfg.MaxArchiveSize-total)
		if err != nil {
			return nil, err
		}
		total += n
		report.FileCount++

		switch classify(zf.Name, dest) {
		case kindVideo:
			if report.VideoPath == "" {
				report.VideoPath = path.Join(PublicPrefix, extractName, filepath.ToSlash(zf.Name))
			}
		case kindImage:
			report.ImageCount++
		}
	}
	return report, nil
}

func (e *Extractor) writeEntry(zf *zip.File, dest string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	src, err := zf.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to read entry %s: %w", zf.Name, err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, &io.LimitedReader{R: src, N: budget + 1})
	if err != nil {
		return n, fmt.Errorf("failed to extract entry %s: %w", zf.Name, err)
	}
	if n > budget {
		return n, fmt.Errorf("extracted size exceeds limit of %d bytes", e.cfg.MaxArchiveSize)
	}
	return n, out.Close()
}

// safeJoin rejects entries that would land outside root.
func safeJoin(root, name string) (string, error) {
	dest := filepath.Join(root, filepath.FromSlash(name))
	if dest != root && !strings.HasPrefix(dest, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal entry path in archive: %s", name)
	}
	return dest, nil
}

type entryKind int

const (
	kindOther entryKind = iota
	kindImage
	kindVideo
)

// classify trusts the usual extensions and sniffs the content of anything else.
func classify(name, localPath string) entryKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".mov", ".webm", ".mkv":
		return kindVideo
	case ".jpg", ".jpeg", ".png":
		return kindImage
	}

	mtype, err := mimetype.DetectFile(localPath)
	if err != nil {
		return kindOther
	}
	switch {
	case strings.HasPrefix(mtype.String(), "video/"):
		return kindVideo
	case strings.HasPrefix(mtype.String(), "image/"):
		return kindImage
	}
	return kindOther
}

// checkResources refuses to extract when the host is short on disk or memory.
func (e *Extractor) checkResources() error {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logrus.WithError(err).Warn("could not get memory usage")
	} else if vm.Available < uint64(e.cfg.ThrottleFreeMem) {
		return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, e.cfg.ThrottleFreeMem)
	}

	d, err := disk.Usage(e.dir)
	if err != nil {
		logrus.WithError(err).WithField("dir", e.dir).Warn("could not get disk usage")
	} else if d.Free < uint64(e.cfg.ThrottleFreeDisk) {
		return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, e.cfg.ThrottleFreeDisk)
	}
	return nil
}
