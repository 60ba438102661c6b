// Package fetch obtains the inputs the pipeline cannot produce itself: the
// vendor firmware image (downloaded when absent) and runtime metadata
// collected from a live device over SSH.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/k2rebuild/k2rebuild/lib/classifier"
	"github.com/k2rebuild/k2rebuild/lib/extract"
	"github.com/k2rebuild/k2rebuild/lib/paths"
)

// FallbackFirmwareURL is the pinned mirror used when no URL is configured.
const FallbackFirmwareURL = "https://file2-cdn.creality.com/file/0be5c59fef5b8640712d8213a0ed1cc2/CR0CN240110C10_ota_img_V1.1.2.10.img"

// Ensurer makes sure the firmware image and its extracted tree exist before
// the first stage runs. It is a synchronous prerequisite, not a stage.
type Ensurer struct {
	paths      *paths.Paths
	classifier *classifier.Classifier
	cascade    *extract.Cascade
	client     *http.Client
	url        string
	log        *slog.Logger
}

// NewEnsurer creates an Ensurer downloading from url (empty selects the
// pinned fallback).
func NewEnsurer(p *paths.Paths, cl *classifier.Classifier, ca *extract.Cascade, client *http.Client, url string, log *slog.Logger) *Ensurer {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if url == "" {
		url = FallbackFirmwareURL
	}
	return &Ensurer{paths: p, classifier: cl, cascade: ca, client: client, url: url, log: log}
}

// EnsureFirmware downloads and extracts the vendor image unless both the
// image and a non-empty extracted tree are already present.
func (e *Ensurer) EnsureFirmware(ctx context.Context) error {
	image := e.paths.FirmwareImage()
	if e.haveImage() && e.haveExtractedTree() {
		e.log.Info("firmware already present", "image", image)
		return nil
	}

	if !e.haveImage() {
		sum, err := e.download(ctx, image)
		if err != nil {
			return fmt.Errorf("download firmware: %w", err)
		}
		e.log.Info("firmware downloaded", "image", image, "sha256", sum)
	}

	verdict, err := e.classifier.Classify(ctx, image, e.paths.ScratchDir())
	if err != nil {
		return fmt.Errorf("classify firmware: %w", err)
	}
	dest := e.paths.ExtractedDir()
	if err := e.cascade.Extract(ctx, image, verdict, dest, e.paths.ScratchDir()); err != nil {
		return fmt.Errorf("extract firmware: %w", err)
	}
	e.log.Info("firmware extracted", "dest", dest, "kind", string(verdict.Kind))
	return nil
}

func (e *Ensurer) haveImage() bool {
	fi, err := os.Stat(e.paths.FirmwareImage())
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

func (e *Ensurer) haveExtractedTree() bool {
	entries, err := os.ReadDir(e.paths.ExtractedDir())
	return err == nil && len(entries) > 0
}

// download streams the image to disk, hashing as it goes. The image lands
// under a temp name first so a torn download never passes haveImage.
func (e *Ensurer) download(ctx context.Context, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s from %s", resp.Status, e.url)
	}

	tempPath := dest + ".partial"
	out, err := os.Create(tempPath)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	_, err = io.Copy(out, io.TeeReader(resp.Body, h))
	closeErr := out.Close()
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("stream body: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return "", closeErr
	}
	if err := os.Rename(tempPath, dest); err != nil {
		os.Remove(tempPath)
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
