package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/k2rebuild/k2rebuild/lib/classifier"
	"github.com/k2rebuild/k2rebuild/lib/extract"
	"github.com/k2rebuild/k2rebuild/lib/paths"
	"github.com/k2rebuild/k2rebuild/lib/system"
	"github.com/k2rebuild/k2rebuild/lib/system/systemtest"
	"github.com/stretchr/testify/require"
	"github.com/u-root/u-root/pkg/cpio"
)

func cpioBundle(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := cpio.Newc.Writer(&buf)
	for name, data := range members {
		require.NoError(t, w.WriteRecord(cpio.StaticFile(name, data, 0644)))
	}
	require.NoError(t, cpio.WriteTrailer(w))
	return buf.Bytes()
}

func newEnsurer(t *testing.T, url string) (*Ensurer, *paths.Paths) {
	t.Helper()
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())

	r := systemtest.New()
	// the primary extractor rejects the bundle, pushing classification to
	// the signature scan and then the cpio member probe
	r.Handle("unsquashfs", func(args []string) (*system.Result, error) {
		return &system.Result{ExitCode: 1, Stderr: "no superblock"}, nil
	})
	r.Handle("binwalk", func(args []string) (*system.Result, error) {
		return &system.Result{}, nil
	})

	cl := classifier.New(r, nil)
	ca := extract.NewCascade(r, nil)
	return NewEnsurer(p, cl, ca, nil, url, nil), p
}

func TestEnsureFirmwareDownloadsAndExtracts(t *testing.T) {
	bundle := cpioBundle(t, map[string]string{
		"rootfs":         "hsqs-payload",
		"sw-description": "software = {}",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bundle)
	}))
	defer srv.Close()

	e, p := newEnsurer(t, srv.URL+"/fw.img")
	require.NoError(t, e.EnsureFirmware(context.Background()))

	img, err := os.ReadFile(p.FirmwareImage())
	require.NoError(t, err)
	require.Equal(t, bundle, img)

	data, err := os.ReadFile(filepath.Join(p.ExtractedDir(), "rootfs"))
	require.NoError(t, err)
	require.Equal(t, "hsqs-payload", string(data))

	// no torn-download leftovers
	_, statErr := os.Stat(p.FirmwareImage() + ".partial")
	require.True(t, os.IsNotExist(statErr))
}

func TestEnsureFirmwareSkipsWhenPresent(t *testing.T) {
	e, p := newEnsurer(t, "http://127.0.0.1:1/unreachable")
	require.NoError(t, os.WriteFile(p.FirmwareImage(), []byte("img"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(p.ExtractedDir(), "rootfs"), []byte("tree"), 0644))

	// the unreachable URL proves no download is attempted
	require.NoError(t, e.EnsureFirmware(context.Background()))
}

func TestEnsureFirmwareBadStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	e, p := newEnsurer(t, srv.URL+"/fw.img")
	err := e.EnsureFirmware(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "download firmware")

	_, statErr := os.Stat(p.FirmwareImage())
	require.True(t, os.IsNotExist(statErr))
}

func TestCollectWritesMetadata(t *testing.T) {
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())

	r := systemtest.New()
	r.Handle("sshpass", func(args []string) (*system.Result, error) {
		remote := args[len(args)-1]
		switch {
		case remote == "echo connected":
			return &system.Result{Stdout: "connected\n"}, nil
		case remote == "uname -a":
			return &system.Result{Stdout: "Linux K2Plus 5.4.61 armv7l\n"}, nil
		case strings.Contains(remote, "device-tree/model"):
			return &system.Result{ExitCode: 255, Stderr: "connection reset"}, nil
		default:
			return &system.Result{Stdout: "ok\n"}, nil
		}
	})

	c := NewDeviceCollector(p, r, nil)
	meta, err := c.Collect(context.Background(), SSHTarget{Host: "10.0.0.5", User: "root", Password: "creality"})
	require.NoError(t, err)
	require.Equal(t, "Linux K2Plus 5.4.61 armv7l", meta.Results["kernel"])
	require.Equal(t, "ERR", meta.Results["device_model"])

	data, err := os.ReadFile(filepath.Join(p.DeviceStateDir(), "metadata.json"))
	require.NoError(t, err)
	var saved DeviceMetadata
	require.NoError(t, json.Unmarshal(data, &saved))
	require.Equal(t, "10.0.0.5", saved.Host)
	require.Len(t, saved.Results, len(meta.Results))
}

func TestCollectConnectionFailure(t *testing.T) {
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())

	r := systemtest.New()
	r.Handle("sshpass", func(args []string) (*system.Result, error) {
		return &system.Result{ExitCode: 5, Stderr: "Permission denied"}, nil
	})

	c := NewDeviceCollector(p, r, nil)
	_, err := c.Collect(context.Background(), SSHTarget{Host: "10.0.0.5", User: "root", Password: "wrong"})
	require.Error(t, err)
	require.ErrorContains(t, err, "ssh connection")
}
