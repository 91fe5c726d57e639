package dataset

import (
	"archive/zip"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// DownloadURL is the archive holding the PTB-format SST trees.
const DownloadURL = "https://nlp.stanford.edu/sentiment/trainDevTestTrees_PTB.zip"

const localZipFile = "trainDevTestTrees_PTB.zip"

// DownloadIfMissing fetches and unpacks the SST trees into dir unless the tree
// files are already there.
func DownloadIfMissing(dir string) error {
	if TreesPresent(dir) {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating data directory %q", dir)
	}
	zipPath := filepath.Join(dir, localZipFile)
	if _, err := os.Stat(zipPath); err != nil {
		klog.Infof("downloading %s", DownloadURL)
		if err := download(DownloadURL, zipPath); err != nil {
			return err
		}
	}
	if err := unzipTrees(zipPath, dir); err != nil {
		return err
	}
	if !TreesPresent(dir) {
		return errors.Errorf("unpacked %q but %s and %s are still missing in %q", zipPath, TrainFile, DevFile, dir)
	}
	return nil
}

func download(url, filePath string) error {
	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed downloading %q: status %s", url, resp.Status)
	}

	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "failed creating file %q", tmp)
	}
	bar := progressbar.DefaultBytes(resp.ContentLength, "sst")
	if _, err := io.Copy(io.MultiWriter(file, bar), resp.Body); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "downloading %q to %q", url, tmp)
	}
	_ = bar.Finish()
	if err := file.Close(); err != nil {
		return errors.Wrapf(err, "failed closing %q", tmp)
	}
	return os.Rename(tmp, filePath)
}

// unzipTrees extracts the *.txt tree files of the archive flat into dir.
func unzipTrees(zipPath, dir string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return errors.Wrapf(err, "opening %q", zipPath)
	}
	defer zr.Close()

	for _, f := range zr.File {
		name := path.Base(f.Name)
		if f.FileInfo().IsDir() || path.Ext(name) != ".txt" {
			continue
		}
		if err := extractFile(f, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "opening %q in archive", f.Name)
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "creating %q", dst)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "extracting %q", f.Name)
	}
	return out.Close()
}
