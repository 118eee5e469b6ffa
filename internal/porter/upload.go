package porter

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
)

// IndexEntry is one artifact in a repository's upload index.
type IndexEntry struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	File     string `json:"file"`
	Size     int64  `json:"size"`
	Blake3   string `json:"blake3"`
	Uploaded string `json:"uploaded"`
}

// Uploader publishes build artifacts to the testing repository layout of
// the bucket: <repo>-testing/os/<arch>/<file>, with a per-repo JSON index
// carrying sizes and blake3 checksums.
type Uploader struct {
	Client *S3Client
	Arch   string
}

func NewUploader(client *S3Client, arch string) *Uploader {
	return &Uploader{Client: client, Arch: arch}
}

func (u *Uploader) prefix(repo string) string {
	return fmt.Sprintf("%s-testing/os/%s", repo, u.Arch)
}

// UploadArtifacts verifies, checksums and uploads every package artifact,
// then refreshes the repo index. Signature files ride along untracked.
func (u *Uploader) UploadArtifacts(ctx context.Context, repo string, artifacts []string) error {
	if u.Client == nil {
		return fmt.Errorf("no bucket client configured")
	}
	var entries []IndexEntry
	for _, artifact := range artifacts {
		if strings.HasSuffix(artifact, ".sig") {
			key := u.prefix(repo) + "/" + filepath.Base(artifact)
			if err := u.Client.UploadLocalFile(ctx, key, artifact); err != nil {
				return fmt.Errorf("uploading %s: %w", filepath.Base(artifact), err)
			}
			continue
		}

		meta, err := inspectArtifact(artifact)
		if err != nil {
			return fmt.Errorf("rejecting %s: %w", filepath.Base(artifact), err)
		}
		sum, size, err := blake3File(artifact)
		if err != nil {
			return err
		}

		key := u.prefix(repo) + "/" + filepath.Base(artifact)
		colArrow.Print("-> ")
		colSuccess.Printf("Uploading ")
		colNote.Printf("%s", filepath.Base(artifact))
		colSuccess.Printf(" (%s)\n", humanReadableSize(size))
		if err := u.Client.UploadLocalFile(ctx, key, artifact); err != nil {
			return fmt.Errorf("uploading %s: %w", filepath.Base(artifact), err)
		}

		entries = append(entries, IndexEntry{
			Name:     meta.name,
			Version:  meta.version,
			File:     filepath.Base(artifact),
			Size:     size,
			Blake3:   sum,
			Uploaded: time.Now().UTC().Format(time.RFC3339),
		})
	}
	if len(entries) == 0 {
		return nil
	}
	return u.updateIndex(ctx, repo, entries)
}

// updateIndex merges new entries into the repo index object, replacing any
// older entry for the same package name.
func (u *Uploader) updateIndex(ctx context.Context, repo string, entries []IndexEntry) error {
	key := u.prefix(repo) + "/index.json"

	var index []IndexEntry
	if data, err := u.Client.DownloadFile(ctx, key); err == nil {
		if err := json.Unmarshal(data, &index); err != nil {
			cPrintf(colWarn, "Warning: rebuilding corrupt index %s\n", key)
			index = nil
		}
	}

	replaced := make(map[string]bool)
	for _, e := range entries {
		replaced[e.Name] = true
	}
	merged := make([]IndexEntry, 0, len(index)+len(entries))
	for _, e := range index {
		if !replaced[e.Name] {
			merged = append(merged, e)
		}
	}
	merged = append(merged, entries...)

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}
	if err := u.Client.UploadFile(ctx, key, data); err != nil {
		return fmt.Errorf("updating index %s: %w", key, err)
	}
	return nil
}

type artifactMeta struct {
	name    string
	version string
}

// inspectArtifact confirms the file is a readable zstd-compressed package
// archive and pulls name/version out of its .PKGINFO.
func inspectArtifact(path string) (*artifactMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a zstd archive: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt package archive: %w", err)
		}
		if filepath.Base(hdr.Name) != ".PKGINFO" {
			continue
		}
		meta := &artifactMeta{}
		scanner := bufio.NewScanner(tr)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if name, ok := strings.CutPrefix(line, "pkgname = "); ok {
				meta.name = name
			}
			if ver, ok := strings.CutPrefix(line, "pkgver = "); ok {
				meta.version = ver
			}
		}
		if meta.name == "" {
			return nil, fmt.Errorf(".PKGINFO without pkgname")
		}
		return meta, nil
	}
	return nil, fmt.Errorf("package archive has no .PKGINFO")
}

// blake3File returns the hex blake3-256 digest and size of a file.
func blake3File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// orphanKeys returns bucket keys under prefix that no index entry accounts
// for. The index itself and signatures of indexed files are kept.
func orphanKeys(objects []S3Object, index []IndexEntry, prefix string) []string {
	keep := map[string]bool{prefix + "/index.json": true}
	for _, e := range index {
		keep[prefix+"/"+e.File] = true
		keep[prefix+"/"+e.File+".sig"] = true
	}
	var orphans []string
	for _, o := range objects {
		if !keep[o.Key] {
			orphans = append(orphans, o.Key)
		}
	}
	return orphans
}

// PruneOrphans deletes uploaded files the repo index no longer references,
// left behind by interrupted uploads or replaced package versions.
func (u *Uploader) PruneOrphans(ctx context.Context, repo string) error {
	prefix := u.prefix(repo)
	objects, err := u.Client.ListObjects(ctx, prefix)
	if err != nil {
		return fmt.Errorf("listing %s: %w", prefix, err)
	}

	var index []IndexEntry
	if data, err := u.Client.DownloadFile(ctx, prefix+"/index.json"); err == nil {
		if err := json.Unmarshal(data, &index); err != nil {
			return fmt.Errorf("corrupt index %s/index.json: %w", prefix, err)
		}
	}

	for _, key := range orphanKeys(objects, index, prefix) {
		colArrow.Print("-> ")
		cPrintf(colWarn, "Removing orphaned %s\n", key)
		if err := u.Client.DeleteFile(ctx, key); err != nil {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	return nil
}

// RetryUploads re-attempts publishing for checkpointed entries whose build
// succeeded but whose upload failed, without rebuilding anything.
func RetryUploads(ctx context.Context, cp *Checkpoint, entries map[string]string, u *Uploader) error {
	var failed int
	var attempted int
	for key, rec := range cp.Entries {
		if !rec.UploadFailed || len(rec.Artifacts) == 0 {
			continue
		}
		repo, ok := entries[key]
		if !ok {
			continue
		}
		attempted++
		if err := u.UploadArtifacts(ctx, repo, rec.Artifacts); err != nil {
			cPrintf(colWarn, "Upload retry for %s failed: %v\n", key, err)
			failed++
			continue
		}
		rec.UploadFailed = false
		rec.UploadError = ""
		if err := cp.Record(rec); err != nil {
			return err
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Uploaded %s\n", key)
	}
	if attempted == 0 {
		colArrow.Print("-> ")
		colSuccess.Println("No pending uploads.")
		return nil
	}
	if failed > 0 {
		return fmt.Errorf("%d upload(s) still failing", failed)
	}
	return nil
}
