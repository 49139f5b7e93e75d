package classifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

const (
	maxManifestBytes = 1 << 20
	maxModelBytes    = 512 << 20
)

// ArtifactSink stores model artifacts by key.
type ArtifactSink interface {
	Save(ctx context.Context, key string, data io.Reader) error
}

// Inspect reads and validates the manifest at source and checks that the model file
// it names is present and matches its checksum. It does not build a runtime model.
func Inspect(ctx context.Context, source ArtifactSource) (Manifest, error) {
	set, err := readArtifacts(ctx, source)
	if err != nil {
		return Manifest{}, domain.WrapError(domain.ErrModelLoad, "inspect model", err)
	}
	return set.manifest, nil
}

// Pull copies a verified model artifact set from source into sink. The model file
// is written before the manifest so a sink never names a model it does not hold.
func Pull(ctx context.Context, source ArtifactSource, sink ArtifactSink) (Manifest, error) {
	set, err := readArtifacts(ctx, source)
	if err != nil {
		return Manifest{}, domain.WrapError(domain.ErrModelLoad, "pull model", err)
	}

	if err := sink.Save(ctx, set.manifest.ModelFile, bytes.NewReader(set.modelData)); err != nil {
		return Manifest{}, fmt.Errorf("save %s: %w", set.manifest.ModelFile, err)
	}
	if err := sink.Save(ctx, ManifestFile, bytes.NewReader(set.manifestData)); err != nil {
		return Manifest{}, fmt.Errorf("save %s: %w", ManifestFile, err)
	}
	return set.manifest, nil
}

// artifactSet is one consistent read of a model: the manifest bytes, what they
// parse to, and the model file they verify.
type artifactSet struct {
	manifest     Manifest
	manifestData []byte
	modelData    []byte
}

// readArtifacts loads the manifest and the checksum-verified model bytes it names.
// The manifest is opened once.
func readArtifacts(ctx context.Context, source ArtifactSource) (artifactSet, error) {
	manifestData, err := readArtifact(ctx, source, ManifestFile, maxManifestBytes)
	if err != nil {
		return artifactSet{}, err
	}
	manifest, err := ParseManifest(manifestData)
	if err != nil {
		return artifactSet{}, err
	}

	modelData, err := readArtifact(ctx, source, manifest.ModelFile, maxModelBytes)
	if err != nil {
		return artifactSet{}, err
	}
	if err := verifyChecksum(manifest.ModelSHA256, modelData); err != nil {
		return artifactSet{}, err
	}
	return artifactSet{manifest: manifest, manifestData: manifestData, modelData: modelData}, nil
}

func readArtifact(ctx context.Context, source ArtifactSource, key string, limit int64) ([]byte, error) {
	rc, err := source.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", key, err)
	}
	if n > limit {
		return nil, fmt.Errorf("artifact %s exceeds %d bytes", key, limit)
	}
	return buf.Bytes(), nil
}

func verifyChecksum(want string, data []byte) error {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return nil
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != want {
		return fmt.Errorf("model checksum mismatch: got %s, want %s", got, want)
	}
	return nil
}
