package writer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3MirrorUploadsWithPrefix(t *testing.T) {
	root := t.TempDir()
	rel := filepath.Join("BTC", "trades", "2024-01-15.parquet")
	if err := os.MkdirAll(filepath.Dir(filepath.Join(root, rel)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, rel), []byte("PAR1"), 0o644); err != nil {
		t.Fatal(err)
	}

	putter := &fakePutter{}
	m := NewS3MirrorWithClient(putter, "bucket", "/deribit/", root, "test")
	if err := m.Mirror(context.Background(), rel, map[string]string{"rows": "3"}); err != nil {
		t.Fatalf("mirror: %v", err)
	}

	if len(putter.inputs) != 1 {
		t.Fatalf("expected one upload, got %d", len(putter.inputs))
	}
	in := putter.inputs[0]
	if got := aws.ToString(in.Key); got != "deribit/BTC/trades/2024-01-15.parquet" {
		t.Fatalf("unexpected key %s", got)
	}
	if aws.ToString(in.Bucket) != "bucket" || in.Metadata["rows"] != "3" || in.Metadata["deribitflow-version"] != "test" {
		t.Fatalf("unexpected input %+v", in)
	}
	if string(putter.bodies[0]) != "PAR1" {
		t.Fatalf("unexpected body %q", putter.bodies[0])
	}
}

func TestS3MirrorReportsFailure(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "manifest.json"), []byte("{}"), 0o644)

	m := NewS3MirrorWithClient(&fakePutter{err: errors.New("denied")}, "bucket", "", root, "test")
	if err := m.Mirror(context.Background(), "manifest.json", nil); err == nil {
		t.Fatalf("expected upload error")
	}
	if m.Key("manifest.json") != "manifest.json" {
		t.Fatalf("unexpected key without prefix")
	}
	if err := m.Mirror(context.Background(), "missing.parquet", nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
