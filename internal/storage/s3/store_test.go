package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/hellio/hrchat/internal/config"
	"github.com/hellio/hrchat/internal/storage"
)

func TestPutUsesPrefixAndNormalizedKey(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("hrchat-audit", "hrchat/prod", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	_, err = store.Put(context.Background(), "/audit/date=2026-02-19/hour=09/chat-1.parquet", bytes.NewBufferString("abc"), 3, storage.PutOptions{ContentType: "application/vnd.apache.parquet"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.lastPutBucket != "hrchat-audit" {
		t.Fatalf("bucket = %q", fake.lastPutBucket)
	}
	if fake.lastPutKey != "hrchat/prod/audit/date=2026-02-19/hour=09/chat-1.parquet" {
		t.Fatalf("key = %q", fake.lastPutKey)
	}
	if fake.lastContentType != "application/vnd.apache.parquet" {
		t.Fatalf("content type = %q", fake.lastContentType)
	}
}

func TestPutRejectsInvalidKeys(t *testing.T) {
	store, err := NewWithClient("hrchat-audit", "", &fakeClient{})
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	for _, key := range []string{"", "/", "../secrets.txt", "audit/../../x"} {
		if _, err := store.Put(context.Background(), key, bytes.NewBufferString("x"), 1, storage.PutOptions{}); err == nil {
			t.Fatalf("Put(%q) expected validation error", key)
		}
	}
}

func TestCheckReportsMissingBucket(t *testing.T) {
	store, err := NewWithClient("hrchat-audit", "", &fakeClient{bucketExists: false})
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if err := store.Check(context.Background()); !errors.Is(err, storage.ErrBucketNotFound) {
		t.Fatalf("Check() error = %v, want ErrBucketNotFound", err)
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := &fakeClient{bucketExists: false}
	store, err := NewWithClient("hrchat-audit", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if !fake.createBucketCalled {
		t.Fatal("expected CreateBucket to be called")
	}
}

func TestEnsureBucketSurfacesLookupErrors(t *testing.T) {
	fake := &fakeClient{bucketErr: errors.New("access denied")}
	store, err := NewWithClient("hrchat-audit", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if err := store.ensureBucket(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
	if fake.createBucketCalled {
		t.Fatal("CreateBucket must not run when the lookup failed")
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw      string
		useSSL   bool
		endpoint string
		secure   bool
		wantErr  bool
	}{
		{raw: "https://minio.example.com", endpoint: "minio.example.com", secure: true},
		{raw: "http://localhost:9000", useSSL: false, endpoint: "localhost:9000"},
		{raw: "localhost:9000", useSSL: true, endpoint: "localhost:9000", secure: true},
		{raw: "ftp://minio.example.com", wantErr: true},
		{raw: " ", wantErr: true},
	}
	for _, tt := range tests {
		endpoint, secure, err := parseEndpoint(tt.raw, tt.useSSL)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseEndpoint(%q) expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseEndpoint(%q) error = %v", tt.raw, err)
		}
		if endpoint != tt.endpoint || secure != tt.secure {
			t.Fatalf("parseEndpoint(%q) = %q/%v", tt.raw, endpoint, secure)
		}
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.ObjectStoreConfig{Endpoint: "localhost:9000", Bucket: "hrchat-audit", Prefix: "dev", UseSSL: true})
	if cfg.Endpoint != "localhost:9000" || cfg.Bucket != "hrchat-audit" || cfg.Prefix != "dev" || !cfg.UseSSL {
		t.Fatalf("FromConfig() = %+v", cfg)
	}
}

type fakeClient struct {
	lastPutBucket      string
	lastPutKey         string
	lastContentType    string
	bucketExists       bool
	bucketErr          error
	createBucketCalled bool
}

func (f *fakeClient) Put(_ context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (storage.ObjectInfo, error) {
	f.lastPutBucket = bucket
	f.lastPutKey = key
	f.lastContentType = contentType
	_, _ = io.Copy(io.Discard, reader)
	return storage.ObjectInfo{Key: key, Size: size, ETag: "etag-1"}, nil
}

func (f *fakeClient) BucketExists(_ context.Context, _ string) (bool, error) {
	return f.bucketExists, f.bucketErr
}

func (f *fakeClient) CreateBucket(_ context.Context, _, _ string) error {
	f.createBucketCalled = true
	return nil
}
